package auth

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// PeerClaims are the JWT claims for a relay connection. Subject carries the
// user id.
type PeerClaims struct {
	jwt.RegisteredClaims
	Permissions []string `json:"perms,omitempty"`
}

// JWTValidator validates HMAC-SHA256 bearer tokens.
type JWTValidator struct {
	secret []byte
}

func NewJWTValidator(secret []byte) *JWTValidator {
	return &JWTValidator{secret: secret}
}

// IssueToken creates a signed token for a user, valid for ttl.
func (v *JWTValidator) IssueToken(userID string, perms []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := PeerClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Permissions: perms,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Validate parses and verifies a bearer token. A missing or invalid token
// yields a nil Auth, which rejects the upgrade with 401.
func (v *JWTValidator) Validate(ctx context.Context, token string, r *http.Request) (*Auth, error) {
	if token == "" {
		return nil, nil
	}
	parsed, err := jwt.ParseWithClaims(token, &PeerClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, nil
	}
	claims, ok := parsed.Claims.(*PeerClaims)
	if !ok || !parsed.Valid {
		return nil, nil
	}
	perms := make(map[string]struct{}, len(claims.Permissions))
	for _, p := range claims.Permissions {
		perms[p] = struct{}{}
	}
	now := time.Now()
	return &Auth{
		UserID:         claims.Subject,
		Permissions:    perms,
		ConnectedAt:    now,
		LastActivityAt: now,
	}, nil
}
