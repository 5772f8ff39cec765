package auth

import (
	"context"
	"net/http"
	"time"
)

// Auth is the authentication context attached to an accepted connection.
type Auth struct {
	UserID         string
	SessionID      string
	Permissions    map[string]struct{}
	ConnectedAt    time.Time
	LastActivityAt time.Time
}

// HasPermission reports whether the permission set contains perm.
func (a *Auth) HasPermission(perm string) bool {
	if a == nil {
		return false
	}
	_, ok := a.Permissions[perm]
	return ok
}

// TokenValidator checks a bearer credential at upgrade time. Returning a nil
// Auth (with nil error) rejects the upgrade with 401. The token may be empty
// when the client presented no credential; validators that allow anonymous
// connections should return a non-nil Auth for it.
type TokenValidator interface {
	Validate(ctx context.Context, token string, r *http.Request) (*Auth, error)
}

// ValidatorFunc adapts a function to TokenValidator.
type ValidatorFunc func(ctx context.Context, token string, r *http.Request) (*Auth, error)

func (f ValidatorFunc) Validate(ctx context.Context, token string, r *http.Request) (*Auth, error) {
	return f(ctx, token, r)
}

// AllowAnonymous accepts every connection with an empty identity. Rate
// limiting then falls back to the per-connection peer id.
var AllowAnonymous TokenValidator = ValidatorFunc(
	func(ctx context.Context, token string, r *http.Request) (*Auth, error) {
		now := time.Now()
		return &Auth{ConnectedAt: now, LastActivityAt: now}, nil
	})
