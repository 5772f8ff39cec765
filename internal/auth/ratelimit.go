package auth

import (
	"math"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter keeps one token bucket per key. The key is the userID when the
// connection is authenticated, otherwise the peer id, so anonymous peers
// never share a bucket. Buckets are created lazily on the first chargeable
// action and forgotten on disconnect.
//
// Capacity equals the refill rate: a key allowed R msg/s can burst at most R
// messages from a full bucket.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	limitFn func(key string) float64
}

// NewRateLimiter creates a limiter; limitFn maps a key to its budget in
// messages/second.
func NewRateLimiter(limitFn func(key string) float64) *RateLimiter {
	return &RateLimiter{
		buckets: make(map[string]*rate.Limiter),
		limitFn: limitFn,
	}
}

// Allow consumes one token from the key's bucket, reporting whether the
// message is within budget.
func (l *RateLimiter) Allow(key string) bool {
	return l.bucket(key).Allow()
}

// Forget drops the key's bucket. Called when the owning connection closes.
func (l *RateLimiter) Forget(key string) {
	l.mu.Lock()
	delete(l.buckets, key)
	l.mu.Unlock()
}

// Invalidate drops the bucket so the next action picks up a changed budget.
func (l *RateLimiter) Invalidate(key string) {
	l.Forget(key)
}

func (l *RateLimiter) bucket(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		limit := float64(DefaultRateLimit)
		if l.limitFn != nil {
			if v := l.limitFn(key); v > 0 {
				limit = v
			}
		}
		// Fractional budgets still need a burst of at least one, or Allow
		// could never succeed.
		burst := int(math.Ceil(limit))
		if burst < 1 {
			burst = 1
		}
		b = rate.NewLimiter(rate.Limit(limit), burst)
		l.buckets[key] = b
	}
	return b
}
