package middleware

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"
)

// DefaultIdleTTL is how long a client may stay silent before its limiter is dropped.
const DefaultIdleTTL = 10 * time.Minute

// RateLimiter provides per-key rate limiting.
// Limiters of keys idle for longer than the idle TTL are evicted.
type RateLimiter struct {
	mu        sync.Mutex
	limits    map[string]*clientLimiter
	every     time.Duration
	burst     int
	idleTTL   time.Duration
	lastSweep time.Time
	now       func() time.Time
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Option configures a RateLimiter.
type Option func(*RateLimiter)

// WithIdleTTL overrides DefaultIdleTTL.
func WithIdleTTL(d time.Duration) Option {
	return func(rl *RateLimiter) {
		if d > 0 {
			rl.idleTTL = d
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(rl *RateLimiter) {
		rl.now = now
	}
}

// NewRateLimiter creates a limiter allowing rps requests per second per key with the given burst.
func NewRateLimiter(rps float64, burst int, opts ...Option) *RateLimiter {
	if rps <= 0 {
		rps = 10
	}
	if burst <= 0 {
		burst = 20
	}
	rl := &RateLimiter{
		limits:  make(map[string]*clientLimiter),
		every:   time.Duration(float64(time.Second) / rps),
		burst:   burst,
		idleTTL: DefaultIdleTTL,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(rl)
	}
	rl.lastSweep = rl.now()
	return rl
}

// getLimiter gets or creates a limiter for the given key.
func (rl *RateLimiter) getLimiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if now.Sub(rl.lastSweep) >= rl.idleTTL {
		rl.sweepLocked(now)
	}

	if entry, ok := rl.limits[key]; ok {
		entry.lastSeen = now
		return entry.limiter
	}
	limiter := rate.NewLimiter(rate.Every(rl.every), rl.burst)
	rl.limits[key] = &clientLimiter{limiter: limiter, lastSeen: now}
	return limiter
}

func (rl *RateLimiter) sweepLocked(now time.Time) {
	for key, entry := range rl.limits {
		if now.Sub(entry.lastSeen) >= rl.idleTTL {
			delete(rl.limits, key)
		}
	}
	rl.lastSweep = now
}

// Len returns the number of tracked keys.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limits)
}

// Allow checks if a request is allowed for the given key.
func (rl *RateLimiter) Allow(key string) bool {
	return rl.getLimiter(key).Allow()
}

// Wait waits for a request to be allowed.
// Returns error if the context is cancelled.
func (rl *RateLimiter) Wait(ctx context.Context, key string) error {
	return rl.getLimiter(key).Wait(ctx)
}

// Middleware rejects requests over the limit with 429, keyed by client IP.
func (rl *RateLimiter) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !rl.Allow(c.RealIP()) {
				return c.JSON(http.StatusTooManyRequests, map[string]string{
					"code":  "RATE_LIMIT_EXCEEDED",
					"error": "too many requests",
				})
			}
			return next(c)
		}
	}
}
