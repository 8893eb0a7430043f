// Package ratelimit provides fixed-window rate limiting on top of cache counters.
package ratelimit

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/anycard/anycard-go/internal/api"
	"github.com/anycard/anycard-go/internal/appctx"
	"github.com/anycard/anycard-go/internal/cache"
)

// Config defines rate limiting parameters.
type Config struct {
	// RequestsPerWindow is the maximum requests allowed per window.
	RequestsPerWindow int64

	// Window is the time window for rate limiting.
	Window time.Duration

	// KeyPrefix is prepended to all rate limit keys.
	KeyPrefix string
}

// DefaultConfig returns sensible rate limiting defaults.
func DefaultConfig() *Config {
	return &Config{
		RequestsPerWindow: 100,
		Window:            cache.TTLRateLimit,
		KeyPrefix:         "ratelimit:",
	}
}

// PerMinute returns a config allowing n requests a minute under prefix.
func PerMinute(n int, prefix string) *Config {
	return &Config{
		RequestsPerWindow: int64(n),
		Window:            time.Minute,
		KeyPrefix:         "ratelimit:" + prefix + ":",
	}
}

// Limiter provides rate limiting using a cache backend.
type Limiter struct {
	cache  cache.Counter
	config *Config
}

// New creates a new rate limiter.
func New(c cache.Counter, cfg *Config) *Limiter {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Limiter{
		cache:  c,
		config: cfg,
	}
}

// Result contains the rate limit check result.
type Result struct {
	Allowed   bool
	Remaining int64
	ResetAt   time.Time
}

func (l *Limiter) result(count int64, resetAt time.Time, allowed bool) *Result {
	remaining := l.config.RequestsPerWindow - count
	if remaining < 0 {
		remaining = 0
	}
	return &Result{Allowed: allowed, Remaining: remaining, ResetAt: resetAt}
}

// Allow counts a request for key and reports whether it fits the window.
func (l *Limiter) Allow(ctx context.Context, key string) (*Result, error) {
	count, resetAt, err := l.cache.Increment(ctx, l.config.KeyPrefix+key, 1, l.config.Window)
	if err != nil {
		return nil, err
	}
	return l.result(count, resetAt, count <= l.config.RequestsPerWindow), nil
}

// Check reports the state for key without counting a request.
func (l *Limiter) Check(ctx context.Context, key string) (*Result, error) {
	count, err := l.cache.GetCount(ctx, l.config.KeyPrefix+key)
	if err != nil {
		return nil, err
	}
	return l.result(count, time.Now().Add(l.config.Window), count < l.config.RequestsPerWindow), nil
}

// Reset clears the rate limit for a key.
func (l *Limiter) Reset(ctx context.Context, key string) error {
	return l.cache.Reset(ctx, l.config.KeyPrefix+key)
}

// KeyFromRequest keys authenticated callers by owner id and everyone else by
// client IP. RemoteAddr is expected to be rewritten by the trusted-proxy
// middleware already; forwarding headers are not read here.
func KeyFromRequest(r *http.Request) string {
	if p, ok := appctx.PrincipalFromContext(r.Context()); ok {
		return "owner:" + p.OwnerID
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "ip:" + r.RemoteAddr
	}
	return "ip:" + host
}

// Middleware returns an HTTP middleware that applies rate limiting.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		result, err := l.Allow(r.Context(), KeyFromRequest(r))
		if err != nil {
			// Fail open: a cache outage must not take the API down.
			appctx.GetLogger(r.Context()).Warn("rate limit check failed", "error", err)
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(l.config.RequestsPerWindow, 10))
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(result.Remaining, 10))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))

		if !result.Allowed {
			retry := int(time.Until(result.ResetAt).Seconds()) + 1
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			api.WriteTooManyRequests(w, "too many requests")
			return
		}

		next.ServeHTTP(w, r)
	})
}
