// Package ratelimit limits request rates per client with fixed windows.
// Counts live behind the Counter interface so several instances can share
// one store.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/mihaimyh/cardsync/internal/httputil"
	"github.com/mihaimyh/cardsync/pkg/auth"
	"github.com/mihaimyh/cardsync/pkg/entitlement"
)

// ErrInvalidConfig is returned by New for a non-positive limit or window.
var ErrInvalidConfig = errors.New("invalid rate limit configuration")

// Metrics receives one call per limit check.
type Metrics interface {
	RecordRateLimitCheck(route string, allowed bool)
}

type noopMetrics struct{}

func (noopMetrics) RecordRateLimitCheck(string, bool) {}

// Config configures a Limiter.
type Config struct {
	Counter Counter
	// Limit is the number of requests allowed per Window.
	Limit  int
	Window time.Duration
	// Prefix namespaces the keys in a shared Counter.
	Prefix string
	// KeyFunc picks the bucket of a request. Defaults to ClientKey.
	KeyFunc func(*http.Request) string

	Logger  entitlement.Logger
	Metrics Metrics
}

// Decision is the result of a single check.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// Limiter enforces Limit requests per Window for each key.
type Limiter struct {
	counter Counter
	limit   int
	window  time.Duration
	prefix  string
	keyFunc func(*http.Request) string
	logger  entitlement.Logger
	metrics Metrics
}

// New validates cfg and builds a Limiter. A nil Counter uses a MemoryCounter.
func New(cfg Config) (*Limiter, error) {
	if cfg.Limit <= 0 || cfg.Window <= 0 {
		return nil, fmt.Errorf("%w: limit %d window %s", ErrInvalidConfig, cfg.Limit, cfg.Window)
	}
	l := &Limiter{
		counter: cfg.Counter,
		limit:   cfg.Limit,
		window:  cfg.Window,
		prefix:  cfg.Prefix,
		keyFunc: cfg.KeyFunc,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}
	if l.counter == nil {
		l.counter = NewMemoryCounter()
	}
	if l.prefix == "" {
		l.prefix = "ratelimit"
	}
	if l.keyFunc == nil {
		l.keyFunc = ClientKey
	}
	if l.logger == nil {
		l.logger = &entitlement.NoopLogger{}
	}
	if l.metrics == nil {
		l.metrics = noopMetrics{}
	}
	return l, nil
}

// Allow counts one request for key on route.
func (l *Limiter) Allow(ctx context.Context, route, key string) (Decision, error) {
	count, resetAt, err := l.counter.Incr(ctx, l.prefix+":"+route+":"+key, l.window)
	if err != nil {
		return Decision{Allowed: true, Remaining: l.limit}, err
	}
	d := Decision{
		Allowed:   count <= int64(l.limit),
		Remaining: max(l.limit-int(min(count, math.MaxInt32)), 0),
		ResetAt:   resetAt,
	}
	l.metrics.RecordRateLimitCheck(route, d.Allowed)
	return d, nil
}

// Middleware limits next per KeyFunc bucket. When the counter is unreachable
// the request is let through and the failure logged.
func (l *Limiter) Middleware(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d, err := l.Allow(r.Context(), route, l.keyFunc(r))
			if err != nil {
				l.logger.Warn("rate limit check failed, allowing request",
					entitlement.Field{Key: "route", Value: route},
					entitlement.Field{Key: "error", Value: err.Error()},
				)
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(l.limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			if !d.Allowed {
				retry := int(math.Ceil(time.Until(d.ResetAt).Seconds()))
				w.Header().Set("Retry-After", strconv.Itoa(max(retry, 1)))
				httputil.WriteError(w, http.StatusTooManyRequests, "rate_limited", "Too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientKey buckets signed-in requests by session user and the rest by
// peer address. Forwarding headers are client controlled and ignored.
func ClientKey(r *http.Request) string {
	if id, ok := auth.FromRequest(r); ok && id.UserID != "" {
		return "user:" + id.UserID
	}
	return "ip:" + GetClientIP(r)
}

// GetClientIP returns the host part of RemoteAddr.
func GetClientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
