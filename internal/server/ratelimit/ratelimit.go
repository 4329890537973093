// Package ratelimit implements fixed-window request counting per
// client identity and route class.
//
// Time is divided into non-overlapping windows; the counter key is
// (routeClass, clientIdentity, windowID) and every admit atomically
// post-increments it. Two counter backends exist behind one interface:
// a shared Redis counter for multi-instance deployments and an
// in-process map for single instances. The two are never mixed: when
// configuration requires the shared backend and it is unreachable,
// requests are rejected rather than under-counted per instance.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// RouteClass identifies the request family being limited; each class
// carries its own limit.
type RouteClass string

const (
	RouteUpload   RouteClass = "upload"
	RouteDownload RouteClass = "download"
	RouteShare    RouteClass = "share"
)

var (
	// ErrBackendUnavailable means the shared counter backend could not
	// be reached within its deadline. Callers reject the request; the
	// limiter never silently degrades to in-process counting.
	ErrBackendUnavailable = errors.New("rate limit backend unavailable")

	// ErrNoClientIdentity means the request could not be attributed to
	// a client. Production fails closed on this.
	ErrNoClientIdentity = errors.New("client identity could not be determined")
)

// Decision is the admit/deny outcome. Denial is a first-class result,
// not an error.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration // time left in the current window
}

// Counter is a windowed counter backend. Incr returns the
// post-increment value for key, arranging for the key to expire ttl
// after its first increment.
type Counter interface {
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// Limiter admits or rejects requests against per-route-class limits.
// Construct one per process and pass it explicitly to request-handling
// code; it is not ambient state.
type Limiter struct {
	counter  Counter
	window   time.Duration
	limits   map[RouteClass]int
	failOpen bool // development: admit requests with no client identity

	now func() time.Time
}

// New creates a Limiter over the given counter backend. A
// non-positive window is clamped to one minute.
func New(counter Counter, window time.Duration, limits map[RouteClass]int, failOpen bool) *Limiter {
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{
		counter:  counter,
		window:   window,
		limits:   limits,
		failOpen: failOpen,
		now:      time.Now,
	}
}

// Admit counts one request for identity on route and decides whether it
// may proceed. An empty identity is rejected with ErrNoClientIdentity
// unless the limiter fails open; a backend failure is returned as
// ErrBackendUnavailable, never as an allow.
func (l *Limiter) Admit(ctx context.Context, identity string, route RouteClass) (Decision, error) {
	if identity == "" {
		if l.failOpen {
			return Decision{Allowed: true, Remaining: l.limitFor(route)}, nil
		}
		return Decision{}, ErrNoClientIdentity
	}

	// Window arithmetic in nanoseconds so sub-second windows work;
	// second-granularity division truncates them to zero.
	now := l.now()
	windowID := now.UnixNano() / int64(l.window)
	windowEnd := time.Unix(0, (windowID+1)*int64(l.window))
	ttl := windowEnd.Sub(now)

	key := fmt.Sprintf("rl:%s:%s:%d", route, identity, windowID)
	count, err := l.counter.Incr(ctx, key, ttl)
	if err != nil {
		return Decision{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	limit := l.limitFor(route)
	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}

	return Decision{
		Allowed:    count <= int64(limit),
		Remaining:  remaining,
		RetryAfter: ttl,
	}, nil
}

func (l *Limiter) limitFor(route RouteClass) int {
	if limit, ok := l.limits[route]; ok {
		return limit
	}
	// Unknown route classes get the tightest configured limit.
	min := 0
	for _, limit := range l.limits {
		if min == 0 || limit < min {
			min = limit
		}
	}
	return min
}
