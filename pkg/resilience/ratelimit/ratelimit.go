// Package ratelimit implements the per-destination outbound pacing
// described in spec.md §4.2 using token-bucket limiters from
// golang.org/x/time/rate.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/aegis-ops/aegis/pkg/apperrors"
)

// Limit describes a canonical outbound rate for a destination channel.
type Limit struct {
	PerInterval int
	Interval    time.Duration
	Burst       int
}

// CanonicalLimits are the spec.md §4.2 defaults keyed by channel name.
func CanonicalLimits() map[string]Limit {
	return map[string]Limit{
		"chat":  {PerInterval: 1, Interval: time.Second, Burst: 1},
		"pager": {PerInterval: 2, Interval: time.Minute, Burst: 2},
		"email": {PerInterval: 10, Interval: time.Second, Burst: 10},
	}
}

// Registry holds one token bucket per destination.
type Registry struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	defaults map[string]Limit
}

// NewRegistry constructs a Registry seeded with the canonical outbound
// limits; callers may register additional per-destination limits with Set.
func NewRegistry() *Registry {
	return &Registry{
		limiters: make(map[string]*rate.Limiter),
		defaults: CanonicalLimits(),
	}
}

// Set configures (or overrides) the limit for a destination.
func (r *Registry) Set(destination string, limit Limit) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limiters[destination] = rate.NewLimiter(toLimit(limit), limit.Burst)
}

func toLimit(l Limit) rate.Limit {
	if l.Interval <= 0 {
		return rate.Inf
	}
	return rate.Limit(float64(l.PerInterval) / l.Interval.Seconds())
}

func (r *Registry) limiterFor(destination string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if lim, ok := r.limiters[destination]; ok {
		return lim
	}
	if d, ok := r.defaults[destination]; ok {
		lim := rate.NewLimiter(toLimit(d), d.Burst)
		r.limiters[destination] = lim
		return lim
	}
	// Unregistered destinations get a generous default so the limiter
	// degrades to a no-op rather than silently blocking new channels.
	lim := rate.NewLimiter(rate.Inf, 1)
	r.limiters[destination] = lim
	return lim
}

// Allow reserves a token for destination within the caller's own timeout
// (derived from ctx's deadline, or immediate if ctx has none). It returns
// apperrors.KindRateLimited if a token cannot be obtained in time.
func (r *Registry) Allow(ctx context.Context, destination string) error {
	lim := r.limiterFor(destination)
	if lim.Allow() {
		return nil
	}

	deadline, hasDeadline := ctx.Deadline()
	if !hasDeadline {
		return apperrors.Newf(apperrors.KindRateLimited, "rate limited for %s", destination)
	}

	reservation := lim.Reserve()
	if !reservation.OK() {
		return apperrors.Newf(apperrors.KindRateLimited, "rate limited for %s", destination)
	}
	delay := reservation.Delay()
	if time.Now().Add(delay).After(deadline) {
		reservation.Cancel()
		return apperrors.Newf(apperrors.KindRateLimited, "rate limited for %s", destination)
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		reservation.Cancel()
		return apperrors.Wrap(apperrors.KindCancelled, "rate limit wait canceled", ctx.Err())
	}
}
