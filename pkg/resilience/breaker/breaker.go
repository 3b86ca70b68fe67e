// Package breaker implements the per-destination circuit breaker described
// in spec.md §4.2, grounded on the teacher's runtime/a2a/retry exponential
// backoff helper (Do/IsRetryable/calculateBackoff) generalized with
// failure counting and explicit state transitions.
package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/aegis-ops/aegis/pkg/apperrors"
)

// State is the closed set of circuit breaker states.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config configures breaker thresholds (spec.md §4.2 defaults).
type Config struct {
	FailureThreshold    int           // consecutive failures to trip closed -> open
	CooldownPeriod      time.Duration // open -> half_open after this elapses
	HalfOpenSuccesses   int           // half_open -> closed after this many successes
	CallBudget          time.Duration // per-call time budget; exceeding counts as failure
}

// DefaultConfig returns the spec.md §4.2 canonical defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:  5,
		CooldownPeriod:    30 * time.Second,
		HalfOpenSuccesses: 2,
		CallBudget:        30 * time.Second,
	}
}

type destinationState struct {
	mu                 sync.Mutex
	state              State
	consecutiveFailures int
	consecutiveSuccesses int
	openSince          time.Time
}

// Registry tracks breaker state per destination (agent kind, provider,
// outbound channel) as a shared, atomically-updated map (spec.md §5: small
// critical sections acceptable, no lock held across suspension).
type Registry struct {
	cfg  Config
	mu   sync.Mutex
	dest map[string]*destinationState
	now  func() time.Time
}

// NewRegistry constructs a breaker Registry with the given configuration.
func NewRegistry(cfg Config) *Registry {
	return &Registry{cfg: cfg, dest: make(map[string]*destinationState), now: time.Now}
}

func (r *Registry) destination(name string) *destinationState {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.dest[name]
	if !ok {
		d = &destinationState{state: StateClosed}
		r.dest[name] = d
	}
	return d
}

// State returns the current CircuitBreakerState snapshot for a destination.
func (r *Registry) State(destination string) (State, int, time.Time) {
	d := r.destination(destination)
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state, d.consecutiveFailures, d.openSince
}

// Allow reports whether a call to destination may proceed right now,
// transitioning open -> half_open when the cooldown has elapsed.
func (r *Registry) Allow(destination string) bool {
	d := r.destination(destination)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == StateOpen {
		if r.now().Sub(d.openSince) >= r.cfg.CooldownPeriod {
			d.state = StateHalfOpen
			d.consecutiveSuccesses = 0
		} else {
			return false
		}
	}
	return true
}

// RecordSuccess reports a successful call outcome.
func (r *Registry) RecordSuccess(destination string) {
	d := r.destination(destination)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.consecutiveFailures = 0
	switch d.state {
	case StateHalfOpen:
		d.consecutiveSuccesses++
		if d.consecutiveSuccesses >= r.cfg.HalfOpenSuccesses {
			d.state = StateClosed
		}
	case StateOpen:
		// Should not normally happen (Allow gates calls), but treat as recovery.
		d.state = StateClosed
	}
}

// RecordFailure reports a failed call outcome (including timeout).
func (r *Registry) RecordFailure(destination string) {
	d := r.destination(destination)
	d.mu.Lock()
	defer d.mu.Unlock()
	switch d.state {
	case StateHalfOpen:
		d.state = StateOpen
		d.openSince = r.now()
		d.consecutiveSuccesses = 0
	case StateClosed:
		d.consecutiveFailures++
		if d.consecutiveFailures >= r.cfg.FailureThreshold {
			d.state = StateOpen
			d.openSince = r.now()
		}
	}
}

// Call wraps fn with the circuit breaker and a time budget, translating a
// tripped breaker and a budget overrun both into apperrors.KindUnavailable.
// The budget is enforced by canceling fn's context when it elapses (the
// runtime's timeout-as-cancellation rule, spec.md §5).
func (r *Registry) Call(ctx context.Context, destination string, fn func(context.Context) error) error {
	if !r.Allow(destination) {
		return apperrors.Newf(apperrors.KindUnavailable, "circuit breaker open for %s", destination)
	}

	budget := r.cfg.CallBudget
	if budget <= 0 {
		budget = DefaultConfig().CallBudget
	}
	cctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	err := fn(cctx)
	if err != nil {
		r.RecordFailure(destination)
		if cctx.Err() != nil && ctx.Err() == nil {
			return apperrors.Wrap(apperrors.KindUnavailable, "call exceeded time budget", cctx.Err())
		}
		return err
	}
	r.RecordSuccess(destination)
	return nil
}
