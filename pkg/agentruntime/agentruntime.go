// Package agentruntime executes a single specialist agent invocation within
// an incident (spec.md §4.4 Agent Runtime, C6): it applies per-kind timeout
// budgets, the primary→secondary→safe_mode→escalate fallback chain, and
// emits AgentAssigned/AgentProgress/AgentCompleted/AgentFailed events into
// the event store. Grounded on the teacher's runtime/agent/run.Context
// (execution metadata threaded through a single run) and runtime/a2a/retry
// (backoff-based fallback attempts generalized into tiered fallback here).
package agentruntime

import (
	"context"
	"time"

	"github.com/aegis-ops/aegis/pkg/aegis/incident"
	"github.com/aegis-ops/aegis/pkg/apperrors"
	"github.com/aegis-ops/aegis/pkg/eventstore"
	"github.com/aegis-ops/aegis/pkg/providers"
	"github.com/aegis-ops/aegis/pkg/streamfabric"
)

// Budget is the per-AgentKind timeout envelope (spec.md §4.4).
type Budget struct {
	Primary   time.Duration
	Secondary time.Duration
	SafeMode  time.Duration
}

// DefaultBudgets returns the canonical per-kind timeout envelopes.
func DefaultBudgets() map[incident.AgentKind]Budget {
	return map[incident.AgentKind]Budget{
		incident.KindDetection:     {Primary: 45 * time.Second, Secondary: 30 * time.Second, SafeMode: 10 * time.Second},
		incident.KindDiagnosis:     {Primary: 90 * time.Second, Secondary: 60 * time.Second, SafeMode: 15 * time.Second},
		incident.KindPrediction:    {Primary: 90 * time.Second, Secondary: 60 * time.Second, SafeMode: 15 * time.Second},
		incident.KindResolution:    {Primary: 60 * time.Second, Secondary: 45 * time.Second, SafeMode: 15 * time.Second},
		incident.KindCommunication: {Primary: 30 * time.Second, Secondary: 20 * time.Second, SafeMode: 10 * time.Second},
	}
}

// confidencePenalty discounts a fallback-tier result's confidence, per
// spec.md §4.4: results obtained via a degraded path are trusted less in
// consensus.
var confidencePenalty = map[string]float64{
	"primary":   0.0,
	"secondary": 0.15,
	"safe_mode": 0.40,
}

// Handler runs a single agent kind's logic against an incident, using the
// provider router to call out to LLM/knowledge effectors. Implementations
// are supplied per AgentKind by the caller (swarm coordinator).
type Handler func(ctx context.Context, inc incident.Incident, router *providers.Router, hint providers.RoutingHint) (incident.AgentResult, error)

// Runner executes Handlers under the fallback chain and emits lifecycle
// events into the event store.
type Runner struct {
	store   eventstore.Store
	router  *providers.Router
	budgets map[incident.AgentKind]Budget
	bus     streamfabric.Bus
}

// NewRunner constructs a Runner over the given event store and provider
// router, using the canonical default budgets.
func NewRunner(store eventstore.Store, router *providers.Router) *Runner {
	return &Runner{store: store, router: router, budgets: DefaultBudgets()}
}

// WithBudgets overrides the per-kind timeout envelopes.
func (r *Runner) WithBudgets(b map[incident.AgentKind]Budget) *Runner {
	r.budgets = b
	return r
}

// WithBus attaches the Streaming Fabric bus every lifecycle event is
// published to alongside its event-store append (spec.md §4.8: C6 is one of
// the bus's publishers). A nil bus (the zero value) leaves publication
// disabled, which existing callers and tests rely on.
func (r *Runner) WithBus(bus streamfabric.Bus) *Runner {
	r.bus = bus
	return r
}

// Run executes handler for kind against incidentID at version, attempting
// primary, then secondary, then a safe-mode degraded handler, escalating
// (returning an error the swarm coordinator treats as a level failure) if
// all tiers fail. Returns the new head version alongside the result so
// callers can chain further Append calls without re-reading HeadVersion.
func (r *Runner) Run(ctx context.Context, incidentID string, version int64, kind incident.AgentKind, level int, handler Handler, safeMode Handler, inc incident.Incident) (incident.AgentResult, int64, error) {
	budget := r.budgets[kind]

	v, err := r.emit(ctx, incidentID, version, incident.EventAgentAssigned, incident.AgentAssignedPayload{
		AgentKind: kind,
		Level:     level,
	})
	if err != nil {
		return incident.AgentResult{}, version, err
	}
	version = v

	tiers := []struct {
		name    string
		timeout time.Duration
		run     Handler
	}{
		{"primary", budget.Primary, handler},
		{"secondary", budget.Secondary, handler},
		{"safe_mode", budget.SafeMode, safeMode},
	}

	var lastErr error
	for _, tier := range tiers {
		if tier.run == nil {
			continue
		}
		result, newVersion, err := r.attempt(ctx, incidentID, version, kind, tier.name, tier.timeout, tier.run, inc)
		version = newVersion
		if err == nil {
			result.Confidence -= confidencePenalty[tier.name]
			if result.Confidence < 0 {
				result.Confidence = 0
			}
			result.Status = incident.AgentCompleted
			v, err := r.emit(ctx, incidentID, version, incident.EventAgentCompleted, incident.AgentCompletedPayload{
				AgentKind: kind,
				Result:    result,
			})
			if err != nil {
				return incident.AgentResult{}, version, err
			}
			return result, v, nil
		}
		lastErr = err
	}

	v, _ = r.emit(ctx, incidentID, version, incident.EventAgentFailed, incident.AgentFailedPayload{
		AgentKind:     kind,
		FailureReason: lastErr.Error(),
	})
	return incident.AgentResult{Kind: kind, Status: incident.AgentFailed, FailureReason: lastErr.Error()},
		v, apperrors.Wrap(apperrors.KindUnavailable, "agent exhausted fallback chain, escalating", lastErr)
}

func (r *Runner) attempt(ctx context.Context, incidentID string, version int64, kind incident.AgentKind, tier string, timeout time.Duration, run Handler, inc incident.Incident) (incident.AgentResult, int64, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if v, err := r.emit(ctx, incidentID, version, incident.EventAgentProgress, incident.AgentProgressPayload{
		AgentKind: kind,
		Stage:     tier,
	}); err == nil {
		version = v
	}

	hint := providers.RoutingHint{TaskClass: taskClassFor(kind)}
	started := time.Now()
	result, err := run(cctx, inc, r.router, hint)
	if err != nil {
		if cctx.Err() != nil && ctx.Err() == nil {
			return incident.AgentResult{}, version, apperrors.Wrap(apperrors.KindUnavailable, tier+" tier exceeded time budget", cctx.Err())
		}
		return incident.AgentResult{}, version, err
	}
	result.Kind = kind
	result.Duration = time.Since(started)
	return result, version, nil
}

func taskClassFor(kind incident.AgentKind) providers.TaskClass {
	switch kind {
	case incident.KindDiagnosis, incident.KindPrediction:
		return providers.TaskHeavy
	case incident.KindDetection:
		return providers.TaskFast
	default:
		return providers.TaskStandard
	}
}

// emit appends a lifecycle event, retrying on a version conflict by
// re-reading the head version: concurrent same-level agents (spec.md §4.5:
// "agents of the same level run in parallel") race to append against the
// same incident, and C2's OCC is the actual serialization point, not a
// coordinator-held lock.
func (r *Runner) emit(ctx context.Context, incidentID string, expectedVersion int64, kind incident.EventKind, payload any) (int64, error) {
	ev, err := eventstore.NewEvent(incidentID, kind, "", payload)
	if err != nil {
		return expectedVersion, err
	}
	for attempt := 0; ; attempt++ {
		v, err := r.store.Append(ctx, incidentID, expectedVersion, ev)
		if err == nil {
			ev.Version = v
			r.publish(ctx, ev)
			return v, nil
		}
		if !apperrors.Is(err, apperrors.KindVersionConflict) || attempt >= 10 {
			return expectedVersion, err
		}
		head, headErr := r.store.HeadVersion(ctx, incidentID)
		if headErr != nil {
			return expectedVersion, err
		}
		expectedVersion = head
	}
}

// publish fans ev out over the Streaming Fabric bus under the live
// dashboard tag (spec.md §2 data flow: C6 publishes AgentAssigned/
// AgentProgress/AgentCompleted/AgentFailed to C10 as they happen).
func (r *Runner) publish(ctx context.Context, ev incident.Event) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(ctx, streamfabric.Published{
		IncidentID:   ev.IncidentID,
		DashboardTag: streamfabric.LiveDashboardTag,
		Event:        ev,
	})
}
