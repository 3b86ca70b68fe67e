package swarm

import (
	"context"
	"time"

	"github.com/aegis-ops/aegis/pkg/aegis/incident"
	"github.com/aegis-ops/aegis/pkg/apperrors"
	"github.com/aegis-ops/aegis/pkg/eventstore"
	"github.com/aegis-ops/aegis/pkg/streamfabric"
)

// CancelGracePeriod is how long the Coordinator waits for in-flight agents
// to return after a cancellation request before forcing a Failed(Cancelled)
// terminal event (spec.md §4.5).
const CancelGracePeriod = 20 * time.Second

// consensusGateLevel is the highest AgentDependencyLevel the Consensus
// Engine waits on. Communication (level 3) reports on an already-decided
// incident and plays no part in reaching that decision (spec.md §4.5:
// "After all level->=2 agents have terminated" means through the
// resolution tier; spec.md §2: "After the resolution-tier agents finish,
// C7 consults C8").
const consensusGateLevel = 2

// ConsensusFunc runs the Consensus Engine (C8) over accumulated results,
// supplied by the caller to avoid an import cycle between swarm and
// consensus (consensus has no dependency on swarm).
type ConsensusFunc func(ctx context.Context, results []incident.AgentResult) (incident.ConsensusDecision, error)

// ActionExecutor performs the side effect of a consensus-approved action via
// C4's invoke_named_action capability (spec.md §4.3/§4.6 step 5-and-beyond:
// "produces ... ActionExecuted (with outcome)"), supplied by the caller for
// the same reason as ConsensusFunc — swarm has no dependency on providers.
type ActionExecutor func(ctx context.Context, action incident.ProposedAction) (outcome string, err error)

// Coordinator drives one incident's agent workflow as a staged DAG by
// AgentDependencyLevel (spec.md §4.5).
type Coordinator struct {
	store     eventstore.Store
	engine    Engine
	consensus ConsensusFunc
	execute   ActionExecutor
	bus       streamfabric.Bus
}

// NewCoordinator constructs a Coordinator over the given event store,
// execution engine, and consensus function. The resulting Coordinator
// records a ConsensusReached+Escalated pair for every escalation but never
// executes or completes an approved action — call WithExecutor for that.
func NewCoordinator(store eventstore.Store, engine Engine, consensus ConsensusFunc) *Coordinator {
	return &Coordinator{store: store, engine: engine, consensus: consensus}
}

// WithExecutor attaches the action executor used to carry out an approved
// consensus decision (spec.md §4.6: ConsensusReached is "followed by either
// ActionExecuted ... or Escalated"). Returns the receiver for chaining.
func (c *Coordinator) WithExecutor(execute ActionExecutor) *Coordinator {
	c.execute = execute
	return c
}

// WithBus attaches the Streaming Fabric bus the Coordinator publishes
// ConsensusReached/ActionExecuted/ResolutionComplete/Escalated/Failed to
// alongside their event-store append (spec.md §4.8: C7 is one of the bus's
// publishers). A nil bus leaves publication disabled.
func (c *Coordinator) WithBus(bus streamfabric.Bus) *Coordinator {
	c.bus = bus
	return c
}

// publish fans ev out over the bus under the live dashboard tag.
func (c *Coordinator) publish(ctx context.Context, incidentID string, ev incident.Event) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(ctx, streamfabric.Published{
		IncidentID:   incidentID,
		DashboardTag: streamfabric.LiveDashboardTag,
		Event:        ev,
	})
}

// Drive runs the staged scheduling algorithm for a single incident to
// completion: repeatedly starting every not-yet-started agent at or below
// consensusGateLevel whose dependency level is satisfied, waiting for
// terminations, and invoking the Consensus Engine as soon as none remain —
// independent of the communication agent's progress, which is launched in
// the background and never gates ConsensusReached (spec.md §4.5, §2).
func (c *Coordinator) Drive(ctx context.Context, incidentID string, tasks []AgentTask) error {
	head, err := c.store.HeadVersion(ctx, incidentID)
	if err != nil {
		return err
	}
	inc, err := c.store.ReplayState(ctx, incidentID)
	if err != nil {
		return err
	}

	gated, background := splitByConsensusGate(tasks)

	completedLevels := make(map[int]bool)
	started := make(map[incident.AgentKind]bool)
	var results []incident.AgentResult
	remaining := len(gated)

	for remaining > 0 {
		if inc.Terminal() {
			return nil
		}

		ready := readyTasks(gated, started, completedLevels)
		if len(ready) == 0 {
			// Nothing is runnable right now but work remains: every
			// remaining task depends on a level that hasn't completed
			// and never will (its sole provider already failed). These
			// agents are permanently skipped, per spec.md §4.5 step 4
			// ("continues scheduling agents whose dependencies are
			// otherwise satisfied") — there is nothing further to wait for.
			break
		}
		for _, t := range ready {
			started[t.Kind] = true
		}

		select {
		case <-ctx.Done():
			return c.cancelAndFail(context.WithoutCancel(ctx), incidentID, head)
		default:
		}

		outcomes := c.engine.RunLevel(ctx, incidentID, head, ready, inc)
		for outcome := range outcomes {
			remaining--
			if outcome.Err == nil {
				completedLevels[outcome.Level] = true
				results = append(results, outcome.Result)
			}
			if v, err := c.store.HeadVersion(ctx, incidentID); err == nil {
				head = v
			}
		}

		if v, err := c.store.ReplayState(ctx, incidentID); err == nil {
			inc = v
		}
	}

	c.runBackground(ctx, incidentID, head, background, started, completedLevels, inc)

	if inc.Terminal() {
		return nil
	}

	decision, err := c.consensus(ctx, results)
	if err != nil {
		return err
	}
	return c.recordDecision(ctx, incidentID, head, decision)
}

// splitByConsensusGate separates tasks the Consensus Engine waits on
// (level <= consensusGateLevel) from tasks that run independently of it
// (communication, level 3).
func splitByConsensusGate(tasks []AgentTask) (gated, background []AgentTask) {
	for _, t := range tasks {
		if t.Level <= consensusGateLevel {
			gated = append(gated, t)
		} else {
			background = append(background, t)
		}
	}
	return gated, background
}

// runBackground starts every already-ready background task (the
// communication agent) without waiting for it to terminate, so a slow or
// failed communication agent never delays ConsensusReached. Its own
// AgentAssigned/AgentCompleted/AgentFailed events are appended by the
// agent runtime independently of this call returning.
func (c *Coordinator) runBackground(ctx context.Context, incidentID string, head int64, tasks []AgentTask, started map[incident.AgentKind]bool, completedLevels map[int]bool, inc incident.Incident) {
	ready := readyTasks(tasks, started, completedLevels)
	if len(ready) == 0 {
		return
	}
	outcomes := c.engine.RunLevel(ctx, incidentID, head, ready, inc)
	go func() {
		for range outcomes {
		}
	}()
}

// readyTasks returns not-yet-started tasks whose level is 0 or whose level
// is strictly greater than some already-completed level.
func readyTasks(tasks []AgentTask, started map[incident.AgentKind]bool, completedLevels map[int]bool) []AgentTask {
	var ready []AgentTask
	for _, t := range tasks {
		if started[t.Kind] {
			continue
		}
		if t.Level == 0 {
			ready = append(ready, t)
			continue
		}
		for l := range completedLevels {
			if l < t.Level {
				ready = append(ready, t)
				break
			}
		}
	}
	return ready
}

func (c *Coordinator) cancelAndFail(ctx context.Context, incidentID string, head int64) error {
	graceCtx, cancel := context.WithTimeout(ctx, CancelGracePeriod)
	defer cancel()
	<-graceCtx.Done()

	ev, err := eventstore.NewEvent(incidentID, incident.EventFailed, "", incident.FailedPayload{Reason: "Cancelled"})
	if err != nil {
		return err
	}
	v, err := c.store.Append(ctx, incidentID, head, ev)
	if err != nil {
		if !apperrors.Is(err, apperrors.KindVersionConflict) && !apperrors.Is(err, apperrors.KindIncidentTerminated) {
			return err
		}
		return nil
	}
	ev.Version = v
	c.publish(ctx, incidentID, ev)
	return nil
}

func (c *Coordinator) recordDecision(ctx context.Context, incidentID string, head int64, decision incident.ConsensusDecision) error {
	ev, err := eventstore.NewEvent(incidentID, incident.EventConsensusReached, "", incident.ConsensusReachedPayload{Decision: decision})
	if err != nil {
		return err
	}
	head, err = c.store.Append(ctx, incidentID, head, ev)
	if err != nil {
		return err
	}
	ev.Version = head
	c.publish(ctx, incidentID, ev)

	if decision.Outcome == incident.OutcomeEscalate {
		return c.appendEscalated(ctx, incidentID, head, decision.EscalationReason, decision.Contenders)
	}
	return c.executeApproved(ctx, incidentID, head, decision)
}

// executeApproved carries out a consensus-approved action through the
// injected ActionExecutor and records the outcome: ActionExecuted followed
// by the terminal ResolutionComplete on success, or an escalation if the
// action could not be carried out (spec.md §4.6, §7's "logic"/"transient"
// taxonomy — an effector failure here is surfaced, not silently retried).
func (c *Coordinator) executeApproved(ctx context.Context, incidentID string, head int64, decision incident.ConsensusDecision) error {
	if decision.Action == nil || c.execute == nil {
		return c.appendEscalated(ctx, incidentID, head, "no_executor_configured", decision.Contenders)
	}

	outcome, err := c.execute(ctx, *decision.Action)
	if err != nil {
		return c.appendEscalated(ctx, incidentID, head, "action_execution_failed", decision.Contenders)
	}

	executedEv, err := eventstore.NewEvent(incidentID, incident.EventActionExecuted, "", incident.ActionExecutedPayload{
		Action:  *decision.Action,
		Outcome: outcome,
	})
	if err != nil {
		return err
	}
	head, err = c.store.Append(ctx, incidentID, head, executedEv)
	if err != nil {
		return err
	}
	executedEv.Version = head
	c.publish(ctx, incidentID, executedEv)

	completeEv, err := eventstore.NewEvent(incidentID, incident.EventResolutionComplete, "", incident.ResolutionCompletePayload{
		Action: *decision.Action,
	})
	if err != nil {
		return err
	}
	v, err := c.store.Append(ctx, incidentID, head, completeEv)
	if err != nil {
		return err
	}
	completeEv.Version = v
	c.publish(ctx, incidentID, completeEv)
	return nil
}

func (c *Coordinator) appendEscalated(ctx context.Context, incidentID string, head int64, reason string, contenders []string) error {
	esc, err := eventstore.NewEvent(incidentID, incident.EventEscalated, "", incident.EscalatedPayload{
		Reason:     reason,
		Contenders: contenders,
	})
	if err != nil {
		return err
	}
	v, err := c.store.Append(ctx, incidentID, head, esc)
	if err != nil {
		return err
	}
	esc.Version = v
	c.publish(ctx, incidentID, esc)
	return nil
}
