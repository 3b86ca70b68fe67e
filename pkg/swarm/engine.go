// Package swarm drives the per-incident agent workflow as a staged DAG by
// AgentDependencyLevel (spec.md §4.5). Two interchangeable execution
// backends share the Engine interface below, grounded on the teacher's
// runtime/agent/engine.Engine abstraction ("a pluggable interface so
// generated code can target Temporal, custom engines, or in-memory
// implementations without modification").
package swarm

import (
	"context"

	"github.com/aegis-ops/aegis/pkg/aegis/incident"
	"github.com/aegis-ops/aegis/pkg/agentruntime"
)

// AgentTask binds an agent kind to its handler pair (primary/secondary
// strategy and a degraded safe-mode strategy) for a single scheduling run.
type AgentTask struct {
	Kind     incident.AgentKind
	Level    int
	Handler  agentruntime.Handler
	SafeMode agentruntime.Handler
}

// Outcome is the result of running one AgentTask to completion (including
// the fallback chain).
type Outcome struct {
	Kind   incident.AgentKind
	Level  int
	Result incident.AgentResult
	Err    error
}

// Engine abstracts how a batch of same-level agent tasks is actually
// executed, so the coordinator's DAG-scheduling logic is identical whether
// tasks run as local goroutines or as Temporal activities.
type Engine interface {
	// RunLevel starts every task concurrently and returns a channel that
	// receives one Outcome per task as each terminates, in completion
	// order (not task order), then closes. Implementations must respect
	// ctx cancellation by signaling in-flight tasks to stop promptly.
	RunLevel(ctx context.Context, incidentID string, version int64, tasks []AgentTask, inc incident.Incident) <-chan Outcome
}
