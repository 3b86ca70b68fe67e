// Package localengine is the default, in-process swarm.Engine backend:
// agents of the same level run as goroutines, grounded on the teacher's
// runtime/agent/engine.Engine contract generalized from workflow/activity
// registration down to "run this batch of tasks concurrently."
package localengine

import (
	"context"
	"sync"

	"github.com/aegis-ops/aegis/pkg/aegis/incident"
	"github.com/aegis-ops/aegis/pkg/agentruntime"
	"github.com/aegis-ops/aegis/pkg/swarm"
)

// Engine runs swarm.AgentTasks as goroutines against a shared Runner.
type Engine struct {
	runner *agentruntime.Runner
}

// New constructs a local Engine over the given agent Runner.
func New(runner *agentruntime.Runner) *Engine {
	return &Engine{runner: runner}
}

// RunLevel satisfies swarm.Engine by spawning one goroutine per task and
// streaming each Outcome as it terminates.
func (e *Engine) RunLevel(ctx context.Context, incidentID string, version int64, tasks []swarm.AgentTask, inc incident.Incident) <-chan swarm.Outcome {
	out := make(chan swarm.Outcome, len(tasks))
	var wg sync.WaitGroup
	wg.Add(len(tasks))
	for _, task := range tasks {
		task := task
		go func() {
			defer wg.Done()
			result, _, err := e.runner.Run(ctx, incidentID, version, task.Kind, task.Level, task.Handler, task.SafeMode, inc)
			out <- swarm.Outcome{Kind: task.Kind, Level: task.Level, Result: result, Err: err}
		}()
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}
