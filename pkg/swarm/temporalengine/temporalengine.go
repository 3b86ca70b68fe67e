// Package temporalengine is the durable swarm.Engine backend: each
// AgentTask in a scheduling round becomes one Temporal workflow execution
// wrapping one activity invocation of the agent runtime, grounded on the
// teacher's runtime/agent/engine/temporal adapter (client/worker lifecycle,
// one worker per task queue) but scoped down from the teacher's full
// workflow/activity registration surface to the single shape swarm.Engine
// needs: run a batch of same-level tasks and report outcomes.
//
// Handlers are Go closures (prompt templates bound to a provider router)
// and are not serializable across a process boundary, so — like the
// teacher's own adapter, which resolves workflow/activity behavior by name
// against an in-process registration table rather than shipping closures
// over the wire — this engine keeps a short-lived, per-invocation handler
// registry in the same process as the worker. True out-of-process agent
// execution is a separate concern, covered by agentruntime/nexusclient.
package temporalengine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/aegis-ops/aegis/pkg/aegis/incident"
	"github.com/aegis-ops/aegis/pkg/agentruntime"
	"github.com/aegis-ops/aegis/pkg/swarm"
)

const (
	workflowName = "aegis.agent_task_workflow"
	activityName = "aegis.run_agent_task_activity"
)

// activityInput is the serializable payload an activity invocation needs;
// the handler functions themselves are looked up from the in-process
// registry by invocationID rather than carried in the payload.
type activityInput struct {
	InvocationID string
	IncidentID   string
	Version      int64
	Kind         incident.AgentKind
	Level        int
	Incident     incident.Incident
}

type activityOutput struct {
	Result  incident.AgentResult
	Version int64
	Failed  bool
	ErrText string
}

// Engine implements swarm.Engine by dispatching each AgentTask as a
// Temporal workflow execution.
type Engine struct {
	client    client.Client
	taskQueue string
	runner    *agentruntime.Runner

	mu       sync.Mutex
	registry map[string]swarm.AgentTask
}

// New constructs a temporal-backed Engine. Callers must call RegisterWorker
// with a worker.Worker bound to taskQueue before running any incidents.
func New(c client.Client, taskQueue string, runner *agentruntime.Runner) *Engine {
	return &Engine{client: c, taskQueue: taskQueue, runner: runner, registry: make(map[string]swarm.AgentTask)}
}

// RegisterWorker registers the workflow and activity definitions this
// engine needs onto w. Call once per worker process sharing this Engine's
// task queue.
func (e *Engine) RegisterWorker(w worker.Worker) {
	w.RegisterWorkflowWithOptions(agentTaskWorkflow, workflow.RegisterOptions{Name: workflowName})
	w.RegisterActivityWithOptions(e.runAgentTaskActivity, activity.RegisterOptions{Name: activityName})
}

// RunLevel satisfies swarm.Engine: it starts one Temporal workflow
// execution per task and streams an Outcome per task as each completes.
func (e *Engine) RunLevel(ctx context.Context, incidentID string, version int64, tasks []swarm.AgentTask, inc incident.Incident) <-chan swarm.Outcome {
	out := make(chan swarm.Outcome, len(tasks))
	var wg sync.WaitGroup
	wg.Add(len(tasks))
	for _, task := range tasks {
		task := task
		go func() {
			defer wg.Done()
			outcome := e.runOne(ctx, incidentID, version, task, inc)
			out <- outcome
		}()
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}

func (e *Engine) runOne(ctx context.Context, incidentID string, version int64, task swarm.AgentTask, inc incident.Incident) swarm.Outcome {
	invocationID := fmt.Sprintf("%s-%s-%d", incidentID, task.Kind, version)
	e.mu.Lock()
	e.registry[invocationID] = task
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.registry, invocationID)
		e.mu.Unlock()
	}()

	opts := client.StartWorkflowOptions{
		ID:        "agent-task-" + invocationID,
		TaskQueue: e.taskQueue,
	}
	in := activityInput{InvocationID: invocationID, IncidentID: incidentID, Version: version, Kind: task.Kind, Level: task.Level, Incident: inc}

	run, err := e.client.ExecuteWorkflow(ctx, opts, workflowName, in)
	if err != nil {
		return swarm.Outcome{Kind: task.Kind, Level: task.Level, Err: err}
	}
	var result activityOutput
	if err := run.Get(ctx, &result); err != nil {
		return swarm.Outcome{Kind: task.Kind, Level: task.Level, Err: err}
	}
	if result.Failed {
		return swarm.Outcome{Kind: task.Kind, Level: task.Level, Result: result.Result, Err: fmt.Errorf("%s", result.ErrText)}
	}
	return swarm.Outcome{Kind: task.Kind, Level: task.Level, Result: result.Result}
}

// agentTaskWorkflow is a thin durable wrapper around a single activity
// invocation — Temporal's unit of retry/replay is the activity, matching
// the agent runtime's own fallback chain rather than duplicating it at the
// workflow layer.
func agentTaskWorkflow(ctx workflow.Context, in activityInput) (activityOutput, error) {
	ao := workflow.ActivityOptions{StartToCloseTimeout: 6 * time.Minute}
	ctx = workflow.WithActivityOptions(ctx, ao)
	var out activityOutput
	err := workflow.ExecuteActivity(ctx, activityName, in).Get(ctx, &out)
	return out, err
}

func (e *Engine) runAgentTaskActivity(ctx context.Context, in activityInput) (activityOutput, error) {
	e.mu.Lock()
	task, ok := e.registry[in.InvocationID]
	e.mu.Unlock()
	if !ok {
		return activityOutput{}, fmt.Errorf("temporalengine: no registered task for invocation %q (worker not colocated with dispatcher?)", in.InvocationID)
	}

	result, version, err := e.runner.Run(ctx, in.IncidentID, in.Version, in.Kind, in.Level, task.Handler, task.SafeMode, in.Incident)
	if err != nil {
		return activityOutput{Result: result, Version: version, Failed: true, ErrText: err.Error()}, nil
	}
	return activityOutput{Result: result, Version: version}, nil
}
