package localengine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aegis-ops/aegis/pkg/aegis/incident"
	"github.com/aegis-ops/aegis/pkg/agentruntime"
	"github.com/aegis-ops/aegis/pkg/eventstore/inmem"
	"github.com/aegis-ops/aegis/pkg/providers"
	"github.com/aegis-ops/aegis/pkg/swarm"
)

func handlerReturning(kind incident.AgentKind, confidence float64) agentruntime.Handler {
	return func(context.Context, incident.Incident, *providers.Router, providers.RoutingHint) (incident.AgentResult, error) {
		return incident.AgentResult{Kind: kind, Status: incident.AgentCompleted, Confidence: confidence}, nil
	}
}

func TestRunLevelRunsEveryTaskConcurrentlyAndCollectsOutcomes(t *testing.T) {
	store := inmem.New()
	runner := agentruntime.NewRunner(store, nil)
	engine := New(runner)

	tasks := []swarm.AgentTask{
		{Kind: incident.KindDetection, Level: 1, Handler: handlerReturning(incident.KindDetection, 0.9)},
		{Kind: incident.KindPrediction, Level: 1, Handler: handlerReturning(incident.KindPrediction, 0.8)},
	}

	inc := incident.Incident{ID: "inc-1"}
	out := engine.RunLevel(context.Background(), "inc-1", 0, tasks, inc)

	seen := map[incident.AgentKind]bool{}
	deadline := time.After(2 * time.Second)
	for len(seen) < len(tasks) {
		select {
		case outcome, ok := <-out:
			if !ok {
				t.Fatal("outcome channel closed before every task reported")
			}
			require.NoError(t, outcome.Err)
			seen[outcome.Kind] = true
		case <-deadline:
			t.Fatal("timed out waiting for outcomes")
		}
	}
	require.True(t, seen[incident.KindDetection])
	require.True(t, seen[incident.KindPrediction])
}

func TestRunLevelClosesChannelAfterAllTasksComplete(t *testing.T) {
	store := inmem.New()
	runner := agentruntime.NewRunner(store, nil)
	engine := New(runner)

	tasks := []swarm.AgentTask{
		{Kind: incident.KindCommunication, Level: 2, Handler: handlerReturning(incident.KindCommunication, 0.5)},
	}
	out := engine.RunLevel(context.Background(), "inc-2", 0, tasks, incident.Incident{ID: "inc-2"})

	select {
	case <-out:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for single outcome")
	}
	select {
	case _, ok := <-out:
		require.False(t, ok, "expected channel to be closed")
	case <-time.After(2 * time.Second):
		t.Fatal("channel was not closed")
	}
}

func TestRunLevelWithNoTasksClosesImmediately(t *testing.T) {
	store := inmem.New()
	runner := agentruntime.NewRunner(store, nil)
	engine := New(runner)

	out := engine.RunLevel(context.Background(), "inc-3", 0, nil, incident.Incident{ID: "inc-3"})
	select {
	case _, ok := <-out:
		require.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("expected immediately closed channel for empty task set")
	}
}
