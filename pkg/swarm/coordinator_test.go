package swarm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aegis-ops/aegis/pkg/aegis/incident"
	"github.com/aegis-ops/aegis/pkg/eventstore"
	"github.com/aegis-ops/aegis/pkg/eventstore/inmem"
	"github.com/aegis-ops/aegis/pkg/streamfabric"
)

func startedEvent(t *testing.T, incidentID string) incident.Event {
	t.Helper()
	ev, err := eventstore.NewEvent(incidentID, incident.EventIncidentStarted, "", incident.IncidentStartedPayload{
		Kind:            "db_cascade",
		Severity:        incident.SeverityCritical,
		SubmittingActor: "ops-bot",
		Description:     "test incident",
	})
	require.NoError(t, err)
	return ev
}

func approvedDecision() incident.ConsensusDecision {
	return incident.ConsensusDecision{
		Outcome:              incident.OutcomeApproved,
		Action:               &incident.ProposedAction{ActionID: "restart-pod", ProposedBy: incident.KindResolution},
		AggregatedConfidence: 0.9,
		ContributingAgents:   []incident.AgentKind{incident.KindResolution},
	}
}

func eventKinds(t *testing.T, store eventstore.Store, incidentID string) []incident.EventKind {
	t.Helper()
	events, err := store.Read(context.Background(), incidentID, 1)
	require.NoError(t, err)
	kinds := make([]incident.EventKind, len(events))
	for i, e := range events {
		kinds[i] = e.Kind
	}
	return kinds
}

func TestRecordDecisionApprovedWithExecutorAppendsExecutedThenComplete(t *testing.T) {
	store := inmem.New()
	incidentID := "inc-executed"
	head, err := store.Append(context.Background(), incidentID, 0, startedEvent(t, incidentID))
	require.NoError(t, err)

	c := (&Coordinator{store: store}).WithExecutor(func(ctx context.Context, action incident.ProposedAction) (string, error) {
		return "pod restarted", nil
	})

	require.NoError(t, c.recordDecision(context.Background(), incidentID, head, approvedDecision()))

	kinds := eventKinds(t, store, incidentID)
	require.Equal(t, []incident.EventKind{
		incident.EventConsensusReached,
		incident.EventActionExecuted,
		incident.EventResolutionComplete,
	}, kinds)
}

func TestRecordDecisionApprovedWithFailingExecutorEscalates(t *testing.T) {
	store := inmem.New()
	incidentID := "inc-failed-exec"
	head, err := store.Append(context.Background(), incidentID, 0, startedEvent(t, incidentID))
	require.NoError(t, err)

	c := (&Coordinator{store: store}).WithExecutor(func(ctx context.Context, action incident.ProposedAction) (string, error) {
		return "", errors.New("provider unavailable")
	})

	require.NoError(t, c.recordDecision(context.Background(), incidentID, head, approvedDecision()))

	kinds := eventKinds(t, store, incidentID)
	require.Equal(t, []incident.EventKind{
		incident.EventConsensusReached,
		incident.EventEscalated,
	}, kinds)
}

func TestRecordDecisionApprovedWithNoExecutorConfiguredEscalates(t *testing.T) {
	store := inmem.New()
	incidentID := "inc-no-exec"
	head, err := store.Append(context.Background(), incidentID, 0, startedEvent(t, incidentID))
	require.NoError(t, err)

	c := &Coordinator{store: store}

	require.NoError(t, c.recordDecision(context.Background(), incidentID, head, approvedDecision()))

	kinds := eventKinds(t, store, incidentID)
	require.Equal(t, []incident.EventKind{
		incident.EventConsensusReached,
		incident.EventEscalated,
	}, kinds)
}

func TestRecordDecisionEscalatedSkipsExecutor(t *testing.T) {
	store := inmem.New()
	incidentID := "inc-escalated"
	head, err := store.Append(context.Background(), incidentID, 0, startedEvent(t, incidentID))
	require.NoError(t, err)

	called := false
	c := (&Coordinator{store: store}).WithExecutor(func(ctx context.Context, action incident.ProposedAction) (string, error) {
		called = true
		return "unused", nil
	})

	decision := incident.ConsensusDecision{
		Outcome:          incident.OutcomeEscalate,
		EscalationReason: "below_threshold",
		Contenders:       []string{"restart-pod", "scale-out"},
	}
	require.NoError(t, c.recordDecision(context.Background(), incidentID, head, decision))

	require.False(t, called)
	kinds := eventKinds(t, store, incidentID)
	require.Equal(t, []incident.EventKind{
		incident.EventConsensusReached,
		incident.EventEscalated,
	}, kinds)
}

// recordingBus captures every Published message for assertions without
// running a real Streaming Fabric session.
type recordingBus struct {
	mu   sync.Mutex
	msgs []streamfabric.Published
}

func (b *recordingBus) Publish(_ context.Context, msg streamfabric.Published) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, msg)
}

func (b *recordingBus) Subscribe(streamfabric.Filter, streamfabric.Sink) (*streamfabric.Session, error) {
	return nil, nil
}

func (b *recordingBus) Unsubscribe(*streamfabric.Session) {}

func (b *recordingBus) kinds() []incident.EventKind {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]incident.EventKind, len(b.msgs))
	for i, m := range b.msgs {
		out[i] = m.Event.Kind
	}
	return out
}

// TestRecordDecisionPublishesEveryAppendedEvent verifies the Coordinator
// fans every event it appends out over the bus under the live dashboard
// tag (spec.md §2 data flow: C7 publishes to C10), not only to the event
// store.
func TestRecordDecisionPublishesEveryAppendedEvent(t *testing.T) {
	store := inmem.New()
	incidentID := "inc-published"
	head, err := store.Append(context.Background(), incidentID, 0, startedEvent(t, incidentID))
	require.NoError(t, err)

	bus := &recordingBus{}
	c := (&Coordinator{store: store}).WithExecutor(func(ctx context.Context, action incident.ProposedAction) (string, error) {
		return "pod restarted", nil
	}).WithBus(bus)

	require.NoError(t, c.recordDecision(context.Background(), incidentID, head, approvedDecision()))

	require.Equal(t, []incident.EventKind{
		incident.EventConsensusReached,
		incident.EventActionExecuted,
		incident.EventResolutionComplete,
	}, bus.kinds())
	for _, m := range bus.msgs {
		require.Equal(t, streamfabric.LiveDashboardTag, m.DashboardTag)
		require.Equal(t, incidentID, m.IncidentID)
	}
}

// fakeEngine is a swarm.Engine test double whose RunLevel lets the test
// hold the communication agent open indefinitely, so Drive's consensus
// timing can be observed independently of it.
type fakeEngine struct {
	results     map[incident.AgentKind]incident.AgentResult
	release     chan struct{}
	commStarted chan struct{}
	commOnce    sync.Once
}

func (e *fakeEngine) RunLevel(ctx context.Context, incidentID string, version int64, tasks []AgentTask, inc incident.Incident) <-chan Outcome {
	out := make(chan Outcome, len(tasks))
	var wg sync.WaitGroup
	wg.Add(len(tasks))
	for _, task := range tasks {
		task := task
		go func() {
			defer wg.Done()
			if task.Kind == incident.KindCommunication {
				e.commOnce.Do(func() { close(e.commStarted) })
				<-e.release
			}
			out <- Outcome{Kind: task.Kind, Level: task.Level, Result: e.results[task.Kind]}
		}()
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}

// TestDriveInvokesConsensusWithoutWaitingForCommunicationAgent verifies
// spec.md §4.5/§2: the Consensus Engine runs as soon as no level<=2 task
// remains unterminated, independent of the level-3 communication agent's
// progress.
func TestDriveInvokesConsensusWithoutWaitingForCommunicationAgent(t *testing.T) {
	store := inmem.New()
	incidentID := "inc-background-comm"
	_, err := store.Append(context.Background(), incidentID, 0, startedEvent(t, incidentID))
	require.NoError(t, err)

	completed := func(kind incident.AgentKind) incident.AgentResult {
		return incident.AgentResult{Kind: kind, Status: incident.AgentCompleted, Confidence: 1.0,
			ProposedAction: &incident.ProposedAction{ActionID: "restart-pod"}}
	}
	engine := &fakeEngine{
		results: map[incident.AgentKind]incident.AgentResult{
			incident.KindDetection:  completed(incident.KindDetection),
			incident.KindDiagnosis:  completed(incident.KindDiagnosis),
			incident.KindPrediction: completed(incident.KindPrediction),
			incident.KindResolution: completed(incident.KindResolution),
		},
		release:     make(chan struct{}),
		commStarted: make(chan struct{}),
	}

	consensusCalled := make(chan struct{})
	consensus := func(ctx context.Context, results []incident.AgentResult) (incident.ConsensusDecision, error) {
		close(consensusCalled)
		return approvedDecision(), nil
	}

	c := NewCoordinator(store, engine, consensus).WithExecutor(func(ctx context.Context, action incident.ProposedAction) (string, error) {
		return "done", nil
	})

	tasks := []AgentTask{
		{Kind: incident.KindDetection, Level: 0},
		{Kind: incident.KindDiagnosis, Level: 1},
		{Kind: incident.KindPrediction, Level: 1},
		{Kind: incident.KindResolution, Level: 2},
		{Kind: incident.KindCommunication, Level: 3},
	}

	done := make(chan error, 1)
	go func() { done <- c.Drive(context.Background(), incidentID, tasks) }()

	select {
	case <-engine.commStarted:
	case <-time.After(2 * time.Second):
		t.Fatal("communication agent never started")
	}

	select {
	case <-consensusCalled:
	case <-time.After(2 * time.Second):
		t.Fatal("consensus was not invoked while communication agent was still running")
	}

	close(engine.release)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Drive did not return after communication agent was released")
	}

	kinds := eventKinds(t, store, incidentID)
	require.Contains(t, kinds, incident.EventConsensusReached)
	require.Contains(t, kinds, incident.EventResolutionComplete)
}
