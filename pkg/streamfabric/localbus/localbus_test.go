package localbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aegis-ops/aegis/pkg/aegis/incident"
	"github.com/aegis-ops/aegis/pkg/streamfabric"
)

// fakeSink records delivered events and snapshots for assertions, and
// signals closure for tests that wait on it.
type fakeSink struct {
	mu       sync.Mutex
	events   []incident.Event
	snapshot *streamfabric.Snapshot
	closed   chan streamfabric.CloseReason
}

func newFakeSink() *fakeSink {
	return &fakeSink{closed: make(chan streamfabric.CloseReason, 1)}
}

func (f *fakeSink) Send(_ context.Context, event incident.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func (f *fakeSink) SendSnapshot(_ context.Context, snap streamfabric.Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshot = &snap
	return nil
}

func (f *fakeSink) SendHeartbeat(context.Context) error { return nil }

func (f *fakeSink) Close(_ context.Context, reason streamfabric.CloseReason) error {
	select {
	case f.closed <- reason:
	default:
	}
	return nil
}

func (f *fakeSink) received() []incident.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]incident.Event, len(f.events))
	copy(out, f.events)
	return out
}

func waitForEvents(t *testing.T, sink *fakeSink, n int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if len(sink.received()) >= n {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %d events, got %d", n, len(sink.received()))
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestPublishDeliversToMatchingSession(t *testing.T) {
	bus := New()
	sink := newFakeSink()
	sess, err := bus.Subscribe(streamfabric.Filter{}, sink)
	require.NoError(t, err)
	defer bus.Unsubscribe(sess)

	bus.Publish(context.Background(), streamfabric.Published{
		IncidentID: "inc-1",
		Event:      incident.Event{IncidentID: "inc-1", Kind: incident.EventAgentCompleted, Version: 1},
	})

	waitForEvents(t, sink, 1)
	require.Equal(t, "inc-1", sink.received()[0].IncidentID)
}

func TestPublishSkipsSessionsFilteredOut(t *testing.T) {
	bus := New()
	sink := newFakeSink()
	sess, err := bus.Subscribe(streamfabric.Filter{IncidentIDs: map[string]bool{"only-this": true}}, sink)
	require.NoError(t, err)
	defer bus.Unsubscribe(sess)

	bus.Publish(context.Background(), streamfabric.Published{
		IncidentID: "other-incident",
		Event:      incident.Event{IncidentID: "other-incident", Kind: incident.EventAgentCompleted, Version: 1},
	})

	time.Sleep(50 * time.Millisecond)
	require.Empty(t, sink.received())
}

func TestUnsubscribeStopsFurtherDelivery(t *testing.T) {
	bus := New()
	sink := newFakeSink()
	sess, err := bus.Subscribe(streamfabric.Filter{}, sink)
	require.NoError(t, err)

	bus.Unsubscribe(sess)
	time.Sleep(20 * time.Millisecond)

	bus.Publish(context.Background(), streamfabric.Published{
		IncidentID: "inc-1",
		Event:      incident.Event{IncidentID: "inc-1", Kind: incident.EventAgentCompleted, Version: 1},
	})
	time.Sleep(50 * time.Millisecond)
	require.Empty(t, sink.received())
}

func TestMultipleSessionsEachReceivePublishedEvent(t *testing.T) {
	bus := New()
	sinkA, sinkB := newFakeSink(), newFakeSink()
	sessA, err := bus.Subscribe(streamfabric.Filter{}, sinkA)
	require.NoError(t, err)
	defer bus.Unsubscribe(sessA)
	sessB, err := bus.Subscribe(streamfabric.Filter{}, sinkB)
	require.NoError(t, err)
	defer bus.Unsubscribe(sessB)

	bus.Publish(context.Background(), streamfabric.Published{
		IncidentID: "inc-1",
		Event:      incident.Event{IncidentID: "inc-1", Kind: incident.EventEscalated, Version: 1},
	})

	waitForEvents(t, sinkA, 1)
	waitForEvents(t, sinkB, 1)
}
