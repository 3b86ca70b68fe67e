// Package localbus is the default, in-process streamfabric.Bus: a single
// mutex-protected map of sessions, matching the teacher's in-memory runlog
// subscriber fan-out pattern generalized from one incident's subscribers to
// every connected client session across the whole bus.
package localbus

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/aegis-ops/aegis/pkg/streamfabric"
)

// Bus is the default in-process streamfabric.Bus implementation.
type Bus struct {
	mu       sync.RWMutex
	sessions map[string]*streamfabric.Session
	cancels  map[string]context.CancelFunc
}

// New constructs an empty Bus.
func New() *Bus {
	return &Bus{
		sessions: make(map[string]*streamfabric.Session),
		cancels:  make(map[string]context.CancelFunc),
	}
}

// Subscribe registers sink under filter and starts its dispatch loop,
// delivering an initial Snapshot is the caller's responsibility (the bus
// itself has no incident/metrics state to snapshot from).
func (b *Bus) Subscribe(filter streamfabric.Filter, sink streamfabric.Sink) (*streamfabric.Session, error) {
	sess := streamfabric.NewSession(uuid.NewString(), filter, sink)
	ctx, cancel := context.WithCancel(context.Background())

	b.mu.Lock()
	b.sessions[sess.ID] = sess
	b.cancels[sess.ID] = cancel
	b.mu.Unlock()

	go sess.Dispatch(ctx, func() {
		b.mu.Lock()
		delete(b.sessions, sess.ID)
		delete(b.cancels, sess.ID)
		b.mu.Unlock()
	})
	return sess, nil
}

// Unsubscribe stops a session's dispatch loop and removes it from the bus.
func (b *Bus) Unsubscribe(sess *streamfabric.Session) {
	b.mu.Lock()
	cancel, ok := b.cancels[sess.ID]
	delete(b.sessions, sess.ID)
	delete(b.cancels, sess.ID)
	b.mu.Unlock()
	if ok {
		cancel()
	}
}

// Publish fans msg out to every session whose filter matches, per spec.md
// §4.8 topic (incident_id, event_kind) matching.
func (b *Bus) Publish(_ context.Context, msg streamfabric.Published) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sess := range b.sessions {
		sess.Offer(msg)
	}
}
