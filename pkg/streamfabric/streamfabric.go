// Package streamfabric is the fan-out bus + client session layer described
// in spec.md §4.8: a central bus accepts publications from C6/C7/C8/C9 under
// topic (incident_id, event_kind); each connected client session applies its
// own filter, bounded queue, coalescing, and critical-message guarantees.
// Grounded on the teacher's runtime/agent/stream.Sink/Event split: Sink is
// the transmitter a transport implements, Event is the thing a subscriber
// forwards to it.
package streamfabric

import (
	"context"
	"sync"
	"time"

	"github.com/aegis-ops/aegis/pkg/aegis/incident"
)

// QueueCapacity is the default bounded outbound queue size per session
// (spec.md §4.8: "default capacity 256").
const QueueCapacity = 256

// HeartbeatInterval is how often idle sessions receive a heartbeat message
// (spec.md §4.8: "default every 20 s").
const HeartbeatInterval = 20 * time.Second

// LiveDashboardTag is the dashboard tag every producer (C6/C7/C9) stamps on
// a Published live-incident message. Only sessions connected under this tag
// receive live updates; demo/transparency sessions are restricted to
// historical replay (spec.md §4.9, §6.3).
const LiveDashboardTag = "ops"

// criticalKinds are never dropped by backpressure handling (spec.md §4.8:
// "critical messages ... are never dropped").
var criticalKinds = map[incident.EventKind]bool{
	incident.EventResolutionComplete: true,
	incident.EventEscalated:          true,
	incident.EventFailed:             true,
	incident.EventActionExecuted:     true,
}

func isCritical(kind incident.EventKind) bool { return criticalKinds[kind] }

// Filter narrows which events a session receives.
type Filter struct {
	IncidentIDs  map[string]bool // empty/nil means "all incidents visible to DashboardTag"
	EventKinds   map[incident.EventKind]bool
	DashboardTag string
}

func (f Filter) matches(incidentID string, kind incident.EventKind, dashboardTag string) bool {
	if f.DashboardTag != "" && f.DashboardTag != dashboardTag {
		return false
	}
	if len(f.IncidentIDs) > 0 && !f.IncidentIDs[incidentID] {
		return false
	}
	if len(f.EventKinds) > 0 && !f.EventKinds[kind] {
		return false
	}
	return true
}

// Published is a bus message: a domain event plus the dashboard tag scoping
// it for authorization (spec.md §4.8, §6.3).
type Published struct {
	IncidentID   string
	DashboardTag string
	Event        incident.Event
}

// Snapshot is sent once, immediately on a session's connection (spec.md
// §4.8: "a snapshot of initial state on connect").
type Snapshot struct {
	Incidents []incident.Incident
	Metrics   any
}

// CloseReason is the closed set of reasons a session transport closes a
// connection.
type CloseReason string

const (
	CloseNormal       CloseReason = "normal"
	CloseSlowConsumer CloseReason = "SlowConsumer"
)

// Sink is implemented by a transport (WebSocket, SSE, Pulse-backed remote
// subscriber) that actually delivers events to a connected client.
// Grounded on runtime/agent/stream.Sink: Send/Close, safe for concurrent
// calls from the session's dispatch loop.
type Sink interface {
	Send(ctx context.Context, event incident.Event) error
	SendSnapshot(ctx context.Context, snap Snapshot) error
	SendHeartbeat(ctx context.Context) error
	Close(ctx context.Context, reason CloseReason) error
}

// Bus is the publish side every producer (swarm, consensus, agent runtime,
// metrics) writes into.
type Bus interface {
	Publish(ctx context.Context, msg Published)
	Subscribe(filter Filter, sink Sink) (*Session, error)
	Unsubscribe(sess *Session)
}

// Session represents one connected client: single-threaded cooperative
// dispatch over a bounded outbound queue, with progress coalescing and
// critical-message guarantees (spec.md §4.8).
type Session struct {
	ID     string
	filter Filter
	sink   Sink

	mu      sync.Mutex
	queue   []incident.Event
	lastVer map[string]int64 // per-incident last delivered version, for strict ordering + resume
	notify  chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

func newSession(id string, filter Filter, sink Sink) *Session {
	return &Session{
		ID:      id,
		filter:  filter,
		sink:    sink,
		lastVer: make(map[string]int64),
		notify:  make(chan struct{}, 1),
		closed:  make(chan struct{}),
	}
}

// NewSession constructs a Session for a Bus implementation. Exported so
// Bus implementations outside this package (localbus, pulsebus) can build
// sessions without reaching into Session's unexported fields.
func NewSession(id string, filter Filter, sink Sink) *Session {
	return newSession(id, filter, sink)
}

// Offer applies filter matching then the backpressure policy, enqueuing ev
// if msg is in scope for this session. It returns false only when the
// session must be torn down (a critical message could not be delivered),
// in which case the caller (the owning Bus) should Unsubscribe it.
func (s *Session) Offer(msg Published) bool {
	if !s.filter.matches(msg.IncidentID, msg.Event.Kind, msg.DashboardTag) {
		return true
	}
	if ok := s.enqueue(msg.Event); !ok {
		s.Close(context.Background(), CloseSlowConsumer)
		return false
	}
	return true
}

// Close closes the session's sink and stops its dispatch loop.
func (s *Session) Close(ctx context.Context, reason CloseReason) error {
	s.close()
	return s.sink.Close(ctx, reason)
}

// Dispatch runs the session's send loop until ctx is canceled or the
// session is closed, invoking onClose for bookkeeping (e.g. removing the
// session from its owning Bus).
func (s *Session) Dispatch(ctx context.Context, onClose func()) {
	s.dispatch(ctx, onClose)
}

func (s *Session) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// enqueue applies the coalesce-then-drop-oldest backpressure policy from
// spec.md §4.8 and returns false if the session must be closed with reason
// SlowConsumer (a critical message that still cannot fit after coalescing).
func (s *Session) enqueue(ev incident.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	defer s.wake()

	if len(s.queue) < QueueCapacity {
		s.queue = append(s.queue, ev)
		return true
	}

	if ev.Kind == incident.EventAgentProgress {
		// Coalesce: replace the most recent AgentProgress for the same
		// incident rather than growing the queue.
		for i := len(s.queue) - 1; i >= 0; i-- {
			if s.queue[i].Kind == incident.EventAgentProgress && s.queue[i].IncidentID == ev.IncidentID {
				s.queue[i] = ev
				return true
			}
		}
	}

	// Drop the oldest non-critical message to make room.
	for i, queued := range s.queue {
		if !isCritical(queued.Kind) {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			s.queue = append(s.queue, ev)
			return true
		}
	}

	// Queue is entirely critical messages and still full.
	if isCritical(ev.Kind) {
		return false
	}
	return true // non-critical message silently dropped
}

func (s *Session) dequeueAll() []incident.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.queue
	s.queue = nil
	return out
}

// dispatch runs the session's single-threaded cooperative send loop until
// ctx is canceled or the session is closed. Grounded on the teacher's
// stream.Sink usage pattern: one goroutine owns Send, serializing delivery.
func (s *Session) dispatch(ctx context.Context, onClose func()) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	defer onClose()

	for {
		select {
		case <-ctx.Done():
			_ = s.sink.Close(context.Background(), CloseNormal)
			return
		case <-s.closed:
			return
		case <-ticker.C:
			if err := s.sink.SendHeartbeat(ctx); err != nil {
				_ = s.sink.Close(context.Background(), CloseNormal)
				return
			}
		case <-s.notify:
			for _, ev := range s.dequeueAll() {
				if err := s.sink.Send(ctx, ev); err != nil {
					_ = s.sink.Close(context.Background(), CloseNormal)
					return
				}
				s.mu.Lock()
				s.lastVer[ev.IncidentID] = ev.Version
				s.mu.Unlock()
			}
		}
	}
}

func (s *Session) close() {
	s.closeOnce.Do(func() { close(s.closed) })
}

// LastVersion reports the last version this session delivered for an
// incident. Nothing in this repository reads it on reconnection: a
// reconnecting client gets a new Session with no recorded versions.
func (s *Session) LastVersion(incidentID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastVer[incidentID]
}
