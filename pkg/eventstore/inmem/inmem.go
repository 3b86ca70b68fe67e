// Package inmem provides a process-local implementation of eventstore.Store.
//
// It is grounded on the teacher's runtime/agent/runlog/inmem store (per-run
// monotonic sequence map) generalized with optimistic-concurrency version
// checks and a terminal-event guard, since this store's append is the
// linearization point for incident state rather than a pure append log.
package inmem

import (
	"context"
	"sort"
	"sync"

	"github.com/aegis-ops/aegis/pkg/aegis/incident"
	"github.com/aegis-ops/aegis/pkg/apperrors"
	"github.com/aegis-ops/aegis/pkg/eventstore"
)

type incidentLog struct {
	events   []incident.Event
	terminal bool
	subs     []chan incident.Event
}

// Store implements eventstore.Store in memory. Safe for concurrent use.
type Store struct {
	mu   sync.Mutex
	logs map[string]*incidentLog
}

// New returns a new in-memory event store.
func New() *Store {
	return &Store{logs: make(map[string]*incidentLog)}
}

// Append implements eventstore.Store.
func (s *Store) Append(_ context.Context, incidentID string, expectedVersion int64, event incident.Event) (int64, error) {
	if incidentID == "" {
		return 0, apperrors.New(apperrors.KindValidationError, "incident_id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	log, ok := s.logs[incidentID]
	if !ok {
		log = &incidentLog{}
		s.logs[incidentID] = log
	}

	head := int64(len(log.events))
	if log.terminal {
		return 0, apperrors.Newf(apperrors.KindIncidentTerminated, "incident %q is terminal", incidentID)
	}
	if expectedVersion != head {
		return 0, apperrors.Newf(apperrors.KindVersionConflict, "expected version %d, head is %d", expectedVersion, head)
	}

	event.IncidentID = incidentID
	event.Version = head + 1
	log.events = append(log.events, event)
	if event.Kind.Terminal() {
		log.terminal = true
	}

	s.broadcastLocked(log, event)
	return event.Version, nil
}

func (s *Store) broadcastLocked(log *incidentLog, event incident.Event) {
	live := log.subs[:0]
	for _, ch := range log.subs {
		select {
		case ch <- event:
			live = append(live, ch)
		default:
			// Subscriber is not keeping up; drop it rather than block the
			// writer (the Streaming Fabric, not the event store, owns
			// backpressure policy for slow consumers).
			close(ch)
		}
	}
	log.subs = live
	if log.terminal {
		for _, ch := range log.subs {
			close(ch)
		}
		log.subs = nil
	}
}

// HeadVersion implements eventstore.Store.
func (s *Store) HeadVersion(_ context.Context, incidentID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	log, ok := s.logs[incidentID]
	if !ok {
		return 0, nil
	}
	return int64(len(log.events)), nil
}

// Read implements eventstore.Store.
func (s *Store) Read(_ context.Context, incidentID string, fromVersion int64) ([]incident.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	log, ok := s.logs[incidentID]
	if !ok {
		return nil, eventstore.ErrIncidentNotFound(incidentID)
	}
	if fromVersion < 1 {
		fromVersion = 1
	}
	if int(fromVersion) > len(log.events) {
		return nil, nil
	}
	out := make([]incident.Event, len(log.events)-int(fromVersion)+1)
	copy(out, log.events[fromVersion-1:])
	return out, nil
}

// Subscribe implements eventstore.Store.
func (s *Store) Subscribe(ctx context.Context, incidentID string, fromVersion int64) (<-chan incident.Event, error) {
	s.mu.Lock()
	log, ok := s.logs[incidentID]
	if !ok {
		s.mu.Unlock()
		return nil, eventstore.ErrIncidentNotFound(incidentID)
	}

	if fromVersion < 1 {
		fromVersion = 1
	}
	var backlog []incident.Event
	if int(fromVersion) <= len(log.events) {
		backlog = append(backlog, log.events[fromVersion-1:]...)
	}

	out := make(chan incident.Event, 256)
	alreadyTerminal := log.terminal
	if !alreadyTerminal {
		log.subs = append(log.subs, out)
	}
	s.mu.Unlock()

	result := make(chan incident.Event, 256)
	go func() {
		defer close(result)
		for _, ev := range backlog {
			select {
			case result <- ev:
			case <-ctx.Done():
				return
			}
		}
		if alreadyTerminal {
			return
		}
		for ev := range out {
			select {
			case result <- ev:
			case <-ctx.Done():
				return
			}
			if ev.Kind.Terminal() {
				return
			}
		}
	}()
	return result, nil
}

// ReplayState implements eventstore.Store.
func (s *Store) ReplayState(_ context.Context, incidentID string) (incident.Incident, error) {
	s.mu.Lock()
	log, ok := s.logs[incidentID]
	var events []incident.Event
	if ok {
		events = append(events, log.events...)
	}
	s.mu.Unlock()
	if !ok {
		return incident.Incident{}, eventstore.ErrIncidentNotFound(incidentID)
	}
	inc, _ := eventstore.Project(events)
	return inc, nil
}

// ListIncidents implements eventstore.Store.
func (s *Store) ListIncidents(_ context.Context, filter eventstore.ListFilter) ([]incident.Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []incident.Incident
	for id, log := range s.logs {
		events := log.events
		inc, seen := eventstore.Project(events)
		if !seen {
			continue
		}
		inc.ID = id
		if filter.Status != "" && inc.Status != filter.Status {
			continue
		}
		if filter.MinSeverity != 0 && inc.Severity < filter.MinSeverity {
			continue
		}
		if filter.SubmittedAfter != 0 && inc.SubmittedAt.Unix() < filter.SubmittedAfter {
			continue
		}
		if filter.SubmittedBefore != 0 && inc.SubmittedAt.Unix() > filter.SubmittedBefore {
			continue
		}
		out = append(out, inc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}
