// Package eventstore provides the append-only, per-incident event log with
// optimistic concurrency described in spec.md §4.1. It is the sole
// authority on incident history; every other component observes incident
// state only by reading or subscribing to this store.
package eventstore

import (
	"context"

	"github.com/aegis-ops/aegis/pkg/aegis/incident"
	"github.com/aegis-ops/aegis/pkg/apperrors"
)

// Store is the append-only event log for incidents.
//
// Implementations must provide linearizable append semantics per incident
// (spec.md §5: "Event-store appends for the same incident are
// linearizable"). Across incidents no ordering is guaranteed.
type Store interface {
	// Append stores event at expected_version+1. It fails with
	// KindVersionConflict if the current head version differs from
	// expectedVersion, and with KindIncidentTerminated if a terminal event
	// has already been appended for the incident. Returns the new version.
	Append(ctx context.Context, incidentID string, expectedVersion int64, event incident.Event) (int64, error)

	// HeadVersion returns the current version for incidentID, or 0 if unknown.
	HeadVersion(ctx context.Context, incidentID string) (int64, error)

	// Read returns the ordered sequence of events with version >= fromVersion.
	// A fromVersion greater than head returns an empty slice without error.
	Read(ctx context.Context, incidentID string, fromVersion int64) ([]incident.Event, error)

	// Subscribe returns a channel that first emits historical events from
	// fromVersion, then live events as they are appended. The channel is
	// closed when the incident reaches a terminal event or ctx is canceled.
	Subscribe(ctx context.Context, incidentID string, fromVersion int64) (<-chan incident.Event, error)

	// ReplayState derives the current Incident projection by applying all
	// events in order.
	ReplayState(ctx context.Context, incidentID string) (incident.Incident, error)

	// ListIncidents returns a page of incident projections matching the
	// given filter, backing the List endpoint of the Public API Surface
	// (spec.md §4.9) and the secondary indexes required by spec.md §6.3
	// (status, severity, time range).
	ListIncidents(ctx context.Context, filter ListFilter) ([]incident.Incident, error)
}

// ListFilter narrows ListIncidents results.
type ListFilter struct {
	Status       incident.Status
	MinSeverity  incident.Severity
	SubmittedAfter  int64 // unix seconds, 0 = no lower bound
	SubmittedBefore int64 // unix seconds, 0 = no upper bound
	Limit        int
}

// ErrIncidentNotFound is a convenience constructor for the not-found kind.
func ErrIncidentNotFound(incidentID string) error {
	return apperrors.Newf(apperrors.KindIncidentNotFound, "incident %q not found", incidentID)
}
