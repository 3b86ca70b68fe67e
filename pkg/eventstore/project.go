package eventstore

import (
	"encoding/json"

	"github.com/aegis-ops/aegis/pkg/aegis/incident"
)

// Project folds an ordered event slice into an Incident projection. It is
// shared by every Store implementation so ReplayState behaves identically
// regardless of backend (spec.md §8 round-trip law: replaying all events
// reconstructs a state byte-equivalent to the last published state).
func Project(events []incident.Event) (incident.Incident, bool) {
	var inc incident.Incident
	var seen bool
	for _, ev := range events {
		switch ev.Kind {
		case incident.EventIncidentStarted:
			var p incident.IncidentStartedPayload
			_ = json.Unmarshal(ev.Payload, &p)
			inc = incident.Incident{
				ID:               ev.IncidentID,
				Kind:             p.Kind,
				Severity:         p.Severity,
				SubmittedAt:      ev.Timestamp,
				SubmittingActor:  p.SubmittingActor,
				Description:      p.Description,
				AffectedServices: p.AffectedServices,
				CorrelationID:    ev.CorrelationID,
				Status:           incident.StatusActive,
			}
			seen = true
		case incident.EventResolutionComplete:
			inc.Status = incident.StatusResolutionComplete
		case incident.EventEscalated:
			inc.Status = incident.StatusEscalated
		case incident.EventFailed:
			inc.Status = incident.StatusFailed
		}
		inc.Version = ev.Version
	}
	return inc, seen
}
