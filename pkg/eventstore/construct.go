package eventstore

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/aegis-ops/aegis/pkg/aegis/incident"
	"github.com/aegis-ops/aegis/pkg/eventstore/schema"
)

// currentSchemaVersion is the payload schema generation written by this
// build. Readers must tolerate older (and, within reason, newer) versions
// per the forward-compatibility rule in spec.md Design Notes §9.
const currentSchemaVersion = 1

// payloadSchemas is the registry every NewEvent call validates against
// before an event is allowed to exist, so a payload missing a
// schema-required field is rejected on write rather than discovered later
// by a reader (spec.md §3: "rejected on write if required fields are
// missing").
var payloadSchemas = schema.NewRegistry()

// NewEvent builds an Event envelope around a typed payload, JSON-encoding
// it, validating it against the registered schema for kind, and stamping
// the current schema version. Version and Timestamp are left zero for the
// caller (typically a Store.Append implementation) to fill in at the
// linearization point.
func NewEvent(incidentID string, kind incident.EventKind, correlationID string, payload any) (incident.Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return incident.Event{}, err
	}
	if err := payloadSchemas.Validate(kind, currentSchemaVersion, raw); err != nil {
		return incident.Event{}, err
	}
	return incident.Event{
		ID:            uuid.NewString(),
		IncidentID:    incidentID,
		Kind:          kind,
		CorrelationID: correlationID,
		SchemaVersion: currentSchemaVersion,
		Payload:       raw,
	}, nil
}
