package schema

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aegis-ops/aegis/pkg/aegis/incident"
	"github.com/aegis-ops/aegis/pkg/apperrors"
)

func TestValidateRejectsPayloadMissingRequiredField(t *testing.T) {
	r := NewRegistry()
	payload, err := json.Marshal(map[string]any{"agent_kind": "detection"}) // missing "level"
	require.NoError(t, err)

	err = r.Validate(incident.EventAgentAssigned, 1, payload)
	require.Error(t, err)
	require.True(t, apperrors.Is(err, apperrors.KindValidationError))
}

func TestValidateAcceptsWellFormedPayload(t *testing.T) {
	r := NewRegistry()
	payload, err := json.Marshal(incident.AgentAssignedPayload{AgentKind: incident.KindDetection, Level: 0})
	require.NoError(t, err)

	require.NoError(t, r.Validate(incident.EventAgentAssigned, 1, payload))
}

func TestValidateAcceptsUnknownKindOrVersionForForwardCompatibility(t *testing.T) {
	r := NewRegistry()
	payload := json.RawMessage(`{"anything":"goes"}`)

	require.NoError(t, r.Validate(incident.EventKind("SomeFutureKind"), 1, payload))
	require.NoError(t, r.Validate(incident.EventAgentAssigned, 2, payload))
}

func TestValidateRejectsPayloadThatIsNotJSON(t *testing.T) {
	r := NewRegistry()
	err := r.Validate(incident.EventAgentAssigned, 1, json.RawMessage(`not json`))
	require.Error(t, err)
	require.True(t, apperrors.Is(err, apperrors.KindValidationError))
}
