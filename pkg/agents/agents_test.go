package agents

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aegis-ops/aegis/pkg/aegis/incident"
	"github.com/aegis-ops/aegis/pkg/providers"
)

// fakeProvider is a minimal providers.Provider stub returning a scripted
// GenerateText response, so handler tests exercise real Router wiring
// (breaker + rate limiter + selection) without any network call.
type fakeProvider struct {
	name string
	text string
	err  error
}

func (f *fakeProvider) Name() string                       { return f.name }
func (f *fakeProvider) Health(context.Context) error        { return nil }
func (f *fakeProvider) Cost(providers.TaskClass) int         { return 1 }
func (f *fakeProvider) GenerateText(_ context.Context, _ string, _ providers.TaskClass) (string, providers.Usage, error) {
	return f.text, providers.Usage{Provider: f.name}, f.err
}
func (f *fakeProvider) Embed(context.Context, string) ([]float32, providers.Usage, error) {
	return nil, providers.Usage{}, nil
}
func (f *fakeProvider) KnowledgeQuery(context.Context, string) ([]providers.KnowledgeSnippet, providers.Usage, error) {
	return nil, providers.Usage{}, nil
}
func (f *fakeProvider) SafetyCheck(context.Context, string) (providers.SafetyResult, error) {
	return providers.SafetyResult{Verdict: providers.SafetyVerdict("safe")}, nil
}
func (f *fakeProvider) InvokeNamedAction(context.Context, string, map[string]any) (map[string]any, providers.Usage, error) {
	return nil, providers.Usage{}, nil
}

func newTestRouter(t *testing.T, p *fakeProvider) *providers.Router {
	t.Helper()
	r := providers.NewRouter(map[string]providers.Provider{p.name: p})
	t.Cleanup(r.Close)
	return r
}

func sampleIncident() incident.Incident {
	return incident.Incident{
		ID:               "inc-1",
		Kind:             "latency",
		Severity:         incident.SeverityHigh,
		Description:      "checkout latency elevated after deploy",
		AffectedServices: []string{"checkout", "payments"},
	}
}

func TestNewHandlerParsesProposalIntoAgentResult(t *testing.T) {
	p := &fakeProvider{name: "stub", text: `preamble text {"confidence": 0.82, "reasoning": "db pool exhausted",
		"evidence": ["spike in pool wait time"], "action_id": "scale-pool", "description": "increase pool size",
		"risk": "LOW", "reversible": true, "tags": ["preventive"]} trailer`}
	router := newTestRouter(t, p)

	handler := NewHandler(incident.KindDiagnosis, nil)
	result, err := handler(context.Background(), sampleIncident(), router, providers.RoutingHint{})
	require.NoError(t, err)

	require.Equal(t, incident.KindDiagnosis, result.Kind)
	require.Equal(t, incident.AgentCompleted, result.Status)
	require.Equal(t, 0.82, result.Confidence)
	require.Equal(t, "db pool exhausted", result.Reasoning)
	require.NotNil(t, result.ProposedAction)
	require.Equal(t, "scale-pool", result.ProposedAction.ActionID)
	require.Equal(t, incident.ActionRisk("low"), result.ProposedAction.Risk)
	require.True(t, result.ProposedAction.Reversible)
	require.Equal(t, incident.KindDiagnosis, result.ProposedAction.ProposedBy)
}

func TestNewHandlerOmitsProposedActionWhenActionIDEmpty(t *testing.T) {
	p := &fakeProvider{name: "stub", text: `{"confidence": 0.4, "reasoning": "inconclusive", "evidence": []}`}
	router := newTestRouter(t, p)

	handler := NewHandler(incident.KindDetection, nil)
	result, err := handler(context.Background(), sampleIncident(), router, providers.RoutingHint{})
	require.NoError(t, err)
	require.Nil(t, result.ProposedAction)
}

func TestNewHandlerClampsOutOfRangeConfidence(t *testing.T) {
	p := &fakeProvider{name: "stub", text: `{"confidence": 1.4, "reasoning": "overconfident", "evidence": []}`}
	router := newTestRouter(t, p)

	handler := NewHandler(incident.KindPrediction, nil)
	result, err := handler(context.Background(), sampleIncident(), router, providers.RoutingHint{})
	require.NoError(t, err)
	require.Equal(t, 1.0, result.Confidence)
}

func TestNewHandlerReturnsValidationErrorOnMalformedResponse(t *testing.T) {
	p := &fakeProvider{name: "stub", text: "not json at all"}
	router := newTestRouter(t, p)

	handler := NewHandler(incident.KindResolution, nil)
	_, err := handler(context.Background(), sampleIncident(), router, providers.RoutingHint{})
	require.Error(t, err)
}

func TestNewSafeModeHandlerNeverCallsProvider(t *testing.T) {
	handler := NewSafeModeHandler(incident.KindCommunication)
	result, err := handler(context.Background(), sampleIncident(), nil, providers.RoutingHint{})
	require.NoError(t, err)
	require.Equal(t, incident.KindCommunication, result.Kind)
	require.Equal(t, incident.AgentCompleted, result.Status)
	require.Equal(t, 0.3, result.Confidence)
}

func TestDefaultHandlersAndSafeModeHandlersCoverEveryKind(t *testing.T) {
	handlers := DefaultHandlers(nil)
	safeMode := DefaultSafeModeHandlers()
	for _, k := range []incident.AgentKind{
		incident.KindDetection, incident.KindDiagnosis, incident.KindPrediction,
		incident.KindResolution, incident.KindCommunication,
	} {
		require.Contains(t, handlers, k)
		require.Contains(t, safeMode, k)
	}
}

func TestClamp01(t *testing.T) {
	require.Equal(t, 0.0, clamp01(-0.2))
	require.Equal(t, 1.0, clamp01(1.5))
	require.Equal(t, 0.5, clamp01(0.5))
}

func TestNormalizeRisk(t *testing.T) {
	require.Equal(t, "low", normalizeRisk("LOW"))
	require.Equal(t, "critical", normalizeRisk("Critical"))
	require.Equal(t, "medium", normalizeRisk("unknown-risk"))
}

func TestParseProposalExtractsEmbeddedJSON(t *testing.T) {
	p, err := parseProposal("here you go: {\"confidence\": 0.6, \"reasoning\": \"ok\"} thanks")
	require.NoError(t, err)
	require.Equal(t, 0.6, p.Confidence)
}

func TestParseProposalErrorsWithoutJSONObject(t *testing.T) {
	_, err := parseProposal("no braces here")
	require.Error(t, err)
}
