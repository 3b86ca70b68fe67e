package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aegis-ops/aegis/pkg/eventstore/inmem"
	"github.com/aegis-ops/aegis/pkg/logging"
	"github.com/aegis-ops/aegis/pkg/metrics"
	"github.com/aegis-ops/aegis/pkg/streamfabric/localbus"
	"github.com/aegis-ops/aegis/pkg/swarm"
)

// recordingStarter records Drive invocations instead of actually running a
// swarm coordinator, so Public API Surface tests stay isolated from the
// agent runtime.
type recordingStarter struct {
	driven chan string
}

func newRecordingStarter() *recordingStarter {
	return &recordingStarter{driven: make(chan string, 8)}
}

func (r *recordingStarter) Drive(_ context.Context, incidentID string, _ []swarm.AgentTask) error {
	r.driven <- incidentID
	return nil
}

func newTestServer(t *testing.T) (*Server, *recordingStarter) {
	t.Helper()
	store := inmem.New()
	starter := newRecordingStarter()
	metricsSvc, err := metrics.NewService(store, nil, metrics.CostInputs{}, metrics.DefaultWeights())
	require.NoError(t, err)
	bus := localbus.New()
	srv := NewServer(store, starter, func() []swarm.AgentTask { return nil }, metricsSvc, bus, logging.New())
	return srv, starter
}

func TestHandleSubmitAssignsIDAndDrivesWorkflow(t *testing.T) {
	srv, starter := newTestServer(t)
	mux := http.NewServeMux()
	srv.Routes(mux)

	body := `{"kind":"db_cascade","severity":4,"description":"pool exhaustion","submitting_actor":"ops"}`
	req := httptest.NewRequest(http.MethodPost, "/incidents", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp submitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.ID)
	require.True(t, resp.Accepted)

	select {
	case id := <-starter.driven:
		require.Equal(t, resp.ID, id)
	case <-time.After(2 * time.Second):
		t.Fatal("coordinator.Drive was not invoked")
	}
}

func TestHandleSubmitRejectsMissingFields(t *testing.T) {
	srv, _ := newTestServer(t)
	mux := http.NewServeMux()
	srv.Routes(mux)

	req := httptest.NewRequest(http.MethodPost, "/incidents", bytes.NewBufferString(`{"kind":""}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleSubmitRejectsMalformedBody(t *testing.T) {
	srv, _ := newTestServer(t)
	mux := http.NewServeMux()
	srv.Routes(mux)

	req := httptest.NewRequest(http.MethodPost, "/incidents", bytes.NewBufferString(`not json`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleQueryReturnsNotFoundForUnknownIncident(t *testing.T) {
	srv, _ := newTestServer(t)
	mux := http.NewServeMux()
	srv.Routes(mux)

	req := httptest.NewRequest(http.MethodGet, "/incidents/does-not-exist", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleQueryReturnsIncidentAfterSubmit(t *testing.T) {
	srv, _ := newTestServer(t)
	mux := http.NewServeMux()
	srv.Routes(mux)

	submitReq := httptest.NewRequest(http.MethodPost, "/incidents", bytes.NewBufferString(
		`{"kind":"traffic_spike","severity":2,"description":"cache saturation","submitting_actor":"ops"}`))
	submitRec := httptest.NewRecorder()
	mux.ServeHTTP(submitRec, submitReq)
	var sub submitResponse
	require.NoError(t, json.Unmarshal(submitRec.Body.Bytes(), &sub))

	req := httptest.NewRequest(http.MethodGet, "/incidents/"+sub.ID, nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleListReturnsIncidents(t *testing.T) {
	srv, _ := newTestServer(t)
	mux := http.NewServeMux()
	srv.Routes(mux)

	submitReq := httptest.NewRequest(http.MethodPost, "/incidents", bytes.NewBufferString(
		`{"kind":"deploy_regression","severity":3,"description":"5xx spike","submitting_actor":"ops"}`))
	mux.ServeHTTP(httptest.NewRecorder(), submitReq)

	req := httptest.NewRequest(http.MethodGet, "/incidents", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var incidents []any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &incidents))
	require.Len(t, incidents, 1)
}

func TestHandleDemoRejectsWrongActorTag(t *testing.T) {
	srv, _ := newTestServer(t)
	mux := http.NewServeMux()
	srv.Routes(mux)

	req := httptest.NewRequest(http.MethodPost, "/demo/db_cascade", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHandleDemoRejectsUnknownScenario(t *testing.T) {
	srv, _ := newTestServer(t)
	mux := http.NewServeMux()
	srv.Routes(mux)

	req := httptest.NewRequest(http.MethodPost, "/demo/not_a_scenario", nil)
	req.Header.Set("X-Actor-Tag", DemoActorTag)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleDemoAcceptsKnownScenarioWithCorrectTag(t *testing.T) {
	srv, starter := newTestServer(t)
	mux := http.NewServeMux()
	srv.Routes(mux)

	req := httptest.NewRequest(http.MethodPost, "/demo/traffic_spike", nil)
	req.Header.Set("X-Actor-Tag", DemoActorTag)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	select {
	case <-starter.driven:
	case <-time.After(2 * time.Second):
		t.Fatal("demo scenario did not drive the workflow")
	}
}

func TestHandleMetricsReturnsSnapshot(t *testing.T) {
	srv, _ := newTestServer(t)
	mux := http.NewServeMux()
	srv.Routes(mux)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}
