// Package api exposes the Public API Surface (spec.md §4.9, C11): submit
// incident, query by id, list with filters, trigger demo scenario, query
// metrics, open stream. Hand-wired net/http handlers composing the runtime
// primitives directly, matching the teacher's cmd/demo style of wiring
// Runtime/engine/activities by hand rather than through generated
// transport code — there is no DSL/codegen layer in this repository.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/aegis-ops/aegis/pkg/aegis/incident"
	"github.com/aegis-ops/aegis/pkg/apperrors"
	"github.com/aegis-ops/aegis/pkg/eventstore"
	"github.com/aegis-ops/aegis/pkg/logging"
	"github.com/aegis-ops/aegis/pkg/metrics"
	"github.com/aegis-ops/aegis/pkg/streamfabric"
	"github.com/aegis-ops/aegis/pkg/streamfabric/wsserver"
	"github.com/aegis-ops/aegis/pkg/swarm"
)

// DemoActorTag is the session/actor tag permitted to trigger canned demo
// scenarios (spec.md §6.1: "restricted to a designated actor tag").
const DemoActorTag = "demo-operator"

// Starter drives an incident's agent workflow to completion, supplied by
// the caller so api stays agnostic of which swarm.Engine backs it.
type Starter interface {
	Drive(ctx context.Context, incidentID string, tasks []swarm.AgentTask) error
}

// TaskBuilder constructs the AgentTask set for a newly submitted incident,
// supplied by the caller (cmd/aegis-server) since it depends on the wired
// provider router and default handlers.
type TaskBuilder func() []swarm.AgentTask

// Server implements the Public API Surface over plain net/http handlers.
type Server struct {
	store       eventstore.Store
	coordinator Starter
	tasks       TaskBuilder
	metricsSvc  *metrics.Service
	bus         streamfabric.Bus
	log         logging.Logger
	demoTag     string
	stream      *wsserver.Handler
}

// authorizedDashboardTags is the closed set of recognized session tags
// (spec.md §4.9): "ops" for live updates, "demo"/"transparency" accepted
// but pruned to historical scope by the caller-supplied authorize
// function, unknown tags rejected.
var authorizedDashboardTags = map[string]bool{"ops": true, "demo": true, "transparency": true}

// NewServer constructs a Server over its collaborators.
func NewServer(store eventstore.Store, coordinator Starter, tasks TaskBuilder, metricsSvc *metrics.Service, bus streamfabric.Bus, log logging.Logger) *Server {
	s := &Server{store: store, coordinator: coordinator, tasks: tasks, metricsSvc: metricsSvc, bus: bus, log: log, demoTag: DemoActorTag}
	s.stream = wsserver.NewHandler(bus, func(tag string) bool { return authorizedDashboardTags[tag] }, s.snapshot)
	return s
}

func (s *Server) snapshot(ctx context.Context) streamfabric.Snapshot {
	incidents, _ := s.store.ListIncidents(ctx, eventstore.ListFilter{Limit: 50})
	var snap streamfabric.Snapshot
	snap.Incidents = incidents
	if s.metricsSvc != nil {
		ids := make([]string, len(incidents))
		for i, inc := range incidents {
			ids[i] = inc.ID
		}
		if m, err := s.metricsSvc.Compute(ctx, ids); err == nil {
			snap.Metrics = m
		}
	}
	return snap
}

// Routes registers the Public API Surface handlers on mux.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /incidents", s.handleSubmit)
	mux.HandleFunc("GET /incidents/{id}", s.handleQuery)
	mux.HandleFunc("GET /incidents", s.handleList)
	mux.HandleFunc("POST /demo/{scenario}", s.handleDemo)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	mux.Handle("GET /stream", s.stream)
}

// submitRequest is the wire shape for incident submission (spec.md §6.1).
type submitRequest struct {
	ID               string   `json:"id,omitempty"`
	Kind             string   `json:"kind"`
	Severity         int      `json:"severity"`
	Description      string   `json:"description"`
	AffectedServices []string `json:"affected_services,omitempty"`
	SubmittingActor  string   `json:"submitting_actor"`
	CorrelationID    string   `json:"correlation_id,omitempty"`
}

type submitResponse struct {
	ID       string `json:"id"`
	Accepted bool   `json:"accepted"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.Wrap(apperrors.KindValidationError, "malformed request body", err))
		return
	}
	s.submit(w, r, req)
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request, req submitRequest) {
	if req.Kind == "" || req.Description == "" || req.Severity < 1 || req.Severity > 5 {
		writeError(w, apperrors.New(apperrors.KindValidationError, "kind, description, and severity (1-5) are required"))
		return
	}
	incidentID := req.ID
	if incidentID == "" {
		incidentID = uuid.NewString()
	}

	ctx := logging.WithIncident(r.Context(), incidentID)

	ev, err := eventstore.NewEvent(incidentID, incident.EventIncidentStarted, req.CorrelationID, incident.IncidentStartedPayload{
		Kind:             req.Kind,
		Severity:         incident.Severity(req.Severity),
		SubmittingActor:  req.SubmittingActor,
		Description:      req.Description,
		AffectedServices: req.AffectedServices,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := s.store.Append(ctx, incidentID, 0, ev); err != nil {
		writeError(w, err)
		return
	}

	go func() {
		driveCtx, cancel := context.WithTimeout(context.Background(), 12*time.Minute)
		defer cancel()
		if err := s.coordinator.Drive(logging.WithIncident(driveCtx, incidentID), incidentID, s.tasks()); err != nil {
			s.log.Error(driveCtx, "incident workflow failed", "incident_id", incidentID, "error", err)
		}
	}()

	writeJSON(w, http.StatusAccepted, submitResponse{ID: incidentID, Accepted: true})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	events, err := s.store.Read(r.Context(), id, 0)
	if err != nil {
		writeError(w, err)
		return
	}
	if len(events) == 0 {
		writeError(w, eventstore.ErrIncidentNotFound(id))
		return
	}
	inc, err := s.store.ReplayState(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Incident incident.Incident `json:"incident"`
		Events   []incident.Event  `json:"events"`
	}{Incident: inc, Events: events})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := eventstore.ListFilter{
		Status: incident.Status(q.Get("status")),
	}
	if sev := q.Get("min_severity"); sev != "" {
		if n, err := strconv.Atoi(sev); err == nil {
			filter.MinSeverity = incident.Severity(n)
		}
	}
	if after := q.Get("submitted_after"); after != "" {
		if n, err := strconv.ParseInt(after, 10, 64); err == nil {
			filter.SubmittedAfter = n
		}
	}
	if before := q.Get("submitted_before"); before != "" {
		if n, err := strconv.ParseInt(before, 10, 64); err == nil {
			filter.SubmittedBefore = n
		}
	}
	if limit := q.Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil {
			filter.Limit = n
		}
	}

	incidents, err := s.store.ListIncidents(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, incidents)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := eventstore.ListFilter{SubmittedAfter: time.Now().Add(-7 * 24 * time.Hour).Unix()}
	if limit := q.Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil {
			filter.Limit = n
		}
	}
	incidents, err := s.store.ListIncidents(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	ids := make([]string, len(incidents))
	for i, inc := range incidents {
		ids[i] = inc.ID
	}
	snap, err := s.metricsSvc.Compute(r.Context(), ids)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch apperrors.KindOf(err) {
	case apperrors.KindValidationError:
		status = http.StatusBadRequest
	case apperrors.KindIncidentNotFound:
		status = http.StatusNotFound
	case apperrors.KindIncidentTerminated, apperrors.KindVersionConflict:
		status = http.StatusConflict
	case apperrors.KindUnauthorizedDashboard:
		status = http.StatusForbidden
	case apperrors.KindRateLimited:
		status = http.StatusTooManyRequests
	case apperrors.KindUnavailable:
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, struct {
		Error string `json:"error"`
		Kind  string `json:"kind,omitempty"`
	}{Error: err.Error(), Kind: string(apperrors.KindOf(err))})
}
