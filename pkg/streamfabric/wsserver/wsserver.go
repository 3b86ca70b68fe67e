// Package wsserver is the gorilla/websocket-backed streamfabric.Sink and
// HTTP upgrade handler implementing spec.md §6.2's wire protocol and
// connection lifecycle, grounded on the teacher's example/cmd/assistant
// HTTP handler's websocket.Upgrader usage.
package wsserver

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aegis-ops/aegis/pkg/aegis/incident"
	"github.com/aegis-ops/aegis/pkg/apperrors"
	"github.com/aegis-ops/aegis/pkg/streamfabric"
)

// messageType is the closed set of wire message types (spec.md §6.2).
type messageType string

const (
	typeSnapshot       messageType = "snapshot"
	typeHeartbeat      messageType = "heartbeat"
	typeAgentUpdate    messageType = "agent_update"
	typeIncidentStatus messageType = "incident_status"
	typeMetricsUpdate  messageType = "metrics_update"
	typeSystemHealth   messageType = "system_health"
	typeError          messageType = "error"
)

// wireMessage is the closed field set clients must tolerate unknown keys
// within but never fail on (spec.md §6.2).
type wireMessage struct {
	Type       messageType     `json:"type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	IncidentID string          `json:"incident_id,omitempty"`
	Version    int64           `json:"version,omitempty"`
}

// connectRequest is the client's opening declaration (spec.md §6.2 step 1).
// ResumeFrom is decoded but not acted on: every connection starts with a
// fresh Snapshot followed by live events, and no missed events are replayed.
type connectRequest struct {
	DashboardTag string            `json:"dashboard_tag"`
	ClientID     string            `json:"client_id"`
	ResumeFrom   map[string]int64  `json:"resume_from,omitempty"` // incident_id -> version
	IncidentIDs  []string          `json:"incident_ids,omitempty"`
	EventKinds   []string          `json:"event_kinds,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handler upgrades incoming HTTP requests to a websocket connection,
// authorizes the declared dashboard_tag, and subscribes the resulting Sink
// on bus.
type Handler struct {
	bus         streamfabric.Bus
	authorize   func(dashboardTag string) bool
	snapshotter func(ctx context.Context) streamfabric.Snapshot
}

// NewHandler constructs a Handler. authorize implements spec.md §4.9's tag
// policy ("sessions tagged ops may subscribe to live updates ... demo or
// transparency accepted but pruned to read-only historical scope ...
// unknown tags rejected"); snapshotter produces the initial Snapshot sent
// on connect.
func NewHandler(bus streamfabric.Bus, authorize func(string) bool, snapshotter func(context.Context) streamfabric.Snapshot) *Handler {
	return &Handler{bus: bus, authorize: authorize, snapshotter: snapshotter}
}

// ServeHTTP implements the connection lifecycle of spec.md §6.2.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	var req connectRequest
	if err := conn.ReadJSON(&req); err != nil {
		_ = conn.Close()
		return
	}
	if !h.authorize(req.DashboardTag) {
		_ = conn.WriteJSON(wireMessage{Type: typeError, Timestamp: time.Now(),
			Payload: mustJSON(map[string]string{"reason": string(apperrors.KindUnauthorizedDashboard)})})
		_ = conn.Close()
		return
	}

	filter := streamfabric.Filter{DashboardTag: req.DashboardTag}
	if len(req.IncidentIDs) > 0 {
		filter.IncidentIDs = make(map[string]bool, len(req.IncidentIDs))
		for _, id := range req.IncidentIDs {
			filter.IncidentIDs[id] = true
		}
	}
	if len(req.EventKinds) > 0 {
		filter.EventKinds = make(map[incident.EventKind]bool, len(req.EventKinds))
		for _, k := range req.EventKinds {
			filter.EventKinds[incident.EventKind(k)] = true
		}
	}

	sink := &Sink{conn: conn}
	sess, err := h.bus.Subscribe(filter, sink)
	if err != nil {
		_ = conn.Close()
		return
	}

	if err := sink.SendSnapshot(r.Context(), h.snapshotter(r.Context())); err != nil {
		h.bus.Unsubscribe(sess)
		return
	}

	// Drain inbound frames (pings, close) until the peer disconnects;
	// delivery itself happens on the bus-driven dispatch goroutine.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.bus.Unsubscribe(sess)
			return
		}
	}
}

// Sink implements streamfabric.Sink over one websocket connection. Writes
// come from the owning Session's dispatch goroutine, from ServeHTTP's
// goroutine (the initial snapshot) and from whichever goroutine closes the
// session; mu serializes them, since gorilla/websocket allows only one
// concurrent writer.
type Sink struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *Sink) Send(_ context.Context, event incident.Event) error {
	return s.write(wireMessage{
		Type:       eventWireType(event.Kind),
		Payload:    event.Payload,
		Timestamp:  event.Timestamp,
		IncidentID: event.IncidentID,
		Version:    event.Version,
	})
}

func (s *Sink) SendSnapshot(_ context.Context, snap streamfabric.Snapshot) error {
	return s.write(wireMessage{Type: typeSnapshot, Timestamp: time.Now(), Payload: mustJSON(snap)})
}

func (s *Sink) SendHeartbeat(_ context.Context) error {
	return s.write(wireMessage{Type: typeHeartbeat, Timestamp: time.Now()})
}

func (s *Sink) Close(_ context.Context, reason streamfabric.CloseReason) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.WriteJSON(wireMessage{Type: typeError, Timestamp: time.Now(), Payload: mustJSON(map[string]string{"reason": string(reason)})})
	return s.conn.Close()
}

func (s *Sink) write(msg wireMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(msg)
}

func eventWireType(kind incident.EventKind) messageType {
	switch kind {
	case incident.EventMetricsRecomputed:
		return typeMetricsUpdate
	case incident.EventResolutionComplete, incident.EventEscalated, incident.EventFailed:
		return typeIncidentStatus
	default:
		return typeAgentUpdate
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return b
}
