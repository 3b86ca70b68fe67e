package incident

import (
	"encoding/json"
	"time"
)

// EventKind is the closed set of event kinds that may appear in an
// incident's event stream (spec.md §3).
type EventKind string

const (
	EventIncidentStarted    EventKind = "IncidentStarted"
	EventAgentAssigned      EventKind = "AgentAssigned"
	EventAgentProgress      EventKind = "AgentProgress"
	EventAgentCompleted     EventKind = "AgentCompleted"
	EventAgentFailed        EventKind = "AgentFailed"
	EventConsensusReached   EventKind = "ConsensusReached"
	EventActionProposed     EventKind = "ActionProposed"
	EventActionExecuted     EventKind = "ActionExecuted"
	EventActionRolledBack   EventKind = "ActionRolledBack"
	EventEscalated          EventKind = "Escalated"
	EventResolutionComplete EventKind = "ResolutionComplete"
	EventMetricsRecomputed  EventKind = "MetricsRecomputed"
	// EventFailed is used for "logic" failures per spec.md §7 (invariant
	// violation, deadline exceeded before any terminal event). It is not
	// listed as a distinct kind in spec.md §3 but is folded under the
	// existing terminal-event invariants (spec.md §3 mentions "Failed" as
	// a terminal kind alongside ResolutionComplete and Escalated).
	EventFailed EventKind = "Failed"
)

// Terminal reports whether an event kind is one of the three terminal
// kinds for an incident.
func (k EventKind) Terminal() bool {
	switch k {
	case EventResolutionComplete, EventEscalated, EventFailed:
		return true
	default:
		return false
	}
}

// Event is an immutable, ordered record belonging to exactly one incident.
// Version is a dense integer starting at 1, contiguous per incident.
type Event struct {
	ID            string
	IncidentID    string
	Version       int64
	Timestamp     time.Time
	Kind          EventKind
	CorrelationID string
	// SchemaVersion identifies the payload schema generation for forward
	// compatibility (Design Notes §9: explicit schema_version, not open
	// extension).
	SchemaVersion int
	Payload       json.RawMessage
}

// Payload variants. Every event kind has exactly one corresponding payload
// struct; callers decode Event.Payload into the variant matching Event.Kind.

type IncidentStartedPayload struct {
	Kind             string   `json:"kind"`
	Severity         Severity `json:"severity"`
	SubmittingActor  string   `json:"submitting_actor"`
	Description      string   `json:"description"`
	AffectedServices []string `json:"affected_services,omitempty"`
}

type AgentAssignedPayload struct {
	AgentKind AgentKind `json:"agent_kind"`
	Level     int       `json:"level"`
}

type AgentProgressPayload struct {
	AgentKind AgentKind `json:"agent_kind"`
	Stage     string    `json:"stage"`
	Note      string    `json:"note,omitempty"`
}

type AgentCompletedPayload struct {
	AgentKind AgentKind       `json:"agent_kind"`
	Result    AgentResult     `json:"result"`
}

type AgentFailedPayload struct {
	AgentKind     AgentKind `json:"agent_kind"`
	FailureReason string    `json:"failure_reason"`
}

type ConsensusReachedPayload struct {
	Decision ConsensusDecision `json:"decision"`
}

type ActionProposedPayload struct {
	Action ProposedAction `json:"action"`
}

type ActionExecutedPayload struct {
	Action  ProposedAction `json:"action"`
	Outcome string         `json:"outcome"`
}

type ActionRolledBackPayload struct {
	Action ProposedAction `json:"action"`
	Reason string         `json:"reason"`
}

type EscalatedPayload struct {
	Reason     string   `json:"reason"`
	Contenders []string `json:"contenders,omitempty"`
}

type ResolutionCompletePayload struct {
	Action ProposedAction `json:"action"`
}

type FailedPayload struct {
	Reason string `json:"reason"`
}

type MetricsRecomputedPayload struct {
	MTTRSeconds       float64 `json:"mttr_seconds"`
	MTTRDataQuality   string  `json:"mttr_data_quality"`
	PreventionCount   int     `json:"prevention_count"`
	CostSavedUSD      float64 `json:"cost_saved_usd"`
	SuccessRate       float64 `json:"success_rate"`
	EfficiencyScore   float64 `json:"efficiency_score"`
}
