// Package agents provides the default agentruntime.Handler implementations
// for the five canonical agent kinds (spec.md §4.4: "Agents are polymorphic
// over the capability set {analyze, validate, propose}. The runtime is
// identical across kinds; only the strategies differ."). Each handler is a
// thin prompt-construction + JSON-parsing layer over providers.Router,
// grounded on the teacher's pattern of keeping strategy-specific code to a
// minimal layer above a shared execution envelope (runtime/agent/runtime
// keeps per-agent code to workflow/activity input decoding only; here it is
// prompt templating only).
package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aegis-ops/aegis/pkg/aegis/incident"
	"github.com/aegis-ops/aegis/pkg/agentruntime"
	"github.com/aegis-ops/aegis/pkg/apperrors"
	"github.com/aegis-ops/aegis/pkg/providers"
	"github.com/aegis-ops/aegis/pkg/ragmemory"
)

// proposal is the closed JSON shape every handler asks the model to
// return, decoded straight into an incident.AgentResult.
type proposal struct {
	Confidence  float64  `json:"confidence"`
	Reasoning   string   `json:"reasoning"`
	Evidence    []string `json:"evidence"`
	ActionID    string   `json:"action_id"`
	Description string   `json:"description"`
	Risk        string   `json:"risk"`
	Reversible  bool     `json:"reversible"`
	Tags        []string `json:"tags"`
}

// prompts are the kind-specific system instructions layered on top of the
// shared JSON response contract.
var prompts = map[incident.AgentKind]string{
	incident.KindDetection: "You are the detection agent for an incident response system. " +
		"Analyze the incident description and affected services, and assess whether this is a real " +
		"incident, estimating your confidence and citing concrete evidence.",
	incident.KindDiagnosis: "You are the diagnosis agent. Determine the most likely root cause of the " +
		"incident and propose a remediation action to address it.",
	incident.KindPrediction: "You are the prediction agent. Estimate the likely trajectory of the " +
		"incident if unaddressed, and propose a remediation action consistent with that trajectory.",
	incident.KindResolution: "You are the resolution agent. Propose the concrete remediation action " +
		"you would execute to resolve the incident.",
	incident.KindCommunication: "You are the communication agent. Draft the stakeholder-facing status " +
		"update for this incident and propose the action of sending it.",
}

const responseContract = `Respond with a single JSON object and nothing else, matching exactly:
{"confidence": <0..1 float>, "reasoning": "<string>", "evidence": ["<string>", ...],
 "action_id": "<short stable identifier>", "description": "<string>", "risk": "low|medium|high|critical",
 "reversible": <bool>, "tags": ["<string>", ...]}`

// NewHandler builds an agentruntime.Handler for kind, querying memory for
// supporting context (when provided) before calling the provider.
func NewHandler(kind incident.AgentKind, memory ragmemory.Memory) agentruntime.Handler {
	system := prompts[kind]
	return func(ctx context.Context, inc incident.Incident, router *providers.Router, hint providers.RoutingHint) (incident.AgentResult, error) {
		var snippets []ragmemory.Snippet
		if memory != nil {
			snippets, _ = memory.Query(ctx, inc.Description, 3)
		}

		prompt := buildPrompt(system, inc, snippets)
		text, err := router.GenerateText(ctx, prompt, hint)
		if err != nil {
			return incident.AgentResult{}, err
		}

		p, err := parseProposal(text)
		if err != nil {
			return incident.AgentResult{}, apperrors.Wrap(apperrors.KindValidationError, "agent response did not match the expected JSON contract", err)
		}

		result := incident.AgentResult{
			Kind:       kind,
			Status:     incident.AgentCompleted,
			Confidence: clamp01(p.Confidence),
			Reasoning:  p.Reasoning,
			Evidence:   p.Evidence,
		}
		if p.ActionID != "" {
			result.ProposedAction = &incident.ProposedAction{
				ActionID:    p.ActionID,
				Description: p.Description,
				Risk:        incident.ActionRisk(normalizeRisk(p.Risk)),
				Reversible:  p.Reversible,
				ProposedBy:  kind,
				Tags:        p.Tags,
			}
		}
		return result, nil
	}
}

// NewSafeModeHandler returns a conservative handler that never calls a
// provider: it proposes nothing and reports low, non-committal confidence,
// used as the last tier of the fallback chain (spec.md §4.4 "safe_mode").
func NewSafeModeHandler(kind incident.AgentKind) agentruntime.Handler {
	return func(_ context.Context, _ incident.Incident, _ *providers.Router, _ providers.RoutingHint) (incident.AgentResult, error) {
		return incident.AgentResult{
			Kind:       kind,
			Status:     incident.AgentCompleted,
			Confidence: 0.3,
			Reasoning:  "safe-mode fallback: no provider consulted, conservative no-op assessment",
		}, nil
	}
}

// DefaultHandlers returns the five canonical primary handlers keyed by
// agent kind, and DefaultSafeModeHandlers the matching safe-mode tier.
func DefaultHandlers(memory ragmemory.Memory) map[incident.AgentKind]agentruntime.Handler {
	out := make(map[incident.AgentKind]agentruntime.Handler, len(prompts))
	for kind := range prompts {
		out[kind] = NewHandler(kind, memory)
	}
	return out
}

// DefaultSafeModeHandlers returns the safe-mode handler for every canonical
// agent kind.
func DefaultSafeModeHandlers() map[incident.AgentKind]agentruntime.Handler {
	out := make(map[incident.AgentKind]agentruntime.Handler, len(prompts))
	for kind := range prompts {
		out[kind] = NewSafeModeHandler(kind)
	}
	return out
}

func buildPrompt(system string, inc incident.Incident, snippets []ragmemory.Snippet) string {
	var b strings.Builder
	b.WriteString(system)
	b.WriteString("\n\nIncident:\n")
	fmt.Fprintf(&b, "kind: %s\nseverity: %d\ndescription: %s\naffected_services: %s\n",
		inc.Kind, inc.Severity, inc.Description, strings.Join(inc.AffectedServices, ", "))
	if len(snippets) > 0 {
		b.WriteString("\nRelevant knowledge:\n")
		for _, s := range snippets {
			fmt.Fprintf(&b, "- %s (source: %s)\n", s.Text, s.Citation)
		}
	}
	b.WriteString("\n")
	b.WriteString(responseContract)
	return b.String()
}

func parseProposal(text string) (proposal, error) {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end < start {
		return proposal{}, fmt.Errorf("no JSON object found in response")
	}
	var p proposal
	if err := json.Unmarshal([]byte(text[start:end+1]), &p); err != nil {
		return proposal{}, err
	}
	return p, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func normalizeRisk(r string) string {
	switch strings.ToLower(r) {
	case "low", "medium", "high", "critical":
		return strings.ToLower(r)
	default:
		return "medium"
	}
}
