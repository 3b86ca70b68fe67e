// Package consensus implements the weighted, Byzantine-tolerant aggregation
// over proposed actions described in spec.md §4.6: group by action_id,
// aggregate weighted confidence, pick the deterministic winner, threshold-
// gate, safety-gate, and escalate on a too-thin agent set. Pure Go, no
// third-party dependency — the aggregation itself is arithmetic over
// already-typed domain values, which is exactly the part of the repo
// github.com/leanovate/gopter exists to validate (see consensus_test.go)
// rather than to implement.
package consensus

import (
	"context"
	"sort"
	"strings"

	"github.com/aegis-ops/aegis/pkg/aegis/incident"
	"github.com/aegis-ops/aegis/pkg/providers"
)

// ApprovalThreshold is the minimum aggregated confidence required to accept
// a candidate action without escalating (spec.md §4.6 step 4).
const ApprovalThreshold = 0.70

// tieBreakOrder ranks proposer kinds when several agents propose the same
// action_id: groupByAction keeps the action record of the highest-ranked
// proposer. selectWinner does not consult it.
var tieBreakOrder = map[incident.AgentKind]int{
	incident.KindResolution:    0,
	incident.KindDiagnosis:     1,
	incident.KindPrediction:    2,
	incident.KindDetection:     3,
	incident.KindCommunication: 4,
}

type candidate struct {
	action     incident.ProposedAction
	actionKind incident.AgentKind
	confidence float64
	proposers  []incident.AgentKind
}

// Engine evaluates AgentResults and produces a ConsensusDecision. SafetyCheck
// is pluggable so tests can substitute a deterministic verdict instead of a
// live provider call.
type Engine struct {
	safety func(ctx context.Context, action incident.ProposedAction) (providers.SafetyResult, error)
}

// NewEngine constructs an Engine backed by the given Provider Router for the
// C4 safety-gate call (spec.md §4.6 step 5).
func NewEngine(router *providers.Router) *Engine {
	return &Engine{
		safety: func(ctx context.Context, action incident.ProposedAction) (providers.SafetyResult, error) {
			return router.SafetyCheck(ctx, action.Description, providers.RoutingHint{TaskClass: providers.TaskFast})
		},
	}
}

// NewEngineWithSafetyCheck constructs an Engine with an injected safety-check
// function, for tests or alternate safety backends.
func NewEngineWithSafetyCheck(safety func(ctx context.Context, action incident.ProposedAction) (providers.SafetyResult, error)) *Engine {
	return &Engine{safety: safety}
}

// Decide evaluates the accumulated agent results for one incident and
// produces a ConsensusDecision per the spec.md §4.6 algorithm.
func (e *Engine) Decide(ctx context.Context, results []incident.AgentResult) (incident.ConsensusDecision, error) {
	results, conflicted := resolveByzantineConflicts(results)
	if conflicted {
		return escalate("byzantine_conflict", contenderIDs(results)), nil
	}

	if levelOneOrTwoSuccesses(results) < 2 {
		return escalate("insufficient_agents", contenderIDs(results)), nil
	}

	candidates := groupByAction(results)
	if len(candidates) == 0 {
		return escalate("no_proposals", nil), nil
	}

	winner := selectWinner(candidates)
	contenders := contenderActionIDs(candidates)

	if winner.confidence < ApprovalThreshold {
		return escalate("below_threshold", contenders), nil
	}

	verdict, err := e.safety(ctx, winner.action)
	if err != nil {
		return incident.ConsensusDecision{}, err
	}
	if verdict.Verdict == providers.SafetyBlock {
		return escalate("safety_blocked", contenders), nil
	}

	action := winner.action
	return incident.ConsensusDecision{
		Outcome:              incident.OutcomeApproved,
		Action:                &action,
		AggregatedConfidence: winner.confidence,
		ContributingAgents:   winner.proposers,
		Contenders:           contenders,
	}, nil
}

func levelOneOrTwoSuccesses(results []incident.AgentResult) int {
	n := 0
	for _, r := range results {
		if r.Status != incident.AgentCompleted {
			continue
		}
		switch r.Kind {
		case incident.KindDiagnosis, incident.KindPrediction, incident.KindResolution:
			n++
		}
	}
	return n
}

// groupByAction aggregates Σ(agent_weight × proposer_confidence) per
// action_id (spec.md §4.6 steps 1-2). When more than one agent proposes
// under the same action_id, the candidate's canonical action record (used
// for Description/Risk/Reversible/Params) is taken from whichever proposer
// ranks highest in tieBreakOrder, so the merge is deterministic regardless
// of the order AgentResults arrive in.
func groupByAction(results []incident.AgentResult) map[string]*candidate {
	candidates := make(map[string]*candidate)
	for _, r := range results {
		if r.Status != incident.AgentCompleted || r.ProposedAction == nil {
			continue
		}
		action := *r.ProposedAction
		weight, _ := r.Kind.CanonicalWeight()
		c, ok := candidates[action.ActionID]
		if !ok {
			c = &candidate{action: action, actionKind: r.Kind}
			candidates[action.ActionID] = c
		} else if proposerRank(r.Kind) < proposerRank(c.actionKind) {
			c.action = action
			c.actionKind = r.Kind
		}
		c.confidence += weight * r.Confidence
		c.proposers = append(c.proposers, r.Kind)
	}
	return candidates
}

// selectWinner picks the candidate with the greatest aggregated confidence.
// Ties are broken by action_id lexicographic order alone (spec.md §4.6 step
// 3): candidates are visited in sorted action_id order, and the first
// candidate to reach the maximum confidence is kept even if a later,
// lexicographically larger action_id also reaches it — action_id dominates,
// proposer kind never displaces an already-selected winner.
func selectWinner(candidates map[string]*candidate) *candidate {
	ids := make([]string, 0, len(candidates))
	for id := range candidates {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var winner *candidate
	for _, id := range ids {
		c := candidates[id]
		if winner == nil || c.confidence > winner.confidence {
			winner = c
		}
	}
	return winner
}

func proposerRank(k incident.AgentKind) int {
	if rank, ok := tieBreakOrder[k]; ok {
		return rank
	}
	return len(tieBreakOrder)
}

func contenderActionIDs(candidates map[string]*candidate) []string {
	ids := make([]string, 0, len(candidates))
	for id := range candidates {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func contenderIDs(results []incident.AgentResult) []string {
	var ids []string
	for _, r := range results {
		if r.ProposedAction != nil {
			ids = append(ids, r.ProposedAction.ActionID)
		}
	}
	sort.Strings(ids)
	return ids
}

// resolveByzantineConflicts implements spec.md §4.6 step 7: two completed
// agents' evidence that assert(key, value) the same key with differing
// values are mutually contradictory. The agent with the lower canonical
// weight is discarded entirely from the result set (its proposal no longer
// contributes to aggregation or the level-1/2 success count); if the
// conflicting pair carries equal weight, the incident escalates outright.
// Repeats until no conflicting pair remains, since discarding one agent can
// surface a conflict against a previously-tied third agent's evidence.
func resolveByzantineConflicts(results []incident.AgentResult) (filtered []incident.AgentResult, escalateTie bool) {
	filtered = results
	for {
		loser, tie, found := firstConflict(filtered)
		if !found {
			return filtered, false
		}
		if tie {
			return filtered, true
		}
		filtered = withoutKind(filtered, loser)
	}
}

type assertionEntry struct {
	kind   incident.AgentKind
	value  string
	weight float64
}

// firstConflict finds the first (in sorted assertion-key order, for
// determinism) pair of completed agents whose evidence assert(key, ...) the
// same key with different values.
func firstConflict(results []incident.AgentResult) (loser incident.AgentKind, tie bool, found bool) {
	byKey := make(map[string][]assertionEntry)
	var keys []string
	for _, r := range results {
		if r.Status != incident.AgentCompleted {
			continue
		}
		weight, _ := r.Kind.CanonicalWeight()
		for _, raw := range r.Evidence {
			key, value, ok := parseAssertion(raw)
			if !ok {
				continue
			}
			if _, seen := byKey[key]; !seen {
				keys = append(keys, key)
			}
			byKey[key] = append(byKey[key], assertionEntry{kind: r.Kind, value: value, weight: weight})
		}
	}
	sort.Strings(keys)

	for _, key := range keys {
		entries := byKey[key]
		for i := 0; i < len(entries); i++ {
			for j := i + 1; j < len(entries); j++ {
				if entries[i].value == entries[j].value {
					continue
				}
				switch {
				case entries[i].weight < entries[j].weight:
					return entries[i].kind, false, true
				case entries[j].weight < entries[i].weight:
					return entries[j].kind, false, true
				default:
					return "", true, true
				}
			}
		}
	}
	return "", false, false
}

// parseAssertion extracts (key, value) from an evidence string formatted as
// "assertion(key, value)"; evidence not in this form carries no Byzantine
// comparison weight and is ignored.
func parseAssertion(evidence string) (key, value string, ok bool) {
	s := strings.TrimSpace(evidence)
	if !strings.HasPrefix(s, "assertion(") || !strings.HasSuffix(s, ")") {
		return "", "", false
	}
	inner := s[len("assertion(") : len(s)-1]
	parts := strings.SplitN(inner, ",", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	key = strings.TrimSpace(parts[0])
	value = strings.TrimSpace(parts[1])
	if key == "" || value == "" {
		return "", "", false
	}
	return key, value, true
}

func withoutKind(results []incident.AgentResult, kind incident.AgentKind) []incident.AgentResult {
	out := make([]incident.AgentResult, 0, len(results))
	for _, r := range results {
		if r.Kind == kind {
			continue
		}
		out = append(out, r)
	}
	return out
}

func escalate(reason string, contenders []string) incident.ConsensusDecision {
	return incident.ConsensusDecision{
		Outcome:          incident.OutcomeEscalate,
		EscalationReason: reason,
		Contenders:       contenders,
	}
}
