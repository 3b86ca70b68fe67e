package consensus

import (
	"context"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/aegis-ops/aegis/pkg/aegis/incident"
	"github.com/aegis-ops/aegis/pkg/providers"
)

func allowSafety(_ context.Context, _ incident.ProposedAction) (providers.SafetyResult, error) {
	return providers.SafetyResult{Verdict: providers.SafetyAllow}, nil
}

// TestGroupByActionIsOrderIndependent checks the commutative law the
// aggregation step relies on: Σ(weight × confidence) per action_id must not
// depend on the order AgentResults are supplied in, since the swarm
// coordinator accumulates them in goroutine-completion order (spec.md §4.5:
// "agents of the same level run in parallel").
func TestGroupByActionIsOrderIndependent(t *testing.T) {
	kinds := []incident.AgentKind{
		incident.KindDetection, incident.KindDiagnosis, incident.KindPrediction, incident.KindResolution,
	}

	genResult := gen.IntRange(0, len(kinds)-1).Map(func(i int) incident.AgentResult {
		return incident.AgentResult{
			Kind:       kinds[i],
			Status:     incident.AgentCompleted,
			Confidence: float64(i+1) / float64(len(kinds)+1),
			ProposedAction: &incident.ProposedAction{
				ActionID: fmt.Sprintf("action-%d", i%2), // force collisions across kinds
			},
		}
	})

	properties := gopter.NewProperties(nil)
	properties.Property("aggregated confidence is invariant under permutation", prop.ForAll(
		func(results []incident.AgentResult) bool {
			forward := groupByAction(results)
			reversed := make([]incident.AgentResult, len(results))
			for i, r := range results {
				reversed[len(results)-1-i] = r
			}
			backward := groupByAction(reversed)
			if len(forward) != len(backward) {
				return false
			}
			for id, c := range forward {
				other, ok := backward[id]
				if !ok || !floatsClose(c.confidence, other.confidence) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(genResult),
	))
	properties.TestingRun(t)
}

func floatsClose(a, b float64) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d < 1e-9
}

func TestDecideEscalatesBelowThreshold(t *testing.T) {
	results := []incident.AgentResult{
		{Kind: incident.KindDiagnosis, Status: incident.AgentCompleted, Confidence: 0.3, ProposedAction: &incident.ProposedAction{ActionID: "a1"}},
		{Kind: incident.KindPrediction, Status: incident.AgentCompleted, Confidence: 0.3, ProposedAction: &incident.ProposedAction{ActionID: "a1"}},
	}
	e := NewEngineWithSafetyCheck(allowSafety)
	decision, err := e.Decide(context.Background(), results)
	require.NoError(t, err)
	require.Equal(t, incident.OutcomeEscalate, decision.Outcome)
	require.Equal(t, "below_threshold", decision.EscalationReason)
}

func TestDecideApprovesAboveThreshold(t *testing.T) {
	// Diagnosis (weight 0.4) + Prediction (weight 0.3) at full confidence
	// aggregate to exactly the 0.70 approval threshold (spec.md §4.6 step 4).
	results := []incident.AgentResult{
		{Kind: incident.KindDiagnosis, Status: incident.AgentCompleted, Confidence: 1.0, ProposedAction: &incident.ProposedAction{ActionID: "restart-pod"}},
		{Kind: incident.KindPrediction, Status: incident.AgentCompleted, Confidence: 1.0, ProposedAction: &incident.ProposedAction{ActionID: "restart-pod"}},
	}
	e := NewEngineWithSafetyCheck(allowSafety)
	decision, err := e.Decide(context.Background(), results)
	require.NoError(t, err)
	require.Equal(t, incident.OutcomeApproved, decision.Outcome)
	require.NotNil(t, decision.Action)
	require.Equal(t, "restart-pod", decision.Action.ActionID)
}

func TestDecideEscalatesOnInsufficientAgents(t *testing.T) {
	results := []incident.AgentResult{
		{Kind: incident.KindDetection, Status: incident.AgentCompleted, Confidence: 0.9, ProposedAction: &incident.ProposedAction{ActionID: "a1"}},
	}
	e := NewEngineWithSafetyCheck(allowSafety)
	decision, err := e.Decide(context.Background(), results)
	require.NoError(t, err)
	require.Equal(t, incident.OutcomeEscalate, decision.Outcome)
	require.Equal(t, "insufficient_agents", decision.EscalationReason)
}

// TestSelectWinnerBreaksTiesByActionIDNotProposerKind verifies spec.md
// §4.6 step 3: among equal-confidence candidates, the lexicographically
// smallest action_id wins even when a later action_id was proposed by a
// higher-precedence agent kind (resolution outranks communication in
// tieBreakOrder, but "action-a" must still beat "action-b").
func TestSelectWinnerBreaksTiesByActionIDNotProposerKind(t *testing.T) {
	results := []incident.AgentResult{
		{Kind: incident.KindCommunication, Status: incident.AgentCompleted, Confidence: 1.0, ProposedAction: &incident.ProposedAction{ActionID: "action-a"}},
		{Kind: incident.KindResolution, Status: incident.AgentCompleted, Confidence: 1.0, ProposedAction: &incident.ProposedAction{ActionID: "action-b"}},
	}
	candidates := groupByAction(results)
	winner := selectWinner(candidates)
	require.Equal(t, "action-a", winner.action.ActionID)
}

// TestDecideDiscardsLowerWeightAgentOnByzantineConflict verifies spec.md
// §4.6 step 7: detection (weight 0.2) and diagnosis (weight 0.4) assert
// contradictory values for the same evidence key, so detection's proposal
// is discarded and the decision proceeds on diagnosis + prediction alone.
func TestDecideDiscardsLowerWeightAgentOnByzantineConflict(t *testing.T) {
	results := []incident.AgentResult{
		{
			Kind: incident.KindDetection, Status: incident.AgentCompleted, Confidence: 1.0,
			Evidence:       []string{"assertion(root_cause, network_partition)"},
			ProposedAction: &incident.ProposedAction{ActionID: "reboot-node"},
		},
		{
			Kind: incident.KindDiagnosis, Status: incident.AgentCompleted, Confidence: 1.0,
			Evidence:       []string{"assertion(root_cause, disk_full)"},
			ProposedAction: &incident.ProposedAction{ActionID: "clear-disk"},
		},
		{
			Kind: incident.KindPrediction, Status: incident.AgentCompleted, Confidence: 1.0,
			ProposedAction: &incident.ProposedAction{ActionID: "clear-disk"},
		},
	}
	e := NewEngineWithSafetyCheck(allowSafety)
	decision, err := e.Decide(context.Background(), results)
	require.NoError(t, err)
	require.Equal(t, incident.OutcomeApproved, decision.Outcome)
	require.NotNil(t, decision.Action)
	require.Equal(t, "clear-disk", decision.Action.ActionID)
}

// TestDecideEscalatesOnByzantineConflictBetweenEquallyWeightedAgents
// verifies the equal-weight fallback of spec.md §4.6 step 7: two agents of
// the same canonical weight (both diagnosis) assert contradictory values,
// so neither can be discarded and the incident escalates.
func TestDecideEscalatesOnByzantineConflictBetweenEquallyWeightedAgents(t *testing.T) {
	results := []incident.AgentResult{
		{
			Kind: incident.KindDiagnosis, Status: incident.AgentCompleted, Confidence: 1.0,
			Evidence:       []string{"assertion(root_cause, network_partition)"},
			ProposedAction: &incident.ProposedAction{ActionID: "reboot-node"},
		},
		{
			Kind: incident.KindDiagnosis, Status: incident.AgentCompleted, Confidence: 1.0,
			Evidence:       []string{"assertion(root_cause, disk_full)"},
			ProposedAction: &incident.ProposedAction{ActionID: "clear-disk"},
		},
	}
	e := NewEngineWithSafetyCheck(allowSafety)
	decision, err := e.Decide(context.Background(), results)
	require.NoError(t, err)
	require.Equal(t, incident.OutcomeEscalate, decision.Outcome)
	require.Equal(t, "byzantine_conflict", decision.EscalationReason)
}

// TestDecideIgnoresNonContradictingEvidence verifies that matching
// assertions (same key, same value) and malformed evidence strings never
// trigger the Byzantine path.
func TestDecideIgnoresNonContradictingEvidence(t *testing.T) {
	results := []incident.AgentResult{
		{
			Kind: incident.KindDiagnosis, Status: incident.AgentCompleted, Confidence: 1.0,
			Evidence:       []string{"assertion(root_cause, disk_full)", "saw high disk IO"},
			ProposedAction: &incident.ProposedAction{ActionID: "clear-disk"},
		},
		{
			Kind: incident.KindPrediction, Status: incident.AgentCompleted, Confidence: 1.0,
			Evidence:       []string{"assertion(root_cause, disk_full)"},
			ProposedAction: &incident.ProposedAction{ActionID: "clear-disk"},
		},
	}
	e := NewEngineWithSafetyCheck(allowSafety)
	decision, err := e.Decide(context.Background(), results)
	require.NoError(t, err)
	require.Equal(t, incident.OutcomeApproved, decision.Outcome)
}

func TestDecideEscalatesOnSafetyBlock(t *testing.T) {
	results := []incident.AgentResult{
		{Kind: incident.KindDiagnosis, Status: incident.AgentCompleted, Confidence: 1.0, ProposedAction: &incident.ProposedAction{ActionID: "drop-database"}},
		{Kind: incident.KindPrediction, Status: incident.AgentCompleted, Confidence: 1.0, ProposedAction: &incident.ProposedAction{ActionID: "drop-database"}},
	}
	e := NewEngineWithSafetyCheck(func(_ context.Context, _ incident.ProposedAction) (providers.SafetyResult, error) {
		return providers.SafetyResult{Verdict: providers.SafetyBlock, Reason: "destructive"}, nil
	})
	decision, err := e.Decide(context.Background(), results)
	require.NoError(t, err)
	require.Equal(t, incident.OutcomeEscalate, decision.Outcome)
	require.Equal(t, "safety_blocked", decision.EscalationReason)
}
