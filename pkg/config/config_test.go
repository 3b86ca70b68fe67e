package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aegis-ops/aegis/pkg/aegis/incident"
)

func TestDefaultConfigCoversEveryCanonicalAgentKind(t *testing.T) {
	cfg := DefaultConfig()
	for _, k := range []incident.AgentKind{
		incident.KindDetection, incident.KindDiagnosis, incident.KindPrediction,
		incident.KindResolution, incident.KindCommunication,
	} {
		_, ok := cfg.AgentWeights[k]
		require.True(t, ok, "missing agent weight for %s", k)
		_, ok = cfg.AgentTimeouts[k]
		require.True(t, ok, "missing agent timeouts for %s", k)
	}
	require.Equal(t, 0.70, cfg.ConsensusThreshold)
	require.Equal(t, 256, cfg.QueueCapacity)
	require.Equal(t, 20*time.Second, cfg.HeartbeatInterval)
}

func TestLoadWithoutPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, DefaultConfig().ConsensusThreshold, cfg.ConsensusThreshold)
}

func TestLoadOverridesDefaultsFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "aegis.yaml")
	require.NoError(t, os.WriteFile(path, []byte("consensus_threshold: 0.85\nqueue_capacity: 512\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 0.85, cfg.ConsensusThreshold)
	require.Equal(t, 512, cfg.QueueCapacity)
	// Untouched fields retain their defaults.
	require.Equal(t, DefaultConfig().HeartbeatInterval, cfg.HeartbeatInterval)
}

func TestEnvOverridesTakePrecedenceOverYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "aegis.yaml")
	require.NoError(t, os.WriteFile(path, []byte("consensus_threshold: 0.85\n"), 0o644))

	t.Setenv("AEGIS_CONSENSUS_THRESHOLD", "0.95")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 0.95, cfg.ConsensusThreshold)
}

func TestBreakerConfigForMirrorsFields(t *testing.T) {
	cfg := DefaultConfig()
	bc := cfg.BreakerConfigFor()
	require.Equal(t, cfg.Breaker.FailureThreshold, bc.FailureThreshold)
	require.Equal(t, cfg.Breaker.CooldownPeriod, bc.CooldownPeriod)
}

func TestRateLimitsForSeedsRegistry(t *testing.T) {
	cfg := DefaultConfig()
	reg := cfg.RateLimitsFor()
	require.NotNil(t, reg)
}

func TestCostInputsForMirrorsBaselines(t *testing.T) {
	cfg := DefaultConfig()
	costs := cfg.CostInputsFor()
	require.Equal(t, cfg.PerMinuteCost, costs.PerMinuteCost)
	require.Equal(t, cfg.BaselineMTTR, costs.BaselineMTTR)
	require.Equal(t, cfg.BaselineIncidentCost, costs.BaselineIncidentCost)
}
