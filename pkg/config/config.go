// Package config loads the process configuration surface enumerated in
// spec.md §6.4 from a single YAML document, with defaults supplied by
// constructor functions — the same convention the teacher uses for
// runtime/a2a/retry.DefaultConfig: a typed struct, a DefaultConfig that
// returns the canonical values, and env-var overrides applied on top.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aegis-ops/aegis/pkg/aegis/incident"
	"github.com/aegis-ops/aegis/pkg/metrics"
	"github.com/aegis-ops/aegis/pkg/resilience/breaker"
	"github.com/aegis-ops/aegis/pkg/resilience/ratelimit"
)

// AgentTimeouts holds the primary/secondary/safe_mode budgets for one
// agent kind (spec.md §4.4).
type AgentTimeouts struct {
	Primary   time.Duration `yaml:"primary"`
	Secondary time.Duration `yaml:"secondary"`
	SafeMode  time.Duration `yaml:"safe_mode"`
}

// BreakerConfig mirrors breaker.Config in YAML-friendly form.
type BreakerConfig struct {
	FailureThreshold  int           `yaml:"failure_threshold"`
	CooldownPeriod    time.Duration `yaml:"cooldown_period"`
	HalfOpenSuccesses int           `yaml:"half_open_successes"`
	CallBudget        time.Duration `yaml:"call_budget"`
}

// RateLimit mirrors ratelimit.Limit in YAML-friendly form.
type RateLimit struct {
	PerInterval int           `yaml:"per_interval"`
	Interval    time.Duration `yaml:"interval"`
	Burst       int           `yaml:"burst"`
}

// ProviderRoute is one entry in the provider routing table: which named
// provider backs a task class by default.
type ProviderRoute struct {
	TaskClass string `yaml:"task_class"`
	Provider  string `yaml:"provider"`
}

// Config is the full recognized configuration surface (spec.md §6.4).
type Config struct {
	AgentWeights      map[incident.AgentKind]float64         `yaml:"agent_weights"`
	ConsensusThreshold float64                                `yaml:"consensus_threshold"`
	AgentTimeouts     map[incident.AgentKind]AgentTimeouts   `yaml:"agent_timeouts"`
	Breaker           BreakerConfig                          `yaml:"breaker"`
	RateLimits        map[string]RateLimit                   `yaml:"rate_limits"`
	ProviderRouting   []ProviderRoute                        `yaml:"provider_routing"`
	QueueCapacity     int                                    `yaml:"queue_capacity"`
	HeartbeatInterval time.Duration                          `yaml:"heartbeat_interval"`
	MaxConcurrentIncidents int                               `yaml:"max_concurrent_incidents"`
	CoordinatorDeadline    time.Duration                     `yaml:"coordinator_deadline"`
	PerMinuteCost     map[incident.Severity]float64          `yaml:"per_minute_cost"`
	BaselineMTTR      map[incident.Severity]time.Duration    `yaml:"baseline_mttr"`
	BaselineIncidentCost map[incident.Severity]float64       `yaml:"baseline_incident_cost"`
	MetricsWeights    metrics.Weights                        `yaml:"metrics_weights"`
	MetricsRetention  int                                    `yaml:"metrics_retention"`
}

// DefaultConfig returns the spec.md canonical defaults for every option,
// mirroring the teacher's retry.DefaultConfig constructor pattern.
func DefaultConfig() Config {
	weights := map[incident.AgentKind]float64{}
	for _, k := range []incident.AgentKind{
		incident.KindDetection, incident.KindDiagnosis, incident.KindPrediction,
		incident.KindResolution, incident.KindCommunication,
	} {
		w, _ := k.CanonicalWeight()
		weights[k] = w
	}

	timeouts := map[incident.AgentKind]AgentTimeouts{
		incident.KindDetection:     {Primary: 30 * time.Second, Secondary: 45 * time.Second, SafeMode: 10 * time.Second},
		incident.KindDiagnosis:     {Primary: 60 * time.Second, Secondary: 90 * time.Second, SafeMode: 15 * time.Second},
		incident.KindPrediction:    {Primary: 45 * time.Second, Secondary: 60 * time.Second, SafeMode: 10 * time.Second},
		incident.KindResolution:    {Primary: 60 * time.Second, Secondary: 90 * time.Second, SafeMode: 15 * time.Second},
		incident.KindCommunication: {Primary: 20 * time.Second, Secondary: 30 * time.Second, SafeMode: 5 * time.Second},
	}

	return Config{
		AgentWeights:       weights,
		ConsensusThreshold: 0.70,
		AgentTimeouts:      timeouts,
		Breaker: BreakerConfig{
			FailureThreshold:  5,
			CooldownPeriod:    30 * time.Second,
			HalfOpenSuccesses: 2,
			CallBudget:        30 * time.Second,
		},
		RateLimits: map[string]RateLimit{
			"chat":  {PerInterval: 1, Interval: time.Second, Burst: 1},
			"pager": {PerInterval: 2, Interval: time.Minute, Burst: 2},
			"email": {PerInterval: 10, Interval: time.Second, Burst: 10},
		},
		QueueCapacity:          256,
		HeartbeatInterval:      20 * time.Second,
		MaxConcurrentIncidents: 50,
		CoordinatorDeadline:    12 * time.Minute,
		PerMinuteCost: map[incident.Severity]float64{
			incident.SeverityLow: 10, incident.SeverityModerate: 50, incident.SeverityElevated: 150,
			incident.SeverityHigh: 400, incident.SeverityCritical: 1000,
		},
		BaselineMTTR: map[incident.Severity]time.Duration{
			incident.SeverityLow: 20 * time.Minute, incident.SeverityModerate: 40 * time.Minute,
			incident.SeverityElevated: 60 * time.Minute, incident.SeverityHigh: 90 * time.Minute,
			incident.SeverityCritical: 150 * time.Minute,
		},
		BaselineIncidentCost: map[incident.Severity]float64{
			incident.SeverityLow: 500, incident.SeverityModerate: 2500, incident.SeverityElevated: 8000,
			incident.SeverityHigh: 25000, incident.SeverityCritical: 75000,
		},
		MetricsWeights:   metrics.DefaultWeights(),
		MetricsRetention: 1000,
	}
}

// Load reads a YAML document at path over DefaultConfig, then applies
// AEGIS_-prefixed environment overrides for the handful of options ops
// teams most commonly tune per deployment.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AEGIS_CONSENSUS_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.ConsensusThreshold = f
		}
	}
	if v := os.Getenv("AEGIS_QUEUE_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.QueueCapacity = n
		}
	}
	if v := os.Getenv("AEGIS_HEARTBEAT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.HeartbeatInterval = d
		}
	}
	if v := os.Getenv("AEGIS_MAX_CONCURRENT_INCIDENTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxConcurrentIncidents = n
		}
	}
}

// BreakerConfigFor converts the YAML-friendly BreakerConfig into
// breaker.Config.
func (c Config) BreakerConfigFor() breaker.Config {
	return breaker.Config{
		FailureThreshold:  c.Breaker.FailureThreshold,
		CooldownPeriod:    c.Breaker.CooldownPeriod,
		HalfOpenSuccesses: c.Breaker.HalfOpenSuccesses,
		CallBudget:        c.Breaker.CallBudget,
	}
}

// RateLimitsFor converts the configured rate limits into a ratelimit.Registry
// seeded with this configuration's overrides layered on the canonical
// defaults.
func (c Config) RateLimitsFor() *ratelimit.Registry {
	reg := ratelimit.NewRegistry()
	for destination, l := range c.RateLimits {
		reg.Set(destination, ratelimit.Limit{PerInterval: l.PerInterval, Interval: l.Interval, Burst: l.Burst})
	}
	return reg
}

// CostInputsFor converts the configured cost/MTTR baselines into
// metrics.CostInputs.
func (c Config) CostInputsFor() metrics.CostInputs {
	return metrics.CostInputs{
		PerMinuteCost:        c.PerMinuteCost,
		BaselineMTTR:         c.BaselineMTTR,
		BaselineIncidentCost: c.BaselineIncidentCost,
	}
}
