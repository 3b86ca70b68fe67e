package main

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aegis-ops/aegis/pkg/agentruntime"
	"github.com/aegis-ops/aegis/pkg/config"
	"github.com/aegis-ops/aegis/pkg/eventstore/inmem"
	"github.com/aegis-ops/aegis/pkg/logging"
	"github.com/aegis-ops/aegis/pkg/providers"
	"github.com/aegis-ops/aegis/pkg/streamfabric/localbus"
	"github.com/aegis-ops/aegis/pkg/swarm/localengine"
)

func TestBudgetsFromConvertsEveryConfiguredAgentKind(t *testing.T) {
	cfg := config.DefaultConfig()
	budgets := budgetsFrom(cfg)

	for kind, timeouts := range cfg.AgentTimeouts {
		b, ok := budgets[kind]
		require.True(t, ok, "missing budget for %s", kind)
		require.Equal(t, timeouts.Primary, b.Primary)
		require.Equal(t, timeouts.Secondary, b.Secondary)
		require.Equal(t, timeouts.SafeMode, b.SafeMode)
	}
}

func TestBuildRouterWithNoCredentialsProducesEmptyRouter(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("AWS_REGION", "")

	router := buildRouter(context.Background(), config.DefaultConfig())
	require.NotNil(t, router)
	defer router.Close()

	_, err := router.Select(providers.RoutingHint{})
	require.Error(t, err)
}

func TestBuildBusDefaultsToLocal(t *testing.T) {
	bus := buildBus(context.Background(), "local", "localhost:6379", logging.New())
	_, ok := bus.(*localbus.Bus)
	require.True(t, ok)
}

func TestBuildBusUnknownKindDefaultsToLocal(t *testing.T) {
	bus := buildBus(context.Background(), "something-else", "localhost:6379", logging.New())
	_, ok := bus.(*localbus.Bus)
	require.True(t, ok)
}

func TestBuildEngineDefaultsToLocal(t *testing.T) {
	store := inmem.New()
	router := providers.NewRouter(nil)
	defer router.Close()
	runner := agentruntime.NewRunner(store, router)

	var wg sync.WaitGroup
	eng := buildEngine(context.Background(), "local", "localhost:7233", runner, &wg)
	_, ok := eng.(*localengine.Engine)
	require.True(t, ok)
}

func TestBuildEngineUnreachableTemporalFallsBackToLocal(t *testing.T) {
	store := inmem.New()
	router := providers.NewRouter(nil)
	defer router.Close()
	runner := agentruntime.NewRunner(store, router)

	var wg sync.WaitGroup
	// No Temporal frontend listens on this port in the test environment,
	// so Dial (or the subsequent worker Start) must fail and buildEngine
	// must fall back rather than return a half-initialized engine.
	eng := buildEngine(context.Background(), "temporal", "127.0.0.1:1", runner, &wg)
	_, ok := eng.(*localengine.Engine)
	require.True(t, ok)
	wg.Wait()
}
