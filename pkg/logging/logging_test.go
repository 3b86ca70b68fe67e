package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"goa.design/clue/log"
)

func testContext() context.Context {
	return log.Context(context.Background(), log.WithFormat(log.FormatJSON))
}

func TestClueLoggerImplementsLogger(t *testing.T) {
	var _ Logger = ClueLogger{}
	require.NotNil(t, New())
}

func TestClueLoggerMethodsDoNotPanic(t *testing.T) {
	ctx := testContext()
	logger := New()

	require.NotPanics(t, func() {
		logger.Debug(ctx, "agent dispatched", "incident_id", "inc-1")
		logger.Info(ctx, "agent dispatched", "incident_id", "inc-1", "agent_kind", "diagnosis")
		logger.Warn(ctx, "provider degraded", "provider", "anthropic")
		logger.Error(ctx, "consensus escalated", "incident_id", "inc-1")
	})
}

func TestClueLoggerToleratesOddKeyvals(t *testing.T) {
	ctx := testContext()
	logger := New()

	require.NotPanics(t, func() {
		logger.Info(ctx, "dangling key", "incident_id")
	})
}

func TestWithIncidentAgentSessionAttachFields(t *testing.T) {
	ctx := testContext()

	ctx = WithIncident(ctx, "inc-42")
	ctx = WithAgent(ctx, "resolution")
	ctx = WithSession(ctx, "sess-7")

	require.NotPanics(t, func() {
		New().Info(ctx, "session update")
	})
}
