// Package logging wraps goa.design/clue/log the same way the teacher's
// runtime/agents/telemetry package does: a small Logger interface so
// callers can stub it in tests, a Clue-backed implementation for
// production, plus the incident/agent/session correlation fields this
// repository's log lines need that the teacher's generic runtime logger
// has no occasion to carry.
package logging

import (
	"context"

	"goa.design/clue/log"
)

// Logger captures the structured logging surface used throughout Aegis.
// Intentionally small so tests can provide lightweight stubs, mirroring
// the teacher's telemetry.Logger.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}

// ClueLogger delegates to goa.design/clue/log. Formatting/debug settings
// are read from the context, set once at process start via
// log.Context/log.WithFormat/log.WithDebug.
type ClueLogger struct{}

// New constructs a Logger backed by Clue.
func New() Logger { return ClueLogger{} }

func (ClueLogger) Debug(ctx context.Context, msg string, keyvals ...any) {
	log.Debug(ctx, fielders(msg, keyvals)...)
}

func (ClueLogger) Info(ctx context.Context, msg string, keyvals ...any) {
	log.Info(ctx, fielders(msg, keyvals)...)
}

func (ClueLogger) Warn(ctx context.Context, msg string, keyvals ...any) {
	fs := append(fielders(msg, keyvals), log.KV{K: "severity", V: "warning"})
	log.Warn(ctx, fs...)
}

func (ClueLogger) Error(ctx context.Context, msg string, keyvals ...any) {
	log.Error(ctx, nil, fielders(msg, keyvals)...)
}

func fielders(msg string, keyvals []any) []log.Fielder {
	fielders := []log.Fielder{log.KV{K: "msg", V: msg}}
	for i := 0; i+1 < len(keyvals); i += 2 {
		k, ok := keyvals[i].(string)
		if !ok {
			continue
		}
		fielders = append(fielders, log.KV{K: k, V: keyvals[i+1]})
	}
	return fielders
}

// WithIncident returns a context carrying the incident_id correlation
// field, applied to every log line emitted through it (spec.md §6.2:
// "every log line carries incident_id, agent_kind (if applicable), and
// session_id (if applicable)").
func WithIncident(ctx context.Context, incidentID string) context.Context {
	return log.With(ctx, log.KV{K: "incident_id", V: incidentID})
}

// WithAgent adds the agent_kind correlation field on top of whatever
// fields are already attached to ctx.
func WithAgent(ctx context.Context, agentKind string) context.Context {
	return log.With(ctx, log.KV{K: "agent_kind", V: agentKind})
}

// WithSession adds the session_id correlation field on top of whatever
// fields are already attached to ctx.
func WithSession(ctx context.Context, sessionID string) context.Context {
	return log.With(ctx, log.KV{K: "session_id", V: sessionID})
}
