// Package providers defines the uniform capability interface that abstracts
// external inference/knowledge effectors (spec.md §4.3), plus the Router
// that wraps every concrete adapter with the circuit breaker, rate limiter,
// usage metering, and health-based routing spec.md requires.
//
// Concrete adapters live in sibling packages (providers/anthropic,
// providers/openai, providers/bedrock), each wrapping the narrow subset of
// its SDK client actually used — grounded on the teacher's
// features/model/anthropic.MessagesClient pattern of capturing only the
// methods exercised, so tests can substitute mocks without a live network
// client.
package providers

import (
	"context"
	"time"
)

// TaskClass is the closed set of routing classes a caller may request.
type TaskClass string

const (
	TaskFast     TaskClass = "fast"
	TaskStandard TaskClass = "standard"
	TaskHeavy    TaskClass = "heavy"
)

// RoutingHint optionally pins a call to a specific provider; otherwise the
// Router picks the cheapest healthy provider meeting TaskClass.
type RoutingHint struct {
	Provider  string
	TaskClass TaskClass
}

// Usage reports structured metering for a single provider call.
type Usage struct {
	Provider string
	Duration time.Duration
	Units    int64 // tokens, characters, or provider-defined unit count
}

// SafetyVerdict is the closed set of safety check outcomes.
type SafetyVerdict string

const (
	SafetyAllow SafetyVerdict = "allow"
	SafetyBlock SafetyVerdict = "block"
)

// SafetyResult is the result of a SafetyCheck call.
type SafetyResult struct {
	Verdict SafetyVerdict
	Reason  string
}

// KnowledgeSnippet is one result from a KnowledgeQuery call.
type KnowledgeSnippet struct {
	Text     string
	Citation string
	Score    float64
}

// Provider is the uniform capability set every effector adapter implements.
// Any capability a given provider does not support returns a descriptive
// error rather than a zero value. The Router does not skip such a provider:
// it selects by health and cost alone, and the error reaches the caller.
type Provider interface {
	// Name identifies the provider for routing hints, usage attribution,
	// and circuit-breaker/rate-limiter destination keys.
	Name() string

	// Health reports whether the provider is currently usable. Unhealthy
	// providers are skipped by the Router (spec.md §4.3).
	Health(ctx context.Context) error

	// Cost ranks this provider's relative cost for a task class, used to
	// pick the cheapest provider meeting the class when no routing hint
	// pins a specific provider. Lower is cheaper.
	Cost(taskClass TaskClass) int

	GenerateText(ctx context.Context, prompt string, taskClass TaskClass) (text string, usage Usage, err error)
	Embed(ctx context.Context, text string) (vector []float32, usage Usage, err error)
	KnowledgeQuery(ctx context.Context, query string) (snippets []KnowledgeSnippet, usage Usage, err error)
	SafetyCheck(ctx context.Context, content string) (SafetyResult, error)
	InvokeNamedAction(ctx context.Context, name string, params map[string]any) (result map[string]any, usage Usage, err error)
}
