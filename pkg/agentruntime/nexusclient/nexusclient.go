// Package nexusclient is the out-of-process agentruntime.Handler backend:
// an agent kind normally run as an in-process handler (pkg/agents) can
// instead be delegated to an external Nexus operation endpoint, so a team
// can run one agent kind (e.g. resolution, which may need access to a
// private runbook service) in its own deployable without that code living
// in this repository. github.com/nexus-rpc/sdk-go is a genuine teacher
// dependency (goadesign-goa-ai's go.mod) that the teacher itself never
// calls directly in application code — it arrives transitively through
// go.temporal.io/sdk's native Nexus-operation support for workflows. This
// package is the first concrete user of it: an agentruntime.Handler that
// starts a synchronous Nexus operation and waits for its result, so tasks
// can cross a process (and potentially language) boundary the same way a
// Temporal workflow would call out to a Nexus-backed service.
package nexusclient

import (
	"context"
	"fmt"

	"github.com/nexus-rpc/sdk-go/nexus"

	"github.com/aegis-ops/aegis/pkg/aegis/incident"
	"github.com/aegis-ops/aegis/pkg/agentruntime"
	"github.com/aegis-ops/aegis/pkg/providers"
)

// operationInput is the payload carried over the Nexus operation; it
// mirrors what pkg/agents's in-process handlers compute internally
// (incident state plus a routing hint) so an external operation has
// everything it needs without a callback into this process.
type operationInput struct {
	Kind     incident.AgentKind    `json:"kind"`
	Incident incident.Incident     `json:"incident"`
	Hint     providers.RoutingHint `json:"routing_hint"`
}

// operationOutput is the external operation's response, decoded straight
// into the domain result type.
type operationOutput struct {
	Result incident.AgentResult `json:"result"`
}

// Client calls a single external Nexus service exposing one operation per
// agent kind (operation name equals the agent kind, e.g. "resolution").
type Client struct {
	http *nexus.HTTPClient
}

// New constructs a Client against baseURL, the external service's Nexus
// endpoint. service identifies the Nexus service name the endpoint serves.
func New(baseURL, service string) (*Client, error) {
	c, err := nexus.NewHTTPClient(nexus.HTTPClientOptions{
		BaseURL: baseURL,
		Service: service,
	})
	if err != nil {
		return nil, fmt.Errorf("nexusclient: build http client: %w", err)
	}
	return &Client{http: c}, nil
}

// Handler returns an agentruntime.Handler that delegates kind's work to
// this client's Nexus endpoint via a synchronous operation named after
// kind. It is wired into an AgentTask's primary or secondary tier exactly
// like an in-process pkg/agents handler — the fallback chain in
// agentruntime.Runner does not distinguish local from remote handlers.
func (c *Client) Handler(kind incident.AgentKind) agentruntime.Handler {
	return func(ctx context.Context, inc incident.Incident, _ *providers.Router, hint providers.RoutingHint) (incident.AgentResult, error) {
		in := operationInput{Kind: kind, Incident: inc, Hint: hint}

		result, err := nexus.ExecuteOperation(ctx, c.http, nexus.ExecuteOperationOptions{
			Operation: string(kind),
			Input:     in,
		})
		if err != nil {
			return incident.AgentResult{}, fmt.Errorf("nexusclient: operation %q: %w", kind, err)
		}

		var out operationOutput
		if err := result.Consume(&out); err != nil {
			return incident.AgentResult{}, fmt.Errorf("nexusclient: decode %q result: %w", kind, err)
		}
		return out.Result, nil
	}
}

// OperationFor is the serve-side glue: it exposes a local
// agentruntime.Handler as a Nexus operation, the inverse direction of
// Client — used when this process is the one hosting the external
// operation another aegis-server deployment calls into.
func OperationFor(kind incident.AgentKind, handler agentruntime.Handler, router *providers.Router) nexus.Operation[operationInput, operationOutput] {
	return nexus.NewSyncOperation(string(kind), func(ctx context.Context, in operationInput, _ nexus.StartOperationOptions) (operationOutput, error) {
		result, err := handler(ctx, in.Incident, router, in.Hint)
		if err != nil {
			return operationOutput{}, err
		}
		return operationOutput{Result: result}, nil
	})
}

// NewHTTPHandler builds the inbound http.Handler serving every operation
// in ops. cmd/aegis-server does not mount one.
func NewHTTPHandler(service string, ops ...nexus.Operation[operationInput, operationOutput]) (*nexus.HTTPHandler, error) {
	reg := nexus.NewServiceRegistry()
	svc := nexus.NewService(service)
	for _, op := range ops {
		if err := svc.Register(op); err != nil {
			return nil, fmt.Errorf("nexusclient: register operation: %w", err)
		}
	}
	if err := reg.Register(svc); err != nil {
		return nil, fmt.Errorf("nexusclient: register service: %w", err)
	}
	return nexus.NewHTTPHandler(nexus.HandlerOptions{Registry: reg})
}
