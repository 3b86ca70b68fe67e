// Package anthropic adapts the Anthropic Claude Messages API to the
// providers.Provider capability interface. It is grounded on the teacher's
// features/model/anthropic client: a MessagesClient interface capturing
// only the SDK methods used, so tests can substitute a mock instead of a
// live network client.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/aegis-ops/aegis/pkg/apperrors"
	"github.com/aegis-ops/aegis/pkg/providers"
)

// MessagesClient captures the subset of the Anthropic SDK used by the
// adapter. Satisfied by *sdk.MessageService.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Options configures the Anthropic adapter.
type Options struct {
	DefaultModel string
	HighModel    string
	SmallModel   string
	MaxTokens    int
	Temperature  float64
}

// Client implements providers.Provider on top of Anthropic Claude Messages.
type Client struct {
	msg          MessagesClient
	defaultModel string
	highModel    string
	smallModel   string
	maxTokens    int
	temperature  float64
}

// New builds an Anthropic-backed provider from an existing Messages client.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic: client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("anthropic: default model identifier is required")
	}
	return &Client{
		msg:          msg,
		defaultModel: opts.DefaultModel,
		highModel:    opts.HighModel,
		smallModel:   opts.SmallModel,
		maxTokens:    opts.MaxTokens,
		temperature:  opts.Temperature,
	}, nil
}

// NewFromAPIKey constructs a client using the default Anthropic HTTP client,
// reading ANTHROPIC_API_KEY conventions via option.WithAPIKey.
func NewFromAPIKey(apiKey string, opts Options) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, opts)
}

func (c *Client) Name() string { return "anthropic" }

func (c *Client) Health(ctx context.Context) error {
	// The Messages API has no dedicated health endpoint; a minimal
	// completion with a tight budget stands in for a liveness probe.
	_, _, err := c.GenerateText(ctx, "ping", providers.TaskFast)
	return err
}

func (c *Client) Cost(taskClass providers.TaskClass) int {
	switch taskClass {
	case providers.TaskHeavy:
		return 3
	case providers.TaskStandard:
		return 2
	default:
		return 1
	}
}

func (c *Client) GenerateText(ctx context.Context, prompt string, taskClass providers.TaskClass) (string, providers.Usage, error) {
	modelID := c.modelFor(taskClass)
	maxTokens := c.maxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(modelID),
		MaxTokens: int64(maxTokens),
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(prompt))},
	}
	if c.temperature > 0 {
		params.Temperature = sdk.Float(c.temperature)
	}

	msg, err := c.msg.New(ctx, params)
	if err != nil {
		return "", providers.Usage{}, translateError(err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if tb, ok := block.AsAny().(sdk.TextBlock); ok {
			text.WriteString(tb.Text)
		}
	}
	usage := providers.Usage{
		Provider: c.Name(),
		Units:    msg.Usage.InputTokens + msg.Usage.OutputTokens,
	}
	return text.String(), usage, nil
}

// Embed is unsupported: Anthropic does not expose an embeddings endpoint.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, providers.Usage, error) {
	return nil, providers.Usage{}, apperrors.New(apperrors.KindValidationError, "anthropic: embeddings are not supported")
}

// KnowledgeQuery is unsupported; Anthropic has no retrieval endpoint of its
// own. The Router does not fall back to another provider on this error.
func (c *Client) KnowledgeQuery(ctx context.Context, query string) ([]providers.KnowledgeSnippet, providers.Usage, error) {
	return nil, providers.Usage{}, apperrors.New(apperrors.KindValidationError, "anthropic: knowledge query is not supported")
}

// SafetyCheck asks the model to classify content as allow/block, reusing
// GenerateText with a fixed instruction prefix rather than a dedicated
// moderation endpoint (Anthropic has none).
func (c *Client) SafetyCheck(ctx context.Context, content string) (providers.SafetyResult, error) {
	prompt := "Classify the following content as SAFE or UNSAFE for an automated incident response action. " +
		"Respond with exactly one word, SAFE or UNSAFE, followed by a one-line reason.\n\n" + content
	text, _, err := c.GenerateText(ctx, prompt, providers.TaskFast)
	if err != nil {
		return providers.SafetyResult{}, err
	}
	verdict := providers.SafetyAllow
	if strings.HasPrefix(strings.ToUpper(strings.TrimSpace(text)), "UNSAFE") {
		verdict = providers.SafetyBlock
	}
	return providers.SafetyResult{Verdict: verdict, Reason: strings.TrimSpace(text)}, nil
}

// InvokeNamedAction is unsupported: Anthropic's Messages API exposes
// tool-use within a conversation, not a standalone named-action RPC.
func (c *Client) InvokeNamedAction(ctx context.Context, name string, params map[string]any) (map[string]any, providers.Usage, error) {
	return nil, providers.Usage{}, apperrors.New(apperrors.KindValidationError, "anthropic: named action invocation is not supported")
}

func (c *Client) modelFor(taskClass providers.TaskClass) string {
	switch taskClass {
	case providers.TaskHeavy:
		if c.highModel != "" {
			return c.highModel
		}
	case providers.TaskFast:
		if c.smallModel != "" {
			return c.smallModel
		}
	}
	return c.defaultModel
}

func translateError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 429:
			return apperrors.Wrap(apperrors.KindRateLimited, "anthropic: rate limited", err)
		case 503, 529:
			return apperrors.Wrap(apperrors.KindUnavailable, "anthropic: overloaded", err)
		}
	}
	return fmt.Errorf("anthropic: %w", err)
}
