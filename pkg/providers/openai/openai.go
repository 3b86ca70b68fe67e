// Package openai adapts the OpenAI Chat Completions and Embeddings APIs to
// the providers.Provider capability interface, in the same structural idiom
// as the teacher's features/model/openai adapter (narrow client-subset
// interface, Options struct, New/NewFromAPIKey constructors). The teacher's
// go.mod pins github.com/openai/openai-go, so this adapter targets that SDK
// rather than the community client referenced in the teacher's adapter
// comment.
package openai

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/aegis-ops/aegis/pkg/apperrors"
	"github.com/aegis-ops/aegis/pkg/providers"
)

// ChatClient captures the subset of the OpenAI SDK used for completions.
type ChatClient interface {
	New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// EmbeddingsClient captures the subset of the OpenAI SDK used for embeddings.
type EmbeddingsClient interface {
	New(ctx context.Context, params openai.EmbeddingNewParams, opts ...option.RequestOption) (*openai.CreateEmbeddingResponse, error)
}

// ModerationsClient captures the subset used for SafetyCheck.
type ModerationsClient interface {
	New(ctx context.Context, params openai.ModerationNewParams, opts ...option.RequestOption) (*openai.ModerationNewResponse, error)
}

// Options configures the OpenAI adapter.
type Options struct {
	Chat           ChatClient
	Embeddings     EmbeddingsClient
	Moderations    ModerationsClient
	DefaultModel   string
	HeavyModel     string
	FastModel      string
	EmbeddingModel string
}

// Client implements providers.Provider on top of OpenAI's hosted APIs.
type Client struct {
	chat           ChatClient
	embeddings     EmbeddingsClient
	moderations    ModerationsClient
	defaultModel   string
	heavyModel     string
	fastModel      string
	embeddingModel string
}

// New builds an OpenAI-backed provider from the provided clients.
func New(opts Options) (*Client, error) {
	if opts.Chat == nil {
		return nil, errors.New("openai: chat client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("openai: default model is required")
	}
	return &Client{
		chat:           opts.Chat,
		embeddings:     opts.Embeddings,
		moderations:    opts.Moderations,
		defaultModel:   opts.DefaultModel,
		heavyModel:     opts.HeavyModel,
		fastModel:      opts.FastModel,
		embeddingModel: opts.EmbeddingModel,
	}, nil
}

// NewFromAPIKey constructs a client using the default OpenAI HTTP client.
func NewFromAPIKey(apiKey string, opts Options) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	cl := openai.NewClient(option.WithAPIKey(apiKey))
	opts.Chat = &cl.Chat.Completions
	opts.Embeddings = &cl.Embeddings
	opts.Moderations = &cl.Moderations
	return New(opts)
}

func (c *Client) Name() string { return "openai" }

func (c *Client) Health(ctx context.Context) error {
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
	params := openai.ChatCompletionNewParams{
		Model: c.modelFor(taskClass),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
	}
	resp, err := c.chat.New(ctx, params)
	if err != nil {
		return "", providers.Usage{}, translateError(err)
	}
	if len(resp.Choices) == 0 {
		return "", providers.Usage{}, apperrors.New(apperrors.KindUnavailable, "openai: empty choice set")
	}
	usage := providers.Usage{
		Provider: c.Name(),
		Units:    resp.Usage.TotalTokens,
	}
	return resp.Choices[0].Message.Content, usage, nil
}

func (c *Client) Embed(ctx context.Context, text string) ([]float32, providers.Usage, error) {
	if c.embeddings == nil {
		return nil, providers.Usage{}, apperrors.New(apperrors.KindValidationError, "openai: embeddings client not configured")
	}
	model := c.embeddingModel
	if model == "" {
		model = "text-embedding-3-small"
	}
	resp, err := c.embeddings.New(ctx, openai.EmbeddingNewParams{
		Model: model,
		Input: openai.EmbeddingNewParamsInputUnion{OfString: openai.String(text)},
	})
	if err != nil {
		return nil, providers.Usage{}, translateError(err)
	}
	if len(resp.Data) == 0 {
		return nil, providers.Usage{}, apperrors.New(apperrors.KindUnavailable, "openai: empty embedding response")
	}
	vec := make([]float32, len(resp.Data[0].Embedding))
	for i, v := range resp.Data[0].Embedding {
		vec[i] = float32(v)
	}
	return vec, providers.Usage{Provider: c.Name(), Units: resp.Usage.TotalTokens}, nil
}

// KnowledgeQuery is unsupported: OpenAI's hosted API has no general
// retrieval endpoint outside of the Assistants file-search tool, which is
// out of scope for this uniform interface.
func (c *Client) KnowledgeQuery(ctx context.Context, query string) ([]providers.KnowledgeSnippet, providers.Usage, error) {
	return nil, providers.Usage{}, apperrors.New(apperrors.KindValidationError, "openai: knowledge query is not supported")
}

func (c *Client) SafetyCheck(ctx context.Context, content string) (providers.SafetyResult, error) {
	if c.moderations == nil {
		return providers.SafetyResult{}, apperrors.New(apperrors.KindValidationError, "openai: moderations client not configured")
	}
	resp, err := c.moderations.New(ctx, openai.ModerationNewParams{
		Input: openai.ModerationNewParamsInputUnion{OfString: openai.String(content)},
	})
	if err != nil {
		return providers.SafetyResult{}, translateError(err)
	}
	if len(resp.Results) == 0 {
		return providers.SafetyResult{}, apperrors.New(apperrors.KindUnavailable, "openai: empty moderation response")
	}
	result := resp.Results[0]
	if result.Flagged {
		return providers.SafetyResult{Verdict: providers.SafetyBlock, Reason: "flagged by moderation endpoint"}, nil
	}
	return providers.SafetyResult{Verdict: providers.SafetyAllow}, nil
}

// InvokeNamedAction is unsupported: OpenAI function-calling is expressed
// within a chat completion, not as a standalone named-action RPC.
func (c *Client) InvokeNamedAction(ctx context.Context, name string, params map[string]any) (map[string]any, providers.Usage, error) {
	return nil, providers.Usage{}, apperrors.New(apperrors.KindValidationError, "openai: named action invocation is not supported")
}

func (c *Client) modelFor(taskClass providers.TaskClass) string {
	switch taskClass {
	case providers.TaskHeavy:
		if c.heavyModel != "" {
			return c.heavyModel
		}
	case providers.TaskFast:
		if c.fastModel != "" {
			return c.fastModel
		}
	}
	return c.defaultModel
}

func translateError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 429:
			return apperrors.Wrap(apperrors.KindRateLimited, "openai: rate limited", err)
		case 503:
			return apperrors.Wrap(apperrors.KindUnavailable, "openai: service unavailable", err)
		}
	}
	return fmt.Errorf("openai: %w", err)
}
