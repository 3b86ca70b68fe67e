// Package bedrock adapts the AWS Bedrock Converse API to the
// providers.Provider capability interface, grounded on the teacher's
// features/model/bedrock client: a RuntimeClient interface capturing only
// Converse (satisfied by *bedrockruntime.Client; New takes that concrete
// client and stores it in Options.Runtime), and an Options struct carrying
// per-class model identifiers.
package bedrock

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/aegis-ops/aegis/pkg/apperrors"
	"github.com/aegis-ops/aegis/pkg/providers"
)

// RuntimeClient mirrors the subset of the AWS Bedrock runtime client used by
// the adapter. Satisfied by *bedrockruntime.Client.
type RuntimeClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// Options configures the Bedrock adapter.
type Options struct {
	Runtime      RuntimeClient
	DefaultModel string
	HighModel    string
	SmallModel   string
	MaxTokens    int
	Temperature  float32
}

// Client implements providers.Provider on top of AWS Bedrock Converse.
type Client struct {
	runtime      RuntimeClient
	defaultModel string
	highModel    string
	smallModel   string
	maxTokens    int
	temperature  float32
}

// New builds a Bedrock-backed provider from an AWS Bedrock runtime client.
func New(runtime *bedrockruntime.Client, opts Options) (*Client, error) {
	if runtime == nil {
		return nil, errors.New("bedrock: runtime client is required")
	}
	opts.Runtime = runtime
	if opts.DefaultModel == "" {
		return nil, errors.New("bedrock: default model identifier is required")
	}
	return &Client{
		runtime:      opts.Runtime,
		defaultModel: opts.DefaultModel,
		highModel:    opts.HighModel,
		smallModel:   opts.SmallModel,
		maxTokens:    opts.MaxTokens,
		temperature:  opts.Temperature,
	}, nil
}

func (c *Client) Name() string { return "bedrock" }

func (c *Client) Health(ctx context.Context) error {
	_, _, err := c.GenerateText(ctx, "ping", providers.TaskFast)
	return err
}

func (c *Client) Cost(taskClass providers.TaskClass) int {
	switch taskClass {
	case providers.TaskHeavy:
		return 4 // Bedrock's cross-account inference profile surcharge
	case providers.TaskStandard:
		return 2
	default:
		return 1
	}
}

func (c *Client) GenerateText(ctx context.Context, prompt string, taskClass providers.TaskClass) (string, providers.Usage, error) {
	modelID := c.modelFor(taskClass)
	input := &bedrockruntime.ConverseInput{
		ModelId: &modelID,
		Messages: []brtypes.Message{
			{
				Role:    brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: prompt}},
			},
		},
	}
	if c.maxTokens > 0 || c.temperature > 0 {
		cfg := &brtypes.InferenceConfiguration{}
		if c.maxTokens > 0 {
			maxTokens := int32(c.maxTokens)
			cfg.MaxTokens = &maxTokens
		}
		if c.temperature > 0 {
			temp := c.temperature
			cfg.Temperature = &temp
		}
		input.InferenceConfig = cfg
	}

	output, err := c.runtime.Converse(ctx, input)
	if err != nil {
		return "", providers.Usage{}, translateError(err)
	}

	outMsg, ok := output.Output.(*brtypes.ConverseOutputMemberMessage)
	if !ok {
		return "", providers.Usage{}, apperrors.New(apperrors.KindUnavailable, "bedrock: response missing assistant message")
	}
	var text string
	for _, block := range outMsg.Value.Content {
		if tb, ok := block.(*brtypes.ContentBlockMemberText); ok {
			text += tb.Value
		}
	}
	var units int64
	if output.Usage != nil {
		if output.Usage.InputTokens != nil {
			units += int64(*output.Usage.InputTokens)
		}
		if output.Usage.OutputTokens != nil {
			units += int64(*output.Usage.OutputTokens)
		}
	}
	return text, providers.Usage{Provider: c.Name(), Units: units}, nil
}

// Embed is unsupported through the Converse API; Bedrock embedding models
// (Titan, Cohere) use the separate InvokeModel API, out of scope here.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, providers.Usage, error) {
	return nil, providers.Usage{}, apperrors.New(apperrors.KindValidationError, "bedrock: embeddings are not supported")
}

// KnowledgeQuery delegates to Bedrock Knowledge Bases via RetrieveAndGenerate
// in a full deployment; unsupported by this minimal adapter.
func (c *Client) KnowledgeQuery(ctx context.Context, query string) ([]providers.KnowledgeSnippet, providers.Usage, error) {
	return nil, providers.Usage{}, apperrors.New(apperrors.KindValidationError, "bedrock: knowledge query is not supported")
}

func (c *Client) SafetyCheck(ctx context.Context, content string) (providers.SafetyResult, error) {
	prompt := "Classify the following content as SAFE or UNSAFE for an automated incident response action. " +
		"Respond with exactly one word, SAFE or UNSAFE, followed by a one-line reason.\n\n" + content
	text, _, err := c.GenerateText(ctx, prompt, providers.TaskFast)
	if err != nil {
		return providers.SafetyResult{}, err
	}
	verdict := providers.SafetyAllow
	if len(text) >= 6 && text[:6] == "UNSAFE" {
		verdict = providers.SafetyBlock
	}
	return providers.SafetyResult{Verdict: verdict, Reason: text}, nil
}

// InvokeNamedAction is unsupported: Bedrock tool use is expressed within a
// Converse call, not as a standalone named-action RPC.
func (c *Client) InvokeNamedAction(ctx context.Context, name string, params map[string]any) (map[string]any, providers.Usage, error) {
	return nil, providers.Usage{}, apperrors.New(apperrors.KindValidationError, "bedrock: named action invocation is not supported")
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
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.Response.StatusCode {
		case 429:
			return apperrors.Wrap(apperrors.KindRateLimited, "bedrock: throttled", err)
		case 503:
			return apperrors.Wrap(apperrors.KindUnavailable, "bedrock: service unavailable", err)
		}
	}
	return fmt.Errorf("bedrock: %w", err)
}
