package generation

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/branchline/branch-router/pkg/adaptercache"
	"github.com/branchline/branch-router/pkg/config"
	"github.com/branchline/branch-router/pkg/observability/logging"
)

// GenerationError reports a failed generation call. Routing falls back one
// tier; at the fallback tier it is terminal.
type GenerationError struct {
	Model string
	Err   error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation failed for model %q: %v", e.Model, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// Generator produces a completion for a prompt. A zero handle selects the
// generic fallback model. Implementations must be safe for concurrent use
// and must honor ctx cancellation.
type Generator interface {
	Generate(ctx context.Context, handle adaptercache.Handle, prompt string, maxTokens int) (string, error)
}

// Client generates completions through an OpenAI-compatible serving endpoint.
// Branch adapters are addressed by the served model name in their handle.
type Client struct {
	client        openai.Client
	fallbackModel string
	maxTokens     int
}

var _ Generator = (*Client)(nil)

// NewClient builds a generation client from configuration.
func NewClient(cfg config.GenerationConfig) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("generation endpoint is required")
	}
	if cfg.FallbackModel == "" {
		return nil, fmt.Errorf("generation fallback_model is required")
	}
	opts := []option.RequestOption{option.WithBaseURL(cfg.Endpoint)}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 512
	}
	return &Client{
		client:        openai.NewClient(opts...),
		fallbackModel: cfg.FallbackModel,
		maxTokens:     maxTokens,
	}, nil
}

// Generate calls the chat completions endpoint with the model selected by
// the handle. All failures are wrapped in *GenerationError.
func (c *Client) Generate(ctx context.Context, handle adaptercache.Handle, prompt string, maxTokens int) (string, error) {
	model := c.fallbackModel
	if !handle.IsZero() {
		model = handle.ModelID
	}
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	logging.Debugf("Querying %q (max_tokens=%d)", model, maxTokens)

	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
		MaxCompletionTokens: openai.Int(int64(maxTokens)),
	})
	if err != nil {
		return "", &GenerationError{Model: model, Err: fmt.Errorf("error calling chat completions: %w", err)}
	}
	if len(resp.Choices) == 0 {
		return "", &GenerationError{Model: model, Err: fmt.Errorf("no choices returned")}
	}
	return resp.Choices[0].Message.Content, nil
}
