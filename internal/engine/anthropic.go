package engine

import (
	"context"
	"fmt"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

var _ Engine = (*AnthropicEngine)(nil)

const defaultAnthropicMaxTokens = 1024

// AnthropicEngine generates text with the Anthropic Messages API. It has no
// embeddings endpoint, so it is always paired with another engine for Embed.
type AnthropicEngine struct {
	client anthropic.Client
}

// NewAnthropicEngine creates an engine for apiKey. baseURL is optional.
func NewAnthropicEngine(apiKey, baseURL string) *AnthropicEngine {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &AnthropicEngine{client: anthropic.NewClient(opts...)}
}

func (e *AnthropicEngine) Name() string { return "anthropic" }

func (e *AnthropicEngine) Generate(ctx context.Context, req GenerateRequest, onChunk func(string) error) error {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:         anthropic.Model(req.Model),
		MaxTokens:     int64(maxTokens),
		StopSequences: req.Stop,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}

	stream := e.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	for stream.Next() {
		evt, ok := stream.Current().AsAny().(anthropic.ContentBlockDeltaEvent)
		if !ok {
			continue
		}
		if delta, ok := evt.Delta.AsAny().(anthropic.TextDelta); ok && delta.Text != "" {
			if err := onChunk(delta.Text); err != nil {
				return stopped(err)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return fmt.Errorf("anthropic stream: %w", err)
	}
	return nil
}

func (e *AnthropicEngine) Embed(context.Context, string, string) ([]float32, error) {
	return nil, fmt.Errorf("anthropic engine does not support embeddings")
}
