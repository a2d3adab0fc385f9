package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

var (
	_ Engine        = (*OpenAIEngine)(nil)
	_ BatchEmbedder = (*OpenAIEngine)(nil)
)

const (
	maxRetries     = 3
	initialBackoff = 500 * time.Millisecond
)

// OpenAIEngine talks to the OpenAI API or any server implementing its chat
// completions and embeddings endpoints.
type OpenAIEngine struct {
	client  *openai.Client
	backoff time.Duration
}

// NewOpenAIEngine creates an engine for apiKey. An empty baseURL uses the
// public OpenAI endpoint.
func NewOpenAIEngine(apiKey, baseURL string) *OpenAIEngine {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIEngine{client: openai.NewClientWithConfig(cfg), backoff: initialBackoff}
}

func (e *OpenAIEngine) Name() string { return "openai" }

// Generate sends the prompt as a single user message and streams the reply.
// Opening the stream is retried with exponential backoff on HTTP 429.
func (e *OpenAIEngine) Generate(ctx context.Context, req GenerateRequest, onChunk func(string) error) error {
	ccr := openai.ChatCompletionRequest{
		Model:     req.Model,
		MaxTokens: req.MaxTokens,
		Stop:      req.Stop,
		Stream:    true,
		Messages: []openai.ChatCompletionMessage{{
			Role:    openai.ChatMessageRoleUser,
			Content: req.Prompt,
		}},
	}

	var stream *openai.ChatCompletionStream
	err := e.retry(ctx, func() error {
		var err error
		stream, err = e.client.CreateChatCompletionStream(ctx, ccr)
		return err
	})
	if err != nil {
		return fmt.Errorf("opening completion stream: %w", err)
	}
	defer stream.Close()

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading completion stream: %w", err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		if delta := resp.Choices[0].Delta.Content; delta != "" {
			if err := onChunk(delta); err != nil {
				return stopped(err)
			}
		}
	}
}

func (e *OpenAIEngine) Embed(ctx context.Context, model string, text string) ([]float32, error) {
	var resp openai.EmbeddingResponse
	err := e.retry(ctx, func() error {
		var err error
		resp, err = e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Model: openai.EmbeddingModel(model),
			Input: []string{text},
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("creating embedding: %w", err)
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("embed: empty embeddings array")
	}
	return resp.Data[0].Embedding, nil
}

// EmbedBatch embeds texts in a single request.
func (e *OpenAIEngine) EmbedBatch(ctx context.Context, model string, texts []string) ([][]float32, error) {
	var resp openai.EmbeddingResponse
	err := e.retry(ctx, func() error {
		var err error
		resp, err = e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Model: openai.EmbeddingModel(model),
			Input: texts,
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("creating embeddings: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embed: got %d embeddings for %d inputs", len(resp.Data), len(texts))
	}
	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("embed: index %d out of range", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}

func (e *OpenAIEngine) retry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := range maxRetries {
		if err = fn(); err == nil || !isRateLimit(err) {
			return err
		}
		if attempt < maxRetries-1 {
			backoff := time.Duration(float64(e.backoff) * math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return fmt.Errorf("rate limited after %d retries: %w", maxRetries, err)
}

func isRateLimit(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == http.StatusTooManyRequests
	}
	return false
}
