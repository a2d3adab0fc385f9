package engine

import (
	"context"

	"github.com/kalambet/companion/internal/ollama"
)

var (
	_ Engine        = (*OllamaEngine)(nil)
	_ ModelManager  = (*OllamaEngine)(nil)
	_ BatchEmbedder = (*OllamaEngine)(nil)
)

// OllamaEngine adapts the internal/ollama.Client to the Engine interface.
type OllamaEngine struct {
	client *ollama.Client
}

// NewOllamaEngine creates an OllamaEngine backed by an Ollama server at baseURL.
func NewOllamaEngine(baseURL string) *OllamaEngine {
	return &OllamaEngine{client: ollama.New(baseURL)}
}

func (e *OllamaEngine) Name() string { return "ollama" }

func (e *OllamaEngine) Generate(ctx context.Context, req GenerateRequest, onChunk func(string) error) error {
	var opts *ollama.GenerateOptions
	if req.MaxTokens > 0 || len(req.Stop) > 0 {
		opts = &ollama.GenerateOptions{NumPredict: req.MaxTokens, Stop: req.Stop}
	}
	return stopped(e.client.Generate(ctx, req.Model, req.Prompt, opts, onChunk))
}

func (e *OllamaEngine) Embed(ctx context.Context, model string, text string) ([]float32, error) {
	return e.client.Embed(ctx, model, text)
}

func (e *OllamaEngine) EmbedBatch(ctx context.Context, model string, texts []string) ([][]float32, error) {
	return e.client.EmbedBatch(ctx, model, texts)
}

func (e *OllamaEngine) IsRunning(ctx context.Context) bool {
	return e.client.IsRunning(ctx)
}

func (e *OllamaEngine) HasModel(ctx context.Context, name string) bool {
	return e.client.HasModel(ctx, name)
}

func (e *OllamaEngine) PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error {
	var cb func(ollama.PullProgress)
	if onProgress != nil {
		cb = func(p ollama.PullProgress) {
			onProgress(PullProgress{
				Status:    p.Status,
				Total:     p.Total,
				Completed: p.Completed,
			})
		}
	}
	return e.client.PullModel(ctx, name, cb)
}
