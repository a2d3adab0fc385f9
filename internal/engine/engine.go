package engine

import (
	"context"
	"errors"
)

// ErrStop may be returned by a Generate callback to end the stream early.
// Generate then returns nil.
var ErrStop = errors.New("stop generation")

// Engine abstracts a text generation and embedding backend (Ollama, an
// OpenAI-compatible server, or Anthropic). The chat pipeline and the
// retrieval embedder depend on this interface instead of a concrete client.
type Engine interface {
	// Generate completes req.Prompt, passing each text delta to onChunk in
	// order.
	Generate(ctx context.Context, req GenerateRequest, onChunk func(string) error) error

	// Embed returns the embedding vector for the given text using the specified model.
	Embed(ctx context.Context, model string, text string) ([]float32, error)

	// Name identifies the backend in logs and status output.
	Name() string
}

// GenerateRequest is a single raw-prompt completion.
type GenerateRequest struct {
	Model     string
	Prompt    string
	MaxTokens int
	Stop      []string
}

// ModelManager is implemented by engines that host models locally and can
// download missing ones.
type ModelManager interface {
	IsRunning(ctx context.Context) bool
	HasModel(ctx context.Context, name string) bool
	PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error
}

// PullProgress is one progress update while a model downloads.
type PullProgress struct {
	Status    string
	Total     int64
	Completed int64
}

// BatchEmbedder is implemented by engines that embed several texts in one
// request. Vectors come back in input order.
type BatchEmbedder interface {
	EmbedBatch(ctx context.Context, model string, texts []string) ([][]float32, error)
}

// stopped maps a callback's ErrStop to a clean return.
func stopped(err error) error {
	if errors.Is(err, ErrStop) {
		return nil
	}
	return err
}
