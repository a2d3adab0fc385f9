package retrieval

import (
	"context"
	"fmt"

	"github.com/kalambet/companion/internal/engine"
	"golang.org/x/sync/errgroup"
)

const (
	// maxBatch caps the texts sent in one batched embedding request.
	maxBatch = 32
	// maxInFlight caps concurrent single-text requests when the backend
	// cannot batch.
	maxInFlight = 4
)

// Embedder turns text into vectors with one fixed model. Ingested chunks and
// queries must go through the same Embedder for scores to be comparable.
type Embedder struct {
	engine engine.Engine
	batch  engine.BatchEmbedder
	model  string
}

// NewEmbedder creates an Embedder using the given Engine and model name.
func NewEmbedder(e engine.Engine, model string) *Embedder {
	b, _ := engine.Batch(e)
	return &Embedder{engine: e, batch: b, model: model}
}

// Model reports the embedding model name.
func (e *Embedder) Model() string { return e.model }

// Embed returns the embedding vector for a single text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := e.engine.Embed(ctx, e.model, text)
	if err != nil {
		return nil, fmt.Errorf("embedding text: %w", err)
	}
	if len(vec) == 0 {
		return nil, fmt.Errorf("embedding text: empty vector")
	}
	return vec, nil
}

// EmbedBatch returns one vector per text, in order. Backends that accept
// several inputs get them in groups of maxBatch; others are called once per
// text with bounded concurrency. Empty input yields nil.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if e.batch != nil {
		return e.embedGrouped(ctx, texts)
	}

	results := make([][]float32, len(texts))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(maxInFlight)

	for i, text := range texts {
		g.Go(func() error {
			vec, err := e.engine.Embed(gCtx, e.model, text)
			if err != nil {
				return fmt.Errorf("embedding text %d: %w", i, err)
			}
			results[i] = vec
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (e *Embedder) embedGrouped(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += maxBatch {
		end := min(start+maxBatch, len(texts))
		vecs, err := e.batch.EmbedBatch(ctx, e.model, texts[start:end])
		if err != nil {
			return nil, fmt.Errorf("embedding texts %d-%d: %w", start, end-1, err)
		}
		for i, v := range vecs {
			if len(v) == 0 {
				return nil, fmt.Errorf("embedding text %d: empty vector", start+i)
			}
		}
		results = append(results, vecs...)
	}
	return results, nil
}
