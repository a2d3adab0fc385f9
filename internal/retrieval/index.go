package retrieval

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// DefaultTopK is the number of documents returned when k is not positive.
const DefaultTopK = 3

// Scope limits a search to one persona's documents.
type Scope struct {
	SourceFile string
}

// Metadata describes where a Document came from.
type Metadata struct {
	SourceFile string `json:"source_file"`
}

// Document is one search hit.
type Document struct {
	Content  string   `json:"content"`
	Metadata Metadata `json:"metadata"`
	Score    float32  `json:"score"`
}

// DegradedError reports that retrieval failed and the caller received no
// context. It is never fatal to a chat request.
type DegradedError struct {
	Op  string
	Err error
}

func (e *DegradedError) Error() string {
	return fmt.Sprintf("retrieval degraded (%s): %v", e.Op, e.Err)
}

func (e *DegradedError) Unwrap() error { return e.Err }

// Index answers similarity queries over persona documents by embedding the
// query text and searching a VectorStore.
type Index struct {
	store    VectorStore
	embedder *Embedder
	timeout  time.Duration
}

// NewIndex creates an Index. A zero timeout leaves the call bounded only by ctx.
func NewIndex(store VectorStore, embedder *Embedder, timeout time.Duration) *Index {
	return &Index{store: store, embedder: embedder, timeout: timeout}
}

// Store returns the underlying VectorStore.
func (ix *Index) Store() VectorStore { return ix.store }

// Search returns at most k documents most similar to query within scope,
// best first. Any failure yields nil documents and a *DegradedError.
func (ix *Index) Search(ctx context.Context, query string, k int, scope Scope) ([]Document, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	if k <= 0 {
		k = DefaultTopK
	}
	if ix.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ix.timeout)
		defer cancel()
	}

	vec, err := ix.embedder.Embed(ctx, query)
	if err != nil {
		return nil, &DegradedError{Op: "embed", Err: err}
	}

	hits, err := ix.store.Search(ctx, vec, k, Filter{SourceFile: scope.SourceFile})
	if err != nil {
		return nil, &DegradedError{Op: "search", Err: err}
	}

	docs := make([]Document, len(hits))
	for i, h := range hits {
		docs[i] = Document{
			Content:  h.TextChunk,
			Metadata: Metadata{SourceFile: h.SourceFile},
			Score:    h.Score,
		}
	}
	return docs, nil
}
