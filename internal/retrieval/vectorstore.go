package retrieval

import (
	"context"
	"time"
)

// VectorStore is the interface for vector storage and similarity search backends.
// SQLiteStore is the default; ChromemStore keeps vectors in process memory and
// PostgresStore uses the pgvector extension.
type VectorStore interface {
	// Insert adds records. Records with an existing ID are replaced.
	Insert(ctx context.Context, records []Record) error

	// Search returns the top-K records most similar to vector, best first.
	// Only records matching filter are considered.
	Search(ctx context.Context, vector []float32, topK int, filter Filter) ([]ScoredRecord, error)

	// DeleteBySource removes every record derived from the given source document.
	DeleteBySource(ctx context.Context, sourceID string) error

	// Count returns the number of stored records.
	Count(ctx context.Context) (int, error)
}

// Filter restricts a search. An empty SourceFile matches all records.
type Filter struct {
	SourceFile string
}

// Record represents a row in the vector store. SourceFile is the persona
// document namespace the chunk belongs to.
type Record struct {
	ID         string
	SourceID   string
	SourceFile string
	TextChunk  string
	Embedding  []float32
	CreatedAt  time.Time
}

// ScoredRecord is a Record with a similarity score attached.
type ScoredRecord struct {
	Record
	Score float32
}
