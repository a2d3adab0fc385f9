package retrieval

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	chromem "github.com/philippgille/chromem-go"
)

var _ VectorStore = (*ChromemStore)(nil)

const chromemCollection = "context_vectors"

// ChromemStore keeps vectors in an embedded chromem-go database persisted
// under the data directory. All persona documents share one collection and
// are told apart by the source_file metadata key.
type ChromemStore struct {
	db  *chromem.DB
	col *chromem.Collection
}

// NewChromemStore opens a persistent chromem database in dir. An empty dir
// keeps everything in memory.
func NewChromemStore(dir string) (*ChromemStore, error) {
	var db *chromem.DB
	if dir == "" {
		db = chromem.NewDB()
	} else {
		var err error
		db, err = chromem.NewPersistentDB(filepath.Join(dir, "chromem"), false)
		if err != nil {
			return nil, fmt.Errorf("opening chromem db: %w", err)
		}
	}

	// Embeddings are always supplied by the caller, so the collection's own
	// embedding func is never invoked.
	col, err := db.GetOrCreateCollection(chromemCollection, nil, noEmbed)
	if err != nil {
		return nil, fmt.Errorf("creating collection: %w", err)
	}
	return &ChromemStore{db: db, col: col}, nil
}

func noEmbed(context.Context, string) ([]float32, error) {
	return nil, fmt.Errorf("chromem store requires precomputed embeddings")
}

func (s *ChromemStore) Insert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	docs := make([]chromem.Document, len(records))
	for i, r := range records {
		createdAt := r.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		docs[i] = chromem.Document{
			ID:        r.ID,
			Content:   r.TextChunk,
			Embedding: r.Embedding,
			Metadata: map[string]string{
				"source_id":   r.SourceID,
				"source_file": r.SourceFile,
				"created_at":  createdAt.UTC().Format(time.RFC3339),
			},
		}
	}
	if err := s.col.AddDocuments(ctx, docs, 4); err != nil {
		return fmt.Errorf("adding documents: %w", err)
	}
	return nil
}

func (s *ChromemStore) Search(ctx context.Context, vector []float32, topK int, filter Filter) ([]ScoredRecord, error) {
	// chromem-go rejects nResults larger than the collection.
	if n := s.col.Count(); topK > n {
		topK = n
	}
	if topK <= 0 {
		return nil, nil
	}

	var where map[string]string
	if filter.SourceFile != "" {
		where = map[string]string{"source_file": filter.SourceFile}
	}

	results, err := s.col.QueryEmbedding(ctx, vector, topK, where, nil)
	if err != nil {
		if strings.Contains(err.Error(), "no documents") {
			return nil, nil
		}
		return nil, fmt.Errorf("chromem query: %w", err)
	}

	out := make([]ScoredRecord, 0, len(results))
	for _, r := range results {
		rec := Record{
			ID:         r.ID,
			SourceID:   r.Metadata["source_id"],
			SourceFile: r.Metadata["source_file"],
			TextChunk:  r.Content,
		}
		rec.CreatedAt, _ = time.Parse(time.RFC3339, r.Metadata["created_at"])
		out = append(out, ScoredRecord{Record: rec, Score: r.Similarity})
	}
	sortByScore(out)
	return out, nil
}

func (s *ChromemStore) DeleteBySource(ctx context.Context, sourceID string) error {
	if err := s.col.Delete(ctx, map[string]string{"source_id": sourceID}, nil); err != nil {
		return fmt.Errorf("deleting vectors for %s: %w", sourceID, err)
	}
	return nil
}

func (s *ChromemStore) Count(context.Context) (int, error) {
	return s.col.Count(), nil
}
