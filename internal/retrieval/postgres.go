package retrieval

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var _ VectorStore = (*PostgresStore)(nil)

const postgresSchema = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS context_vectors (
    id          TEXT PRIMARY KEY,
    source_id   TEXT NOT NULL,
    source_file TEXT NOT NULL,
    text_chunk  TEXT NOT NULL,
    embedding   vector NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS context_vectors_source_file_idx ON context_vectors (source_file);
CREATE INDEX IF NOT EXISTS context_vectors_source_id_idx ON context_vectors (source_id);
`

// PostgresStore implements VectorStore using Postgres + pgvector. Similarity
// is 1 - cosine distance so scores are comparable with the other backends.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to Postgres and creates the schema if needed.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating vector schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Insert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, r := range records {
		createdAt := r.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		batch.Queue(`
			INSERT INTO context_vectors (id, source_id, source_file, text_chunk, embedding, created_at)
			VALUES ($1, $2, $3, $4, $5::vector, $6)
			ON CONFLICT (id) DO UPDATE SET
				source_id = EXCLUDED.source_id, source_file = EXCLUDED.source_file,
				text_chunk = EXCLUDED.text_chunk, embedding = EXCLUDED.embedding`,
			r.ID, r.SourceID, r.SourceFile, r.TextChunk, vectorLiteral(r.Embedding), createdAt)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("inserting vectors: %w", err)
	}
	return nil
}

func (s *PostgresStore) Search(ctx context.Context, vector []float32, topK int, filter Filter) ([]ScoredRecord, error) {
	if topK <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, source_id, source_file, text_chunk, created_at, 1 - (embedding <=> $1::vector) AS score
		FROM context_vectors
		WHERE $2::text = '' OR source_file = $2::text
		ORDER BY embedding <=> $1::vector
		LIMIT $3`, vectorLiteral(vector), filter.SourceFile, topK)
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}
	defer rows.Close()

	var out []ScoredRecord
	for rows.Next() {
		var r ScoredRecord
		var score float64
		if err := rows.Scan(&r.ID, &r.SourceID, &r.SourceFile, &r.TextChunk, &r.CreatedAt, &score); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		r.Score = float32(score)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteBySource(ctx context.Context, sourceID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM context_vectors WHERE source_id = $1`, sourceID); err != nil {
		return fmt.Errorf("deleting vectors for %s: %w", sourceID, err)
	}
	return nil
}

func (s *PostgresStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM context_vectors`).Scan(&n)
	return n, err
}

// vectorLiteral renders v in pgvector's text format, "[1,2,3]".
func vectorLiteral(v []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}
