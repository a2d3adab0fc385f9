package history

import (
	"context"
	"database/sql"
	"fmt"
)

var _ Store = (*SQLStore)(nil)

// SQLStore keeps history in the history_entries table of the main SQLite
// database. The table is created by the storage migrations.
//
// Seed relies on the database handle allowing a single open connection
// (storage.Open configures this), which serializes transactions.
type SQLStore struct {
	db    *sql.DB
	clock *scoreClock
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, clock: newScoreClock()}
}

// Close is a no-op; the database handle is owned by the storage package.
func (s *SQLStore) Close() error {
	return nil
}

func (s *SQLStore) Write(ctx context.Context, key Key, text string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO history_entries (key, score, content) VALUES (?, ?, ?)`,
		key.String(), s.clock.next(), text)
	if err != nil {
		return fmt.Errorf("writing history entry: %w", err)
	}
	return nil
}

func (s *SQLStore) ReadRecent(ctx context.Context, key Key, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT content FROM (
			SELECT id, score, content FROM history_entries
			WHERE key = ?
			ORDER BY score DESC, id DESC
			LIMIT ?
		) ORDER BY score ASC, id ASC`, key.String(), normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("reading history: %w", err)
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var content string
		if err := rows.Scan(&content); err != nil {
			return nil, err
		}
		out = append(out, content)
	}
	return out, rows.Err()
}

func (s *SQLStore) Exists(ctx context.Context, key Key) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM history_entries WHERE key = ?)`, key.String()).Scan(&exists)
	return exists, err
}

func (s *SQLStore) Seed(ctx context.Context, key Key, content, delimiter string) error {
	lines := SplitSeed(content, delimiter)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning seed transaction: %w", err)
	}
	defer tx.Rollback()

	var exists bool
	if err := tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM history_entries WHERE key = ?)`, key.String()).Scan(&exists); err != nil {
		return fmt.Errorf("checking history: %w", err)
	}
	if exists {
		return ErrAlreadySeeded
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO history_entries (key, score, content) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing seed insert: %w", err)
	}
	defer stmt.Close()

	for i, line := range lines {
		if _, err := stmt.ExecContext(ctx, key.String(), i, line); err != nil {
			return fmt.Errorf("seeding line %d: %w", i, err)
		}
	}
	return tx.Commit()
}
