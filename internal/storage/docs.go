package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

func (s *Store) SaveContextDoc(doc ContextDoc) error {
	_, err := s.db.Exec(`
		INSERT INTO context_docs (id, companion_id, title, content, source, source_file, chunk_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.CompanionID, doc.Title, doc.Content, doc.Source, doc.SourceFile, doc.ChunkCount,
		doc.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// SetChunkCount records how many vectors were indexed for a document.
func (s *Store) SetChunkCount(id string, n int) error {
	res, err := s.db.Exec(`UPDATE context_docs SET chunk_count = ? WHERE id = ?`, n, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrNotFound
	}
	return nil
}

const docColumns = `id, companion_id, title, content, source, source_file, chunk_count, created_at`

func (s *Store) GetContextDoc(id string) (ContextDoc, error) {
	d, err := scanDoc(s.db.QueryRow(`SELECT `+docColumns+` FROM context_docs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return ContextDoc{}, ErrNotFound
	}
	if err != nil {
		return ContextDoc{}, err
	}
	return d, nil
}

// ListContextDocs returns the newest documents, optionally for one companion.
func (s *Store) ListContextDocs(companionID string, limit int) ([]ContextDoc, error) {
	query := `SELECT ` + docColumns + ` FROM context_docs`
	var args []any
	if companionID != "" {
		query += ` WHERE companion_id = ?`
		args = append(args, companionID)
	}
	query += ` ORDER BY created_at DESC, id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []ContextDoc
	for rows.Next() {
		d, err := scanDoc(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, d)
	}
	return results, rows.Err()
}

func (s *Store) DeleteContextDoc(id string) error {
	res, err := s.db.Exec(`DELETE FROM context_docs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanDoc(row rowScanner) (ContextDoc, error) {
	var d ContextDoc
	var createdAt string
	if err := row.Scan(&d.ID, &d.CompanionID, &d.Title, &d.Content, &d.Source, &d.SourceFile, &d.ChunkCount, &createdAt); err != nil {
		return ContextDoc{}, err
	}
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return ContextDoc{}, fmt.Errorf("parsing created_at: %w", err)
	}
	d.CreatedAt = t
	return d, nil
}
