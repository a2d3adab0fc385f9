package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// messageTimeLayout is fixed width so that created_at sorts lexically in
// time order. Message IDs are ULIDs and break ties within a millisecond.
const messageTimeLayout = "2006-01-02T15:04:05.000Z"

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

// NewMessageID returns a ULID for t. IDs generated in the same process are
// strictly increasing.
func NewMessageID(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// --- Companions ---

func (s *Store) SaveCompanion(c Companion) error {
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	_, err := s.db.Exec(`
		INSERT INTO companions (id, user_id, user_name, name, description, instructions, seed, src, category_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, description = excluded.description,
			instructions = excluded.instructions, seed = excluded.seed,
			src = excluded.src, category_id = excluded.category_id,
			updated_at = excluded.updated_at`,
		c.ID, c.UserID, c.UserName, c.Name, c.Description, c.Instructions, c.Seed, c.Src, c.CategoryID,
		c.CreatedAt.UTC().Format(time.RFC3339), c.UpdatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

const companionColumns = `id, user_id, user_name, name, description, instructions, seed, src, category_id, created_at, updated_at`

func (s *Store) GetCompanion(id string) (Companion, error) {
	c, err := scanCompanion(s.db.QueryRow(`SELECT `+companionColumns+` FROM companions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Companion{}, ErrNotFound
	}
	if err != nil {
		return Companion{}, err
	}
	return c, nil
}

// CompanionFilter narrows ListCompanions. Zero fields match everything.
type CompanionFilter struct {
	Name       string // case-insensitive substring
	CategoryID string
	Limit      int
}

func (s *Store) ListCompanions(f CompanionFilter) ([]Companion, error) {
	var where []string
	var args []any
	if f.Name != "" {
		where = append(where, "name LIKE ? ESCAPE '\\'")
		args = append(args, "%"+escapeLike(f.Name)+"%")
	}
	if f.CategoryID != "" {
		where = append(where, "category_id = ?")
		args = append(args, f.CategoryID)
	}
	query := `SELECT ` + companionColumns + ` FROM companions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Companion
	for rows.Next() {
		c, err := scanCompanion(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, c)
	}
	return results, rows.Err()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCompanion(row rowScanner) (Companion, error) {
	var c Companion
	var createdAt, updatedAt string
	if err := row.Scan(&c.ID, &c.UserID, &c.UserName, &c.Name, &c.Description, &c.Instructions,
		&c.Seed, &c.Src, &c.CategoryID, &createdAt, &updatedAt); err != nil {
		return Companion{}, err
	}
	var err error
	if c.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Companion{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if c.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return Companion{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return c, nil
}

// --- Messages ---

// AppendMessage adds a turn to the durable conversation log. Empty ID and
// CreatedAt are filled in. Appending an ID that already exists is a no-op,
// so a failed append can be retried with the same message.
func (s *Store) AppendMessage(m Message) (Message, error) {
	if m.Role != RoleUser && m.Role != RoleSystem {
		return Message{}, fmt.Errorf("invalid message role %q", m.Role)
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	m.CreatedAt = m.CreatedAt.UTC().Truncate(time.Millisecond)
	if m.ID == "" {
		m.ID = NewMessageID(m.CreatedAt)
	}
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO messages (id, companion_id, user_id, role, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.CompanionID, m.UserID, m.Role, m.Content, m.CreatedAt.Format(messageTimeLayout),
	)
	if err != nil {
		return Message{}, err
	}
	return m, nil
}

// ListMessages returns the conversation between a user and a companion in
// ascending time order. limit <= 0 returns all messages.
func (s *Store) ListMessages(companionID, userID string, limit int) ([]Message, error) {
	query := `SELECT id, companion_id, user_id, role, content, created_at FROM messages
		WHERE companion_id = ? AND user_id = ?
		ORDER BY created_at ASC, id ASC`
	args := []any{companionID, userID}
	if limit > 0 {
		// Keep the newest limit messages, still returned oldest first.
		query = `SELECT * FROM (SELECT id, companion_id, user_id, role, content, created_at FROM messages
			WHERE companion_id = ? AND user_id = ?
			ORDER BY created_at DESC, id DESC LIMIT ?) ORDER BY created_at ASC, id ASC`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Message
	for rows.Next() {
		var m Message
		var createdAt any
		if err := rows.Scan(&m.ID, &m.CompanionID, &m.UserID, &m.Role, &m.Content, &createdAt); err != nil {
			return nil, err
		}
		t, err := parseMessageTime(createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		m.CreatedAt = t
		results = append(results, m)
	}
	return results, rows.Err()
}

// parseMessageTime accepts created_at as the driver returns it. DATETIME
// columns usually come back as time.Time, re-rendered without trailing
// zeros when scanned as text.
func parseMessageTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case string:
		return time.Parse(time.RFC3339Nano, t)
	case []byte:
		return time.Parse(time.RFC3339Nano, string(t))
	default:
		return time.Time{}, fmt.Errorf("unexpected type %T", v)
	}
}

// CountMessages returns how many messages a companion has across all users.
func (s *Store) CountMessages(companionID string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM messages WHERE companion_id = ?`, companionID).Scan(&n)
	return n, err
}
