// Package history stores the per-conversation utterance stream: an
// append-only, time-ordered list of lines keyed by companion, model and user.
package history

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// DefaultRecentLimit is the recency window used when callers pass limit <= 0.
const DefaultRecentLimit = 30

// ErrAlreadySeeded is returned by Seed when the key already has history.
var ErrAlreadySeeded = errors.New("history already seeded")

// Key identifies one conversation stream.
type Key struct {
	PersonaName string
	ModelName   string
	UserID      string
}

// String returns the storage key, "persona-model-user".
func (k Key) String() string {
	return k.PersonaName + "-" + k.ModelName + "-" + k.UserID
}

// Valid reports whether the key can address a stream. A key without a user
// would merge every anonymous conversation into one.
func (k Key) Valid() bool {
	return k.UserID != "" && k.PersonaName != ""
}

// Store is a sorted, append-only history backend.
//
// Entries are ordered by score, then by insertion order. Live writes are
// scored with wall-clock milliseconds; seed lines are scored 0..n-1 so they
// always sort before any live write made after seeding.
type Store interface {
	// Write appends text to the key's stream.
	Write(ctx context.Context, key Key, text string) error

	// ReadRecent returns the newest limit entries, oldest first. An unknown
	// key yields an empty slice.
	ReadRecent(ctx context.Context, key Key, limit int) ([]string, error)

	// Exists reports whether the key has any entries.
	Exists(ctx context.Context, key Key) (bool, error)

	// Seed atomically writes content split by delimiter if and only if the
	// key has no entries. It returns ErrAlreadySeeded otherwise.
	Seed(ctx context.Context, key Key, content, delimiter string) error

	Close() error
}

// SplitSeed splits a seed transcript into lines. Surrounding whitespace is
// trimmed and blank lines are dropped.
func SplitSeed(content, delimiter string) []string {
	if delimiter == "" {
		delimiter = "\n"
	}
	var lines []string
	for _, part := range strings.Split(content, delimiter) {
		if s := strings.TrimSpace(part); s != "" {
			lines = append(lines, s)
		}
	}
	return lines
}

// scoreClock hands out non-decreasing millisecond scores so a wall-clock
// step backwards cannot reorder live writes.
type scoreClock struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

func newScoreClock() *scoreClock {
	return &scoreClock{now: time.Now}
}

func (c *scoreClock) next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ms := c.now().UnixMilli()
	if ms < c.last {
		ms = c.last
	}
	c.last = ms
	return ms
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultRecentLimit
	}
	return limit
}
