// Package memory combines a companion's recent dialogue history and its
// semantic document index behind one API used by the chat pipeline.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kalambet/companion/internal/history"
	"github.com/kalambet/companion/internal/retrieval"
)

// Manager owns the history store and the vector index. It is safe for
// concurrent use.
type Manager struct {
	history     history.Store
	index       *retrieval.Index
	recentLimit int
	delimiter   string
	locks       *keyLocks
}

// Options configures a Manager.
type Options struct {
	RecentLimit   int
	SeedDelimiter string
}

// New creates a Manager over the given stores.
func New(h history.Store, ix *retrieval.Index, opts Options) *Manager {
	if opts.RecentLimit <= 0 {
		opts.RecentLimit = history.DefaultRecentLimit
	}
	if opts.SeedDelimiter == "" {
		opts.SeedDelimiter = "\n\n"
	}
	return &Manager{
		history:     h,
		index:       ix,
		recentLimit: opts.RecentLimit,
		delimiter:   opts.SeedDelimiter,
		locks:       newKeyLocks(),
	}
}

// Close closes the history store.
func (m *Manager) Close() error {
	return m.history.Close()
}

// WriteToHistory appends text to the history of key. An invalid key is
// logged and ignored.
func (m *Manager) WriteToHistory(ctx context.Context, key history.Key, text string) error {
	if !key.Valid() {
		slog.Warn("memory: write with incomplete companion key", "companion_key", key.String())
		return nil
	}
	if err := m.history.Write(ctx, key, text); err != nil {
		return fmt.Errorf("writing history: %w", err)
	}
	return nil
}

// ReadLatestHistory returns the most recent entries for key, oldest first.
// An invalid key yields an empty result.
func (m *Manager) ReadLatestHistory(ctx context.Context, key history.Key) ([]string, error) {
	if !key.Valid() {
		slog.Warn("memory: read with incomplete companion key", "companion_key", key.String())
		return nil, nil
	}
	lines, err := m.history.ReadRecent(ctx, key, m.recentLimit)
	if err != nil {
		return nil, fmt.Errorf("reading history: %w", err)
	}
	return lines, nil
}

// SeedChatHistory writes seed as the opening transcript of key unless the
// key already has history. It reports whether anything was written.
func (m *Manager) SeedChatHistory(ctx context.Context, key history.Key, seed string) (bool, error) {
	if !key.Valid() {
		slog.Warn("memory: seed with incomplete companion key", "companion_key", key.String())
		return false, nil
	}
	if len(history.SplitSeed(seed, m.delimiter)) == 0 {
		return false, nil
	}
	err := m.history.Seed(ctx, key, seed, m.delimiter)
	if errors.Is(err, history.ErrAlreadySeeded) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("seeding history: %w", err)
	}
	return true, nil
}

// RecordUserTurn seeds an empty history and then appends text, holding a
// per-key lock so concurrent first turns for the same key seed once and the
// live turn always sorts after the seed lines.
func (m *Manager) RecordUserTurn(ctx context.Context, key history.Key, seed, text string) (seeded bool, err error) {
	if !key.Valid() {
		slog.Warn("memory: user turn with incomplete companion key", "companion_key", key.String())
		return false, nil
	}

	unlock := m.locks.lock(key.String())
	defer unlock()

	recent, err := m.ReadLatestHistory(ctx, key)
	if err != nil {
		return false, err
	}
	if len(recent) == 0 {
		if seeded, err = m.SeedChatHistory(ctx, key, seed); err != nil {
			return false, err
		}
	}
	if err := m.WriteToHistory(ctx, key, text); err != nil {
		return seeded, err
	}
	return seeded, nil
}

// VectorSearch returns up to k documents from sourceFile most similar to
// query. Failures come back as *retrieval.DegradedError with no documents.
func (m *Manager) VectorSearch(ctx context.Context, query, sourceFile string, k int) ([]retrieval.Document, error) {
	if m.index == nil {
		return nil, &retrieval.DegradedError{Op: "search", Err: errors.New("no vector index configured")}
	}
	return m.index.Search(ctx, query, k, retrieval.Scope{SourceFile: sourceFile})
}
