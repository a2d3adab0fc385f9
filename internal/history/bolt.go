package history

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var _ Store = (*BoltStore)(nil)

// BoltStore keeps one bucket per key. Entry keys are the 8-byte big-endian
// score followed by the bucket's 8-byte sequence number, so cursor order is
// (score, insertion) order.
type BoltStore struct {
	db    *bolt.DB
	clock *scoreClock
}

// OpenBolt opens (or creates) the history database at path.
func OpenBolt(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating history directory: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening history db: %w", err)
	}
	return &BoltStore{db: db, clock: newScoreClock()}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) Write(_ context.Context, key Key, text string) error {
	score := s.clock.next()
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(key.String()))
		if err != nil {
			return fmt.Errorf("creating bucket: %w", err)
		}
		return putEntry(b, uint64(score), text)
	})
}

func (s *BoltStore) ReadRecent(_ context.Context, key Key, limit int) ([]string, error) {
	limit = normalizeLimit(limit)
	out := []string{}
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(key.String()))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil && len(out) < limit; k, v = c.Prev() {
			out = append(out, string(v))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *BoltStore) Exists(_ context.Context, key Key) (bool, error) {
	var exists bool
	err := s.db.View(func(tx *bolt.Tx) error {
		exists = hasEntries(tx.Bucket([]byte(key.String())))
		return nil
	})
	return exists, err
}

// Seed runs the existence check and all writes in one read-write
// transaction. bbolt allows a single writer at a time, so concurrent seeds
// for the same key cannot both succeed.
func (s *BoltStore) Seed(_ context.Context, key Key, content, delimiter string) error {
	lines := SplitSeed(content, delimiter)
	return s.db.Update(func(tx *bolt.Tx) error {
		name := []byte(key.String())
		if hasEntries(tx.Bucket(name)) {
			return ErrAlreadySeeded
		}
		b, err := tx.CreateBucketIfNotExists(name)
		if err != nil {
			return fmt.Errorf("creating bucket: %w", err)
		}
		for i, line := range lines {
			if err := putEntry(b, uint64(i), line); err != nil {
				return err
			}
		}
		return nil
	})
}

func hasEntries(b *bolt.Bucket) bool {
	if b == nil {
		return false
	}
	k, _ := b.Cursor().First()
	return k != nil
}

func putEntry(b *bolt.Bucket, score uint64, text string) error {
	seq, err := b.NextSequence()
	if err != nil {
		return fmt.Errorf("allocating sequence: %w", err)
	}
	var k [16]byte
	binary.BigEndian.PutUint64(k[:8], score)
	binary.BigEndian.PutUint64(k[8:], seq)
	if err := b.Put(k[:], []byte(text)); err != nil {
		return fmt.Errorf("writing entry: %w", err)
	}
	return nil
}
