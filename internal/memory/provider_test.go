package memory

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/kalambet/companion/internal/history"
)

func TestProvider_SingleInstance(t *testing.T) {
	dir := t.TempDir()
	var builds atomic.Int32
	p := NewProvider(func(context.Context) (*Manager, error) {
		builds.Add(1)
		h, err := history.OpenBolt(filepath.Join(dir, "history.db"))
		if err != nil {
			return nil, err
		}
		return New(h, nil, Options{}), nil
	})
	t.Cleanup(func() { p.Close() })

	var wg sync.WaitGroup
	got := make([]*Manager, 16)
	for i := range got {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m, err := p.Get(context.Background())
			if err != nil {
				t.Errorf("Get: %v", err)
			}
			got[i] = m
		}()
	}
	wg.Wait()

	if builds.Load() != 1 {
		t.Errorf("built %d times, want 1", builds.Load())
	}
	for i, m := range got {
		if m != got[0] {
			t.Errorf("caller %d got a different instance", i)
		}
	}
}

func TestProvider_RetriesAfterFailure(t *testing.T) {
	dir := t.TempDir()
	calls := 0
	p := NewProvider(func(context.Context) (*Manager, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("history store unavailable")
		}
		h, err := history.OpenBolt(filepath.Join(dir, "history.db"))
		if err != nil {
			return nil, err
		}
		return New(h, nil, Options{}), nil
	})
	t.Cleanup(func() { p.Close() })

	if _, err := p.Get(context.Background()); err == nil {
		t.Fatal("first Get succeeded, want error")
	}
	m, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("second Get: %v", err)
	}
	if m == nil || calls != 2 {
		t.Errorf("manager = %v after %d builds", m, calls)
	}
}

func TestProvider_WriteToHistory(t *testing.T) {
	dir := t.TempDir()
	p := NewProvider(func(context.Context) (*Manager, error) {
		h, err := history.OpenBolt(filepath.Join(dir, "history.db"))
		if err != nil {
			return nil, err
		}
		return New(h, nil, Options{}), nil
	})
	t.Cleanup(func() { p.Close() })

	key := history.Key{PersonaName: "c1", ModelName: "m", UserID: "u1"}
	if err := p.WriteToHistory(context.Background(), key, "Replayed reply."); err != nil {
		t.Fatalf("WriteToHistory: %v", err)
	}
	m, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	lines, err := m.ReadLatestHistory(context.Background(), key)
	if err != nil {
		t.Fatalf("ReadLatestHistory: %v", err)
	}
	if len(lines) != 1 || lines[0] != "Replayed reply." {
		t.Errorf("history = %q", lines)
	}
}

func TestKeyLocks_Serializes(t *testing.T) {
	k := newKeyLocks()
	var inside, peak atomic.Int32

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.lock("same")
			n := inside.Add(1)
			if n > peak.Load() {
				peak.Store(n)
			}
			inside.Add(-1)
			unlock()
		}()
	}
	wg.Wait()

	if peak.Load() != 1 {
		t.Errorf("peak holders = %d, want 1", peak.Load())
	}
	if k.len() != 0 {
		t.Errorf("%d entries left, want 0", k.len())
	}
}
