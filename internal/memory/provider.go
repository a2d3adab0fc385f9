package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/kalambet/companion/internal/history"
)

// Provider lazily builds the process-wide Manager. Concurrent callers of Get
// share one instance; a failed build is not cached and is retried by the
// next call.
type Provider struct {
	build func(ctx context.Context) (*Manager, error)

	mu  sync.Mutex
	mgr *Manager
}

// NewProvider returns a Provider that constructs its Manager with build.
func NewProvider(build func(ctx context.Context) (*Manager, error)) *Provider {
	return &Provider{build: build}
}

// Get returns the Manager, building it on first use.
func (p *Provider) Get(ctx context.Context) (*Manager, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.mgr != nil {
		return p.mgr, nil
	}
	m, err := p.build(ctx)
	if err != nil {
		return nil, fmt.Errorf("initializing memory manager: %w", err)
	}
	p.mgr = m
	return m, nil
}

// Close closes the Manager if it was built.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.mgr == nil {
		return nil
	}
	err := p.mgr.Close()
	p.mgr = nil
	return err
}

// WriteToHistory appends text through the shared Manager.
func (p *Provider) WriteToHistory(ctx context.Context, key history.Key, text string) error {
	m, err := p.Get(ctx)
	if err != nil {
		return err
	}
	return m.WriteToHistory(ctx, key, text)
}
