// Package ratelimit admits or rejects requests per identifier using a fixed
// or sliding window counter. Window state lives in a ristretto cache with a
// TTL of two windows, so idle identifiers are forgotten automatically.
package ratelimit

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
)

// Algorithm selects how requests are counted.
type Algorithm string

const (
	// Sliding weights the previous window's count by how much of it still
	// overlaps the trailing window.
	Sliding Algorithm = "sliding"
	// Fixed resets the count at every window boundary.
	Fixed Algorithm = "fixed"
)

// Decision is the outcome of Admit.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Limiter tracks request counts per identifier.
type Limiter struct {
	algo   Algorithm
	limit  int
	window time.Duration
	now    func() time.Time

	mu    sync.Mutex // guards window creation
	cache *ristretto.Cache
}

// window is the counter state of one identifier.
type window struct {
	mu    sync.Mutex
	start time.Time
	count int
	prev  int
}

// New creates a Limiter allowing limit requests per window.
func New(algo Algorithm, limit int, window time.Duration) (*Limiter, error) {
	switch algo {
	case Sliding, Fixed:
	default:
		return nil, fmt.Errorf("unknown rate limit algorithm %q", algo)
	}
	if limit <= 0 || window <= 0 {
		return nil, fmt.Errorf("rate limit and window must be positive")
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     1e4,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("creating rate limit cache: %w", err)
	}
	return &Limiter{
		algo:   algo,
		limit:  limit,
		window: window,
		now:    time.Now,
		cache:  cache,
	}, nil
}

// Close releases the cache goroutines.
func (l *Limiter) Close() {
	l.cache.Close()
}

// Admit counts one request for identifier and reports whether it is allowed.
// Denied requests are not counted.
func (l *Limiter) Admit(identifier string) Decision {
	w := l.lookup(identifier)

	w.mu.Lock()
	defer w.mu.Unlock()

	now := l.now()
	start := now.Truncate(l.window)
	if !w.start.Equal(start) {
		if start.Sub(w.start) == l.window {
			w.prev = w.count
		} else {
			w.prev = 0
		}
		w.count = 0
		w.start = start
	}
	elapsed := now.Sub(start)

	used := w.count
	if l.algo == Sliding && w.prev > 0 {
		weight := 1 - float64(elapsed)/float64(l.window)
		used += int(math.Floor(float64(w.prev) * weight))
	}

	if used >= l.limit {
		return Decision{
			Allowed:    false,
			Limit:      l.limit,
			Remaining:  0,
			RetryAfter: l.retryAfter(w, elapsed),
		}
	}

	w.count++
	return Decision{
		Allowed:   true,
		Limit:     l.limit,
		Remaining: l.limit - used - 1,
	}
}

// retryAfter estimates when the next request for w would be admitted.
func (l *Limiter) retryAfter(w *window, elapsed time.Duration) time.Duration {
	untilNext := l.window - elapsed
	if l.algo == Fixed || w.count >= l.limit || w.prev == 0 {
		return untilNext
	}
	// Smallest t with floor(prev * (1 - t/window)) + count < limit.
	t := time.Duration(float64(l.window) * (1 - float64(l.limit-w.count)/float64(w.prev)))
	d := max(t-elapsed, time.Millisecond)
	return min(d, untilNext)
}

// lookup returns the window for identifier, creating it if absent. The TTL
// is refreshed on every call so active identifiers stay cached.
func (l *Limiter) lookup(identifier string) *window {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.get(identifier)
	if !ok {
		w = &window{}
	}
	// A dropped Set only means the state is forgotten early.
	l.cache.SetWithTTL(identifier, w, 1, 2*l.window)
	l.cache.Wait()
	return w
}

func (l *Limiter) get(identifier string) (*window, bool) {
	v, ok := l.cache.Get(identifier)
	if !ok {
		return nil, false
	}
	w, ok := v.(*window)
	return w, ok
}

// Identifier builds the admission key for a route and user.
func Identifier(route, userID string) string {
	return route + "-" + userID
}
