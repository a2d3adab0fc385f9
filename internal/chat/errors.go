package chat

import (
	"errors"
	"fmt"
	"time"

	"github.com/kalambet/companion/internal/history"
)

var (
	// ErrUnauthorized means the caller's identity is missing or incomplete.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrRateLimited means the caller exceeded its request budget.
	ErrRateLimited = errors.New("rate limit exceeded")
	// ErrNotFound means the companion does not exist.
	ErrNotFound = errors.New("companion not found")
)

// RateLimitError carries the retry hint of a denied request. It matches
// ErrRateLimited with errors.Is.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string { return ErrRateLimited.Error() }
func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// DegradedError records a step that failed without failing the request.
type DegradedError struct {
	Step string
	Err  error
}

func (e *DegradedError) Error() string {
	return fmt.Sprintf("%s degraded: %v", e.Step, e.Err)
}

func (e *DegradedError) Unwrap() error { return e.Err }

// PersistenceInconsistency reports that the reply reached one of the two
// stores but not the other.
type PersistenceInconsistency struct {
	Key     history.Key
	Content string
	Step    string // "history" or "message_log"
	Err     error
}

func (e *PersistenceInconsistency) Error() string {
	return fmt.Sprintf("persisting reply for %s failed at %s: %v", e.Key, e.Step, e.Err)
}

func (e *PersistenceInconsistency) Unwrap() error { return e.Err }
