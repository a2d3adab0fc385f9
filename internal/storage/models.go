package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Message roles in the durable conversation log.
const (
	RoleUser   = "user"
	RoleSystem = "system"
)

// Companion is a persona definition. Seed is the example dialogue used to
// prime a new conversation; Instructions are the persona's standing rules.
type Companion struct {
	ID           string
	UserID       string
	UserName     string
	Name         string
	Description  string
	Instructions string
	Seed         string
	Src          string
	CategoryID   string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// SourceFile is the vector index scope holding this companion's documents.
func (c Companion) SourceFile() string {
	return c.ID + ".txt"
}

// Message is one turn in the durable conversation log.
type Message struct {
	ID          string
	CompanionID string
	UserID      string
	Role        string
	Content     string
	CreatedAt   time.Time
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}

// ContextDoc is a persona document ingested into the vector index under
// SourceFile.
type ContextDoc struct {
	ID          string
	CompanionID string
	Title       string
	Content     string
	Source      string
	SourceFile  string
	ChunkCount  int
	CreatedAt   time.Time
}
