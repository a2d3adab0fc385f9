package ingest

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kalambet/companion/internal/history"
	"github.com/kalambet/companion/internal/storage"
)

// Job types handled by the Worker.
const (
	JobIngestEmbed      = "ingest_embed"
	JobReconcileMessage = "reconcile_message"
	JobReconcileHistory = "reconcile_history"
)

// EmbedPayload asks the worker to chunk, embed and index a context doc.
type EmbedPayload struct {
	ContextDocID string `json:"context_doc_id"`
}

// ReconcilePayload carries a durable log message whose append failed.
// Replaying it is idempotent because the ID is fixed.
type ReconcilePayload struct {
	ID          string    `json:"id"`
	CompanionID string    `json:"companion_id"`
	UserID      string    `json:"user_id"`
	Role        string    `json:"role"`
	Content     string    `json:"content"`
	CreatedAt   time.Time `json:"created_at"`
}

// HistoryPayload carries a reply whose recent-history write failed.
type HistoryPayload struct {
	PersonaName string `json:"persona_name"`
	ModelName   string `json:"model_name"`
	UserID      string `json:"user_id"`
	Content     string `json:"content"`
}

func (p HistoryPayload) key() history.Key {
	return history.Key{PersonaName: p.PersonaName, ModelName: p.ModelName, UserID: p.UserID}
}

// NewEmbedJob builds the ingest_embed job for a context doc.
func NewEmbedJob(docID string) (storage.Job, error) {
	return newJob(JobIngestEmbed, EmbedPayload{ContextDocID: docID})
}

// NewReconcileJob builds the reconcile_message job replaying m.
func NewReconcileJob(m storage.Message) (storage.Job, error) {
	return newJob(JobReconcileMessage, ReconcilePayload{
		ID:          m.ID,
		CompanionID: m.CompanionID,
		UserID:      m.UserID,
		Role:        m.Role,
		Content:     m.Content,
		CreatedAt:   m.CreatedAt,
	})
}

// NewHistoryReplayJob builds the reconcile_history job appending content to
// the stream at key.
func NewHistoryReplayJob(key history.Key, content string) (storage.Job, error) {
	return newJob(JobReconcileHistory, HistoryPayload{
		PersonaName: key.PersonaName,
		ModelName:   key.ModelName,
		UserID:      key.UserID,
		Content:     content,
	})
}

func newJob(typ string, payload any) (storage.Job, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return storage.Job{}, fmt.Errorf("marshalling %s payload: %w", typ, err)
	}
	return storage.Job{
		ID:          uuid.New().String(),
		Type:        typ,
		PayloadJSON: string(b),
		MaxAttempts: 5,
	}, nil
}
