package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/companion/internal/chat"
	"github.com/kalambet/companion/internal/memory"
	"github.com/kalambet/companion/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// VectorDeleter removes every vector indexed from one document.
type VectorDeleter interface {
	DeleteBySource(ctx context.Context, sourceID string) error
}

// MemorySource yields the shared memory manager.
type MemorySource interface {
	Get(ctx context.Context) (*memory.Manager, error)
}

// Deps holds everything the HTTP and MCP surfaces need.
type Deps struct {
	Store      *storage.Store
	Chat       *chat.Pipeline
	Memory     MemorySource
	Model      string        // model part of history keys
	Vectors    VectorDeleter // optional; if nil, vector cleanup is skipped on delete
	Token      string        // optional bearer token for /api routes
	HTTPClient *http.Client
}

// NewHandler returns the service's HTTP handler.
func NewHandler(deps Deps) http.Handler {
	if deps.HTTPClient == nil {
		deps.HTTPClient = http.DefaultClient
	}

	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	r.Route("/api", func(r chi.Router) {
		if deps.Token != "" {
			r.Use(BearerAuth(deps.Token))
		}

		r.Post("/chat/{chatId}", handleChat(deps))
		r.Get("/chat/{chatId}/messages", handleListMessages(deps))
		r.Get("/chat/{chatId}/history", handleHistory(deps))

		r.Post("/companions", handleCreateCompanion(deps))
		r.Get("/companions", handleListCompanions(deps))
		r.Get("/companions/{id}", handleGetCompanion(deps))

		r.Post("/ingest", handleIngest(deps))
		r.Get("/context-docs", handleListContextDocs(deps))
		r.Delete("/context-docs/{id}", handleDeleteContextDoc(deps))
		r.Get("/recall", handleRecall(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
