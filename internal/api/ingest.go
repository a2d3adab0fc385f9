package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kalambet/companion/internal/ingest"
	"github.com/kalambet/companion/internal/storage"
)

const maxIngestBodySize = 10 << 20 // 10MB
const maxURLFetchSize = 5 << 20    // 5MB

// IngestRequest is the body of POST /api/ingest. Type is one of "text"
// (default), "url" or "file"; file content is base64 and may be HTML, PDF
// or plain text.
type IngestRequest struct {
	CompanionID string `json:"companion_id"`
	Source      string `json:"source"`
	Type        string `json:"type"`
	Title       string `json:"title"`
	Content     string `json:"content"`
	URL         string `json:"url"`
}

type contextDocView struct {
	ID          string    `json:"id"`
	CompanionID string    `json:"companion_id"`
	Title       string    `json:"title"`
	Source      string    `json:"source"`
	SourceFile  string    `json:"source_file"`
	ChunkCount  int       `json:"chunk_count"`
	CreatedAt   time.Time `json:"created_at"`
}

// errFetch marks failures talking to the remote URL.
var errFetch = errors.New("fetching url")

func handleIngest(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxIngestBodySize)
		defer r.Body.Close()

		var req IngestRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		if req.CompanionID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "companion_id is required")
			return
		}
		if req.Content == "" && req.URL == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "at least one of content or url is required")
			return
		}
		if req.Type == "" {
			req.Type = "text"
		}
		if req.Source == "" {
			req.Source = "api"
		}

		companion, err := deps.Store.GetCompanion(req.CompanionID)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "companion not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get companion: %v", err)
			return
		}

		text, err := resolveContent(r.Context(), deps.HTTPClient, &req)
		if errors.Is(err, errFetch) {
			httpError(w, http.StatusBadGateway, "api_error", "%v", err)
			return
		}
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if strings.TrimSpace(text) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "document has no text")
			return
		}

		docID, err := saveAndQueue(deps.Store, companion, req.Title, text, req.Source)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
			return
		}

		writeJSON(w, map[string]string{
			"id":          docID,
			"source_file": companion.SourceFile(),
			"status":      "queued",
		})
	}
}

// resolveContent turns the request into plain text.
func resolveContent(ctx context.Context, client *http.Client, req *IngestRequest) (string, error) {
	switch {
	case req.Type == "url" && req.URL != "":
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
		if err != nil {
			return "", fmt.Errorf("invalid url: %w", err)
		}
		resp, err := client.Do(httpReq)
		if err != nil {
			return "", fmt.Errorf("%w: %v", errFetch, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return "", fmt.Errorf("%w: status %d", errFetch, resp.StatusCode)
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxURLFetchSize))
		if err != nil {
			return "", fmt.Errorf("%w: %v", errFetch, err)
		}
		if req.Title == "" {
			req.Title = req.URL
		}
		ct := resp.Header.Get("Content-Type")
		if ct == "" {
			ct = http.DetectContentType(body)
		}
		return ingest.ExtractText(ct, body)

	case req.Type == "file" && req.Content != "":
		decoded, err := base64.StdEncoding.DecodeString(req.Content)
		if err != nil {
			return "", errors.New("invalid base64 content")
		}
		return ingest.ExtractText(http.DetectContentType(decoded), decoded)

	default:
		return req.Content, nil
	}
}

// saveAndQueue stores a context doc in the companion's scope and queues it
// for embedding.
func saveAndQueue(store *storage.Store, c storage.Companion, title, text, source string) (string, error) {
	doc := storage.ContextDoc{
		ID:          uuid.New().String(),
		CompanionID: c.ID,
		Title:       title,
		Content:     text,
		Source:      source,
		SourceFile:  c.SourceFile(),
		CreatedAt:   time.Now().UTC(),
	}
	if err := store.SaveContextDoc(doc); err != nil {
		return "", fmt.Errorf("failed to save document: %w", err)
	}

	job, err := ingest.NewEmbedJob(doc.ID)
	if err != nil {
		return "", err
	}
	if err := store.EnqueueJob(job); err != nil {
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}
	return doc.ID, nil
}

func handleListContextDocs(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)

		docs, err := deps.Store.ListContextDocs(r.URL.Query().Get("companion"), limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list context docs: %v", err)
			return
		}

		out := make([]contextDocView, len(docs))
		for i, d := range docs {
			out[i] = contextDocView{
				ID:          d.ID,
				CompanionID: d.CompanionID,
				Title:       d.Title,
				Source:      d.Source,
				SourceFile:  d.SourceFile,
				ChunkCount:  d.ChunkCount,
				CreatedAt:   d.CreatedAt,
			}
		}
		writeJSON(w, out)
	}
}

func handleDeleteContextDoc(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		if deps.Vectors != nil {
			if _, err := deps.Store.GetContextDoc(id); errors.Is(err, storage.ErrNotFound) {
				httpError(w, http.StatusNotFound, "not_found", "context doc not found")
				return
			} else if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to get context doc: %v", err)
				return
			}
			if err := deps.Vectors.DeleteBySource(r.Context(), id); err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to delete vectors: %v", err)
				return
			}
		}

		err := deps.Store.DeleteContextDoc(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "context doc not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete context doc: %v", err)
			return
		}

		writeJSON(w, map[string]string{"status": "deleted"})
	}
}

// handleRecall runs a scoped similarity search. Degraded retrieval is
// reported as an error here, unlike in the chat pipeline.
func handleRecall(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		companionID := q.Get("companion")
		query := q.Get("q")
		if companionID == "" || query == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "companion and q are required")
			return
		}

		c, err := deps.Store.GetCompanion(companionID)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "companion not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get companion: %v", err)
			return
		}

		mgr, err := deps.Memory.Get(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "memory unavailable: %v", err)
			return
		}
		docs, err := mgr.VectorSearch(r.Context(), query, c.SourceFile(), parseIntParam(r, "limit", 3, 50))
		if err != nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "recall failed: %v", err)
			return
		}
		writeJSON(w, map[string]any{"documents": docsOrEmpty(docs)})
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
