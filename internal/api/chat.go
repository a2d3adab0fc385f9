package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/companion/internal/chat"
	"github.com/kalambet/companion/internal/history"
	"github.com/kalambet/companion/internal/storage"
)

// Identity headers set by the upstream identity provider.
const (
	headerUserID   = "X-User-Id"
	headerUserName = "X-User-Name"
)

type chatRequest struct {
	Prompt string `json:"prompt"`
}

type messageView struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

func identityFrom(r *http.Request) chat.Identity {
	return chat.Identity{
		UserID: strings.TrimSpace(r.Header.Get(headerUserID)),
		Name:   strings.TrimSpace(r.Header.Get(headerUserName)),
	}
}

// handleChat streams one companion reply as plain text. Errors use plain
// text bodies too, since browsers read the stream directly.
func handleChat(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := identityFrom(r)
		if id.UserID == "" || id.Name == "" {
			writeChatError(w, chat.ErrUnauthorized)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Prompt) == "" {
			http.Error(w, "Bad Request", http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("X-Content-Type-Options", "nosniff")

		res, err := deps.Chat.Run(r.Context(), chat.Request{
			CompanionID: chi.URLParam(r, "chatId"),
			Route:       r.URL.Path,
			Prompt:      req.Prompt,
			Identity:    id,
		}, w)
		if err != nil {
			writeChatError(w, err)
			return
		}
		slog.Debug("chat turn completed",
			"companion_key", res.Key.String(),
			"seeded", res.Seeded,
			"persisted", res.Persisted,
			"degraded", len(res.Degraded),
		)
	}
}

func writeChatError(w http.ResponseWriter, err error) {
	var rl *chat.RateLimitError
	switch {
	case errors.Is(err, chat.ErrUnauthorized):
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
	case errors.As(err, &rl):
		secs := int(math.Ceil(rl.RetryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
	case errors.Is(err, chat.ErrNotFound):
		http.Error(w, "Companion not found", http.StatusNotFound)
	default:
		slog.Error("chat request failed", "error", err)
		http.Error(w, "Internal Error", http.StatusInternalServerError)
	}
}

func handleListMessages(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := identityFrom(r)
		if id.UserID == "" {
			httpError(w, http.StatusUnauthorized, "authentication_error", "missing %s header", headerUserID)
			return
		}
		companionID := chi.URLParam(r, "chatId")
		if _, err := deps.Store.GetCompanion(companionID); errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "companion not found")
			return
		} else if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get companion: %v", err)
			return
		}

		limit := parseIntParam(r, "limit", 0, 1000)
		msgs, err := deps.Store.ListMessages(companionID, id.UserID, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list messages: %v", err)
			return
		}

		out := make([]messageView, len(msgs))
		for i, m := range msgs {
			out[i] = messageView{ID: m.ID, Role: m.Role, Content: m.Content, CreatedAt: m.CreatedAt}
		}
		writeJSON(w, out)
	}
}

func handleHistory(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := identityFrom(r)
		if id.UserID == "" {
			httpError(w, http.StatusUnauthorized, "authentication_error", "missing %s header", headerUserID)
			return
		}
		mgr, err := deps.Memory.Get(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "memory unavailable: %v", err)
			return
		}
		lines, err := mgr.ReadLatestHistory(r.Context(), history.Key{
			PersonaName: chi.URLParam(r, "chatId"),
			ModelName:   deps.Model,
			UserID:      id.UserID,
		})
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to read history: %v", err)
			return
		}
		if lines == nil {
			lines = []string{}
		}
		writeJSON(w, map[string]any{"lines": lines})
	}
}
