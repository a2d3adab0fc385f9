package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kalambet/companion/internal/storage"
)

// CompanionRequest is the body of POST /api/companions.
type CompanionRequest struct {
	Name         string `json:"name"`
	Description  string `json:"description"`
	Instructions string `json:"instructions"`
	Seed         string `json:"seed"`
	Src          string `json:"src"`
	CategoryID   string `json:"category_id"`
}

type companionView struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	UserName     string    `json:"user_name"`
	Name         string    `json:"name"`
	Description  string    `json:"description"`
	Instructions string    `json:"instructions"`
	Seed         string    `json:"seed"`
	Src          string    `json:"src"`
	CategoryID   string    `json:"category_id"`
	SourceFile   string    `json:"source_file"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// companionDetail is the single-companion view with conversation stats.
type companionDetail struct {
	companionView
	MessageCount int `json:"message_count"`
}

func viewCompanion(c storage.Companion) companionView {
	return companionView{
		ID:           c.ID,
		UserID:       c.UserID,
		UserName:     c.UserName,
		Name:         c.Name,
		Description:  c.Description,
		Instructions: c.Instructions,
		Seed:         c.Seed,
		Src:          c.Src,
		CategoryID:   c.CategoryID,
		SourceFile:   c.SourceFile(),
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
	}
}

func handleCreateCompanion(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := identityFrom(r)
		if id.UserID == "" || id.Name == "" {
			httpError(w, http.StatusUnauthorized, "authentication_error", "missing identity headers")
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req CompanionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		var missing []string
		for field, v := range map[string]string{
			"name":         req.Name,
			"description":  req.Description,
			"instructions": req.Instructions,
			"seed":         req.Seed,
		} {
			if strings.TrimSpace(v) == "" {
				missing = append(missing, field)
			}
		}
		if len(missing) > 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "missing required fields: %s", strings.Join(missing, ", "))
			return
		}

		now := time.Now().UTC()
		c := storage.Companion{
			ID:           uuid.New().String(),
			UserID:       id.UserID,
			UserName:     id.Name,
			Name:         strings.TrimSpace(req.Name),
			Description:  req.Description,
			Instructions: req.Instructions,
			Seed:         req.Seed,
			Src:          req.Src,
			CategoryID:   req.CategoryID,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := deps.Store.SaveCompanion(c); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save companion: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(viewCompanion(c))
	}
}

func handleListCompanions(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		list, err := deps.Store.ListCompanions(storage.CompanionFilter{
			Name:       q.Get("name"),
			CategoryID: q.Get("category"),
			Limit:      parseIntParam(r, "limit", 50, 200),
		})
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list companions: %v", err)
			return
		}

		out := make([]companionView, len(list))
		for i, c := range list {
			out[i] = viewCompanion(c)
		}
		writeJSON(w, out)
	}
}

func handleGetCompanion(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := deps.Store.GetCompanion(chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "companion not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get companion: %v", err)
			return
		}
		n, err := deps.Store.CountMessages(c.ID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to count messages: %v", err)
			return
		}
		writeJSON(w, companionDetail{companionView: viewCompanion(c), MessageCount: n})
	}
}
