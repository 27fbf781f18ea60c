// Package api exposes the history service over a small JSON HTTP surface:
// paginated listing with optional free-text search, point load, save, and
// delete. Auth, sessions, and rate limiting live in front of this service
// and are not handled here.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/frenzywall/changehist/internal/history"
	"github.com/frenzywall/changehist/internal/service"
	pkgerrors "github.com/frenzywall/changehist/pkg/errors"
	"github.com/frenzywall/changehist/pkg/logger"
)

// Handler serves the history API.
type Handler struct {
	svc             *service.Service
	defaultPageSize int
}

// New creates a Handler over the given service.
func New(svc *service.Service, defaultPageSize int) *Handler {
	return &Handler{svc: svc, defaultPageSize: defaultPageSize}
}

// saveRequest is the body of POST /api/history.
type saveRequest struct {
	Title   string          `json:"title"`
	Date    string          `json:"date"`
	Editor  string          `json:"editor"`
	Payload json.RawMessage `json:"data"`
}

// List handles GET /api/history. With a search parameter it returns ranked
// results; otherwise a newest-first page.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("search")
	if query != "" {
		items, err := h.svc.Search(r.Context(), query)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"items":    nonNil(items),
			"is_empty": len(items) == 0,
		})
		return
	}

	page := intParam(r, "page", 1)
	pageSize := intParam(r, "per_page", h.defaultPageSize)
	items, pagination, err := h.svc.GetPage(r.Context(), page, pageSize)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":      nonNil(items),
		"pagination": pagination,
		"is_empty":   len(items) == 0,
	})
}

// Get handles GET /api/history/{id}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := h.idParam(w, r)
	if !ok {
		return
	}
	rec, err := h.svc.GetByID(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Delete handles DELETE /api/history/{id}.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := h.idParam(w, r)
	if !ok {
		return
	}
	removed, err := h.svc.Delete(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !removed {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"status":  "error",
			"message": "history entry not found",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

// Save handles POST /api/history.
func (h *Handler) Save(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 4<<20))
	if err != nil {
		h.writeError(w, r, pkgerrors.New(pkgerrors.ErrInvalidInput, http.StatusBadRequest, "reading request body"))
		return
	}
	var req saveRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.writeError(w, r, pkgerrors.Newf(pkgerrors.ErrInvalidInput, http.StatusBadRequest, "decoding request: %v", err))
		return
	}
	if req.Title == "" {
		h.writeError(w, r, pkgerrors.New(pkgerrors.ErrInvalidInput, http.StatusBadRequest, "title is required"))
		return
	}
	id, err := h.svc.Insert(r.Context(), req.Title, req.Date, req.Editor, req.Payload)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"status":    "success",
		"timestamp": id,
	})
}

// Status handles GET /api/history/status.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	rebuilding, err := h.svc.RebuildInProgress(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"rebuilding": rebuilding})
}

func (h *Handler) idParam(w http.ResponseWriter, r *http.Request) (float64, bool) {
	raw := r.PathValue("id")
	id, err := history.ParseID(raw)
	if err != nil {
		h.writeError(w, r, pkgerrors.Newf(pkgerrors.ErrInvalidInput, http.StatusBadRequest, "invalid record id %q", raw))
		return 0, false
	}
	return id, true
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := pkgerrors.HTTPStatusCode(err)
	if status >= http.StatusInternalServerError {
		logger.FromContext(r.Context()).Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
	} else {
		logger.FromContext(r.Context()).Debug("request rejected",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"error", err,
		)
	}
	message := err.Error()
	var appErr *pkgerrors.AppError
	if errors.As(err, &appErr) {
		message = appErr.Message
	}
	writeJSON(w, status, map[string]string{
		"status":  "error",
		"message": message,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func intParam(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 1 {
		return fallback
	}
	return v
}

// nonNil keeps empty result sets serialized as [] instead of null.
func nonNil(items []history.Record) []history.Record {
	if items == nil {
		return []history.Record{}
	}
	return items
}
