package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/querychat/querychat/internal/store"
)

// ActiveChecker reports whether a session has an in-flight turn.
// Implemented by the orchestrator.
type ActiveChecker interface {
	Active(sessionID string) bool
}

// SchemaRefresher invalidates and reloads the analytical schema cache.
type SchemaRefresher interface {
	Refresh(ctx context.Context) error
}

// SessionHandler serves session listing, history, deletion, and the
// schema/health admin endpoints. No business logic lives here.
type SessionHandler struct {
	repo    store.Repository
	active  ActiveChecker
	schema  SchemaRefresher
	version string
}

// NewSessionHandler creates the session API handler.
func NewSessionHandler(repo store.Repository, active ActiveChecker, schema SchemaRefresher, version string) *SessionHandler {
	return &SessionHandler{
		repo:    repo,
		active:  active,
		schema:  schema,
		version: version,
	}
}

// RegisterRoutes registers session and admin routes.
func (h *SessionHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/sessions", func(r chi.Router) {
		r.Get("/", h.HandleList)
		r.Get("/{sessionID}/messages", h.HandleMessages)
		r.Delete("/{sessionID}", h.HandleDelete)
	})
	r.Post("/api/schema/refresh", h.HandleSchemaRefresh)
	r.Get("/api/health", h.HandleHealth)
}

// HandleList handles GET /api/sessions.
func (h *SessionHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.repo.ListSessions(r.Context())
	if err != nil {
		slog.Error("Failed to list sessions", "error", err)
		Error(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

// HandleMessages handles GET /api/sessions/{sessionID}/messages:
// the full ordered history, used by the UI to reload a conversation.
func (h *SessionHandler) HandleMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	if _, err := h.repo.GetSession(r.Context(), sessionID); err != nil {
		if errors.Is(err, store.ErrUnknownSession) {
			Error(w, http.StatusNotFound, "session not found")
			return
		}
		slog.Error("Failed to load session", "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load session")
		return
	}

	messages, err := h.repo.LoadHistory(r.Context(), sessionID)
	if err != nil {
		slog.Error("Failed to load history", "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"messages": messages})
}

// HandleDelete handles DELETE /api/sessions/{sessionID}. A session
// with an in-flight turn is rejected so in-flight state is not lost.
func (h *SessionHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	if h.active != nil && h.active.Active(sessionID) {
		Error(w, http.StatusConflict, "session has a turn in progress")
		return
	}

	if err := h.repo.DeleteSession(r.Context(), sessionID); err != nil {
		if errors.Is(err, store.ErrUnknownSession) {
			Error(w, http.StatusNotFound, "session not found")
			return
		}
		slog.Error("Failed to delete session", "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to delete session")
		return
	}

	slog.Info("Session deleted", "session_id", sessionID)
	JSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// HandleSchemaRefresh handles POST /api/schema/refresh: explicit
// invalidation of the cached analytical schema snapshot.
func (h *SessionHandler) HandleSchemaRefresh(w http.ResponseWriter, r *http.Request) {
	if err := h.schema.Refresh(r.Context()); err != nil {
		slog.Error("Schema refresh failed", "error", err)
		Error(w, http.StatusInternalServerError, "schema refresh failed")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "refreshed"})
}

// HandleHealth handles GET /api/health.
func (h *SessionHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.repo.Ping(r.Context()); err != nil {
		Error(w, http.StatusServiceUnavailable, "history store unreachable")
		return
	}
	JSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": h.version,
	})
}
