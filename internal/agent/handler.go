package agent

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/querychat/querychat/internal/api"
	"github.com/querychat/querychat/internal/store"
)

// defaultMaxRequestBodySize is the default maximum allowed request body size (1MB).
const defaultMaxRequestBodySize = 1 << 20 // 1MB

// TurnRunner is the orchestrator surface the HTTP layer depends on.
type TurnRunner interface {
	RunTurn(ctx context.Context, sessionID, question string, observe func(State)) (*TurnResult, error)
	Active(sessionID string) bool
}

// ChatRequest is the POST /api/chat body. An empty SessionID starts a
// new session.
type ChatRequest struct {
	SessionID string `json:"session_id"`
	Question  string `json:"question"`
}

// ChatResponse wraps a turn outcome for the UI. Exactly one of Result
// and Error is set.
type ChatResponse struct {
	SessionID string      `json:"session_id"`
	Result    *TurnResult `json:"result,omitempty"`
	Error     *TurnError  `json:"error,omitempty"`
}

// RateLimiter implements a per-client sliding-window rate limiter.
type RateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration
}

// NewRateLimiter creates a new rate limiter and starts the background
// eviction goroutine.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
	}
	rl.startEviction()
	return rl
}

// Allow checks if a request is allowed for the given key.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-r.window)

	var recent []time.Time
	for _, t := range r.requests[key] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= r.limit {
		r.requests[key] = recent
		return false
	}

	r.requests[key] = append(recent, now)
	return true
}

// startEviction periodically removes expired keys so the requests map
// cannot grow without bound.
func (r *RateLimiter) startEviction() {
	go func() {
		ticker := time.NewTicker(r.window)
		defer ticker.Stop()
		for range ticker.C {
			r.mu.Lock()
			cutoff := time.Now().Add(-r.window)
			for key, times := range r.requests {
				var fresh []time.Time
				for _, t := range times {
					if t.After(cutoff) {
						fresh = append(fresh, t)
					}
				}
				if len(fresh) == 0 {
					delete(r.requests, key)
				} else {
					r.requests[key] = fresh
				}
			}
			r.mu.Unlock()
		}
	}()
}

// Handler handles chat turn HTTP requests.
type Handler struct {
	runner      TurnRunner
	repo        store.Repository
	rateLimiter *RateLimiter
	maxBodySize int64
}

// NewHandler creates the chat handler.
func NewHandler(runner TurnRunner, repo store.Repository, rateLimiter *RateLimiter) *Handler {
	return &Handler{
		runner:      runner,
		repo:        repo,
		rateLimiter: rateLimiter,
		maxBodySize: defaultMaxRequestBodySize,
	}
}

// RegisterRoutes registers chat routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/api/chat", h.HandleChat)
}

// HandleChat handles POST /api/chat requests: one full turn through
// the orchestrator, synchronous JSON response.
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	if h.rateLimiter != nil && !h.rateLimiter.Allow(clientKey(r)) {
		api.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Question == "" {
		api.Error(w, http.StatusBadRequest, "question is required")
		return
	}

	sessionID := req.SessionID
	if sessionID == "" {
		session, err := h.repo.CreateSession(r.Context())
		if err != nil {
			slog.Error("Failed to create session", "error", err)
			api.Error(w, http.StatusInternalServerError, "failed to create session")
			return
		}
		sessionID = session.ID
	}

	slog.Info("Chat turn request",
		"session_id", sessionID,
		"question_length", len(req.Question),
	)

	result, err := h.runner.RunTurn(r.Context(), sessionID, req.Question, nil)
	if err != nil {
		var terr *TurnError
		if !errors.As(err, &terr) {
			slog.Error("Turn failed with untyped error", "session_id", sessionID, "error", err)
			api.Error(w, http.StatusInternalServerError, "internal error")
			return
		}

		switch terr.Kind {
		case KindUnknownSession:
			api.JSON(w, http.StatusNotFound, ChatResponse{SessionID: sessionID, Error: terr})
		case KindPersistence:
			api.JSON(w, http.StatusInternalServerError, ChatResponse{SessionID: sessionID, Error: terr})
		default:
			// Exhausted-retry failures are completed conversational
			// exchanges; the error message was persisted to history.
			api.JSON(w, http.StatusOK, ChatResponse{SessionID: sessionID, Error: terr})
		}
		return
	}

	api.JSON(w, http.StatusOK, ChatResponse{SessionID: sessionID, Result: result})
}

// clientKey derives the rate-limit key from the request: the remote IP
// without the port, so reconnecting does not reset the window. chi's
// RealIP middleware has already rewritten RemoteAddr when behind a
// proxy.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
