package agent

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/querychat/querychat/internal/store"
)

// wsTurnRequest is one question sent over the chat websocket.
type wsTurnRequest struct {
	SessionID string `json:"session_id"`
	Question  string `json:"question"`
}

// wsEvent is a server-to-client stream event. type is "state" while
// the turn progresses, then "result" or "error".
type wsEvent struct {
	Type      string      `json:"type"`
	State     State       `json:"state,omitempty"`
	SessionID string      `json:"session_id,omitempty"`
	Result    *TurnResult `json:"result,omitempty"`
	Error     *TurnError  `json:"error,omitempty"`
}

// StreamHandler serves the chat websocket: the client sends questions,
// the server streams per-node progress events and the final payload so
// the UI can render "generating / executing" phases.
type StreamHandler struct {
	runner TurnRunner
	repo   store.Repository
	isDev  bool
}

// NewStreamHandler creates a websocket chat handler.
func NewStreamHandler(runner TurnRunner, repo store.Repository, isDev bool) *StreamHandler {
	return &StreamHandler{runner: runner, repo: repo, isDev: isDev}
}

// ServeHTTP implements http.Handler for the websocket upgrade.
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	slog.Info("Chat websocket connection request", "ip", r.RemoteAddr)

	opts := &websocket.AcceptOptions{}
	if h.isDev {
		opts.OriginPatterns = []string{"*"}
	}
	ws, err := websocket.Accept(w, r, opts)
	if err != nil {
		slog.Error("Failed to accept websocket", "error", err)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr)
		}
	}()

	ctx := r.Context()
	for {
		var req wsTurnRequest
		if err := readJSON(ctx, ws, &req); err != nil {
			if ctx.Err() == nil && websocket.CloseStatus(err) == -1 {
				slog.Debug("Chat websocket read failed", "error", err)
			}
			return
		}

		if req.Question == "" {
			h.writeEvent(ctx, ws, wsEvent{
				Type:  "error",
				Error: &TurnError{Kind: KindGeneration, Message: "question is required"},
			})
			continue
		}

		sessionID := req.SessionID
		if sessionID == "" {
			session, err := h.repo.CreateSession(ctx)
			if err != nil {
				h.writeEvent(ctx, ws, wsEvent{
					Type:  "error",
					Error: &TurnError{Kind: KindPersistence, Message: "failed to create session"},
				})
				continue
			}
			sessionID = session.ID
		}

		result, err := h.runner.RunTurn(ctx, sessionID, req.Question, func(s State) {
			h.writeEvent(ctx, ws, wsEvent{Type: "state", State: s, SessionID: sessionID})
		})
		if err != nil {
			var terr *TurnError
			if !errors.As(err, &terr) {
				terr = &TurnError{Kind: KindPersistence, Message: "internal error"}
			}
			h.writeEvent(ctx, ws, wsEvent{Type: "error", SessionID: sessionID, Error: terr})
			continue
		}
		h.writeEvent(ctx, ws, wsEvent{Type: "result", SessionID: sessionID, Result: result})
	}
}

func (h *StreamHandler) writeEvent(ctx context.Context, ws *websocket.Conn, ev wsEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("failed to marshal websocket event", "error", err)
		return
	}
	writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := ws.Write(writeCtx, websocket.MessageText, data); err != nil {
		slog.Debug("websocket write failed", "error", err)
	}
}

func readJSON(ctx context.Context, ws *websocket.Conn, v interface{}) error {
	_, data, err := ws.Read(ctx)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
