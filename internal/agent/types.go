// Package agent implements the query orchestrator: a bounded state
// machine that turns a natural-language question into a validated,
// executed, read-only query and a persisted conversational answer.
package agent

import (
	"context"
	"fmt"
)

// Kind classifies turn failures.
type Kind string

const (
	// KindGeneration means the reasoning service was unreachable or
	// produced unusable output.
	KindGeneration Kind = "generation_error"
	// KindValidation means the candidate query violates the read-only
	// policy.
	KindValidation Kind = "validation_error"
	// KindExecution means an accepted query failed at the analytical
	// store, including timeouts.
	KindExecution Kind = "execution_error"
	// KindPersistence means a history write failed. Never retried.
	KindPersistence Kind = "persistence_error"
	// KindUnknownSession means the session id does not exist. Never
	// retried, and nothing is persisted.
	KindUnknownSession Kind = "unknown_session"
)

// TurnError is the terminal error payload of a failed turn.
type TurnError struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

func (e *TurnError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Generator produces a candidate query from an assembled prompt.
// Implemented by the reasoning service client; faked in tests.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// TurnResult is the payload of a successful turn.
type TurnResult struct {
	SessionID   string          `json:"session_id"`
	SessionName string          `json:"session_name"`
	SQL         string          `json:"sql"`
	Columns     []string        `json:"columns"`
	Rows        [][]interface{} `json:"rows"`
	RowCount    int             `json:"row_count"`
	Summary     string          `json:"summary"`
	Attempts    int             `json:"attempts"`
}

// State names the orchestrator's nodes, reported to progress observers.
type State string

const (
	StateUnderstand State = "understand"
	StateGenerate   State = "generate"
	StateExecute    State = "execute"
	StateFormat     State = "format"
	StateSave       State = "save"
	StateDone       State = "done"
	StateError      State = "error"
)
