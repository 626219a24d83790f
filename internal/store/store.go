// Package store provides persistence for sessions and messages.
package store

import (
	"context"
	"errors"

	"github.com/querychat/querychat/internal/domain"
)

// ErrUnknownSession is returned when a session id does not exist.
var ErrUnknownSession = errors.New("store: unknown session")

// DefaultRecallLimit bounds how many recent messages are loaded into
// generation context.
const DefaultRecallLimit = 10

// Repository defines the interface for persisting conversation history.
type Repository interface {
	// CreateSession allocates a new session with no name yet.
	CreateSession(ctx context.Context) (*domain.Session, error)

	// GetSession retrieves a session by id.
	// Returns ErrUnknownSession if the id does not exist.
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)

	// ListSessions returns all sessions, most recently active first.
	ListSessions(ctx context.Context) ([]*domain.Session, error)

	// DeleteSession removes a session and all its messages as one unit.
	// Returns ErrUnknownSession if the id does not exist.
	DeleteSession(ctx context.Context, sessionID string) error

	// AppendMessage atomically appends a message and advances the
	// session's message_count and updated_at.
	// Returns ErrUnknownSession if the session does not exist.
	AppendMessage(ctx context.Context, msg *domain.Message) error

	// LoadRecent returns at most limit of the session's most recent
	// messages, oldest first.
	LoadRecent(ctx context.Context, sessionID string, limit int) ([]domain.Message, error)

	// LoadHistory returns the session's full message history, oldest first.
	LoadHistory(ctx context.Context, sessionID string) ([]domain.Message, error)

	// RenameIfUnset sets the session name only if it has not been set.
	// Idempotent; safe to call on every turn.
	RenameIfUnset(ctx context.Context, sessionID, name string) error

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
