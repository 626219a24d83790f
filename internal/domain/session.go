// Package domain defines the core entities shared across the service.
package domain

import (
	"time"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Session is a named, ordered sequence of conversation turns.
// Name stays empty until the first user message is persisted; once set
// it is never changed.
type Session struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
}

// Message is a single append-only entry in a session's history.
// GeneratedQuery and RowCount are only populated on assistant messages
// that carry an executed query.
type Message struct {
	ID             int64     `json:"id"`
	SessionID      string    `json:"session_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	GeneratedQuery string    `json:"generated_query,omitempty"`
	RowCount       *int64    `json:"row_count,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}
