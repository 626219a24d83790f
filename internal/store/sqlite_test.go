package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/querychat/querychat/internal/domain"
)

func newTestStore(t *testing.T) Repository {
	t.Helper()
	repo, err := NewSQLite(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func appendText(t *testing.T, repo Repository, sessionID, role, content string) {
	t.Helper()
	if err := repo.AppendMessage(context.Background(), &domain.Message{
		SessionID: sessionID,
		Role:      role,
		Content:   content,
	}); err != nil {
		t.Fatalf("AppendMessage(%q) failed: %v", content, err)
	}
}

func TestCreateAndGetSession(t *testing.T) {
	t.Parallel()
	repo := newTestStore(t)
	ctx := context.Background()

	session, err := repo.CreateSession(ctx)
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if session.ID == "" {
		t.Fatal("expected non-empty session id")
	}
	if session.Name != "" {
		t.Fatalf("new session should have no name, got %q", session.Name)
	}

	got, err := repo.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.ID != session.ID || got.MessageCount != 0 {
		t.Fatalf("unexpected session: %+v", got)
	}
}

func TestGetSessionUnknown(t *testing.T) {
	t.Parallel()
	repo := newTestStore(t)

	_, err := repo.GetSession(context.Background(), "nonexistent")
	if !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("expected ErrUnknownSession, got %v", err)
	}
}

func TestAppendMessageRoundTrip(t *testing.T) {
	t.Parallel()
	repo := newTestStore(t)
	ctx := context.Background()

	session, err := repo.CreateSession(ctx)
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	contents := []string{"m1", "m2", "m3"}
	for _, c := range contents {
		appendText(t, repo, session.ID, domain.RoleUser, c)
	}

	messages, err := repo.LoadRecent(ctx, session.ID, 10)
	if err != nil {
		t.Fatalf("LoadRecent failed: %v", err)
	}
	if len(messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(messages))
	}
	for i, c := range contents {
		if messages[i].Content != c {
			t.Errorf("message %d: expected %q, got %q", i, c, messages[i].Content)
		}
	}

	got, err := repo.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.MessageCount != 3 {
		t.Fatalf("expected message_count 3, got %d", got.MessageCount)
	}
	if got.UpdatedAt.Before(got.CreatedAt) {
		t.Fatal("updated_at must not precede created_at")
	}
}

func TestAppendMessageUnknownSession(t *testing.T) {
	t.Parallel()
	repo := newTestStore(t)

	err := repo.AppendMessage(context.Background(), &domain.Message{
		SessionID: "nonexistent",
		Role:      domain.RoleUser,
		Content:   "hello",
	})
	if !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("expected ErrUnknownSession, got %v", err)
	}
}

func TestAppendMessagePreservesQueryMetadata(t *testing.T) {
	t.Parallel()
	repo := newTestStore(t)
	ctx := context.Background()

	session, err := repo.CreateSession(ctx)
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	rowCount := int64(5)
	if err := repo.AppendMessage(ctx, &domain.Message{
		SessionID:      session.ID,
		Role:           domain.RoleAssistant,
		Content:        "I found 5 results for your query.",
		GeneratedQuery: "SELECT state, SUM(sales) FROM orders GROUP BY state LIMIT 5",
		RowCount:       &rowCount,
	}); err != nil {
		t.Fatalf("AppendMessage failed: %v", err)
	}

	messages, err := repo.LoadRecent(ctx, session.ID, 10)
	if err != nil {
		t.Fatalf("LoadRecent failed: %v", err)
	}
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}
	msg := messages[0]
	if msg.GeneratedQuery == "" {
		t.Error("expected generated_query to survive the round trip")
	}
	if msg.RowCount == nil || *msg.RowCount != 5 {
		t.Errorf("expected row_count 5, got %v", msg.RowCount)
	}
}

func TestLoadRecentBoundsWindow(t *testing.T) {
	t.Parallel()
	repo := newTestStore(t)
	ctx := context.Background()

	session, err := repo.CreateSession(ctx)
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	// Insert 15 messages with distinct timestamps so ordering is by
	// created_at, insertion order as tiebreak.
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 15; i++ {
		if err := repo.AppendMessage(ctx, &domain.Message{
			SessionID: session.ID,
			Role:      domain.RoleUser,
			Content:   string(rune('a' + i)),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatalf("AppendMessage %d failed: %v", i, err)
		}
	}

	messages, err := repo.LoadRecent(ctx, session.ID, 10)
	if err != nil {
		t.Fatalf("LoadRecent failed: %v", err)
	}
	if len(messages) != 10 {
		t.Fatalf("expected 10 messages, got %d", len(messages))
	}
	// Must be the 10 most recent, oldest first.
	if messages[0].Content != "f" {
		t.Errorf("expected window to start at 6th message, got %q", messages[0].Content)
	}
	for i := 1; i < len(messages); i++ {
		if messages[i].CreatedAt.Before(messages[i-1].CreatedAt) {
			t.Fatalf("messages out of order at index %d", i)
		}
	}
}

func TestRenameIfUnsetIsIdempotent(t *testing.T) {
	t.Parallel()
	repo := newTestStore(t)
	ctx := context.Background()

	session, err := repo.CreateSession(ctx)
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	if err := repo.RenameIfUnset(ctx, session.ID, "Top states by sales"); err != nil {
		t.Fatalf("first RenameIfUnset failed: %v", err)
	}
	if err := repo.RenameIfUnset(ctx, session.ID, "Another name"); err != nil {
		t.Fatalf("second RenameIfUnset failed: %v", err)
	}

	got, err := repo.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.Name != "Top states by sales" {
		t.Fatalf("session name must be immutable once set, got %q", got.Name)
	}
}

func TestDeleteSessionRemovesMessages(t *testing.T) {
	t.Parallel()
	repo := newTestStore(t)
	ctx := context.Background()

	session, err := repo.CreateSession(ctx)
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	appendText(t, repo, session.ID, domain.RoleUser, "hello")
	appendText(t, repo, session.ID, domain.RoleAssistant, "hi")

	if err := repo.DeleteSession(ctx, session.ID); err != nil {
		t.Fatalf("DeleteSession failed: %v", err)
	}

	if _, err := repo.GetSession(ctx, session.ID); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("expected ErrUnknownSession after delete, got %v", err)
	}

	messages, err := repo.LoadHistory(ctx, session.ID)
	if err != nil {
		t.Fatalf("LoadHistory failed: %v", err)
	}
	if len(messages) != 0 {
		t.Fatalf("expected no orphaned messages, got %d", len(messages))
	}
}

func TestDeleteSessionUnknown(t *testing.T) {
	t.Parallel()
	repo := newTestStore(t)

	if err := repo.DeleteSession(context.Background(), "nonexistent"); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("expected ErrUnknownSession, got %v", err)
	}
}

func TestListSessionsReturnsAll(t *testing.T) {
	t.Parallel()
	repo := newTestStore(t)
	ctx := context.Background()

	first, err := repo.CreateSession(ctx)
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	second, err := repo.CreateSession(ctx)
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	sessions, err := repo.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(sessions))
	}
	seen := map[string]bool{}
	for _, s := range sessions {
		seen[s.ID] = true
	}
	if !seen[first.ID] || !seen[second.ID] {
		t.Fatalf("expected both sessions in listing, got %v", seen)
	}
}
