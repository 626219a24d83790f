package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func completionsServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestGenerateReturnsCandidate(t *testing.T) {
	t.Parallel()

	var gotAuth, gotPath string
	var gotReq map[string]interface{}
	srv := completionsServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"SELECT 1"}}]}`))
	})

	client := NewClient(Config{BaseURL: srv.URL, APIKey: "test-key", Model: "gpt-4o-mini"}, nil)
	got, err := client.Generate(context.Background(), "Generate ONLY the SQL query:")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if got != "SELECT 1" {
		t.Fatalf("Generate = %q, want SELECT 1", got)
	}
	if gotPath != "/chat/completions" {
		t.Errorf("path = %q", gotPath)
	}
	if gotAuth != "Bearer test-key" {
		t.Errorf("auth header = %q", gotAuth)
	}
	if gotReq["model"] != "gpt-4o-mini" {
		t.Errorf("model = %v", gotReq["model"])
	}

	messages, ok := gotReq["messages"].([]interface{})
	if !ok || len(messages) != 1 {
		t.Fatalf("expected one message, got %v", gotReq["messages"])
	}
	msg := messages[0].(map[string]interface{})
	if msg["role"] != "user" || !strings.Contains(msg["content"].(string), "ONLY the SQL query") {
		t.Errorf("unexpected message: %v", msg)
	}
}

func TestGenerateNon200(t *testing.T) {
	t.Parallel()

	srv := completionsServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"rate limited"}}`))
	})

	client := NewClient(Config{BaseURL: srv.URL}, nil)
	_, err := client.Generate(context.Background(), "prompt")
	if err == nil {
		t.Fatal("expected error on non-200 response")
	}
	if !strings.Contains(err.Error(), "429") {
		t.Errorf("error should carry the status code: %v", err)
	}
	if !strings.Contains(err.Error(), "rate limited") {
		t.Errorf("error should carry the body snippet: %v", err)
	}
}

func TestGenerateEmptyChoices(t *testing.T) {
	t.Parallel()

	srv := completionsServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	})

	client := NewClient(Config{BaseURL: srv.URL}, nil)
	if _, err := client.Generate(context.Background(), "prompt"); err == nil {
		t.Fatal("expected error when the service returns no choices")
	}
}

func TestGenerateCanceledContext(t *testing.T) {
	t.Parallel()

	srv := completionsServer(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"SELECT 1"}}]}`))
	})

	client := NewClient(Config{BaseURL: srv.URL}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := client.Generate(ctx, "prompt"); err == nil {
		t.Fatal("expected error on canceled context")
	}
}

func TestNewClientDefaults(t *testing.T) {
	t.Parallel()

	client := NewClient(Config{}, nil)
	if client.baseURL != "https://api.openai.com/v1" {
		t.Errorf("baseURL = %q", client.baseURL)
	}
	if client.httpClient.Timeout != 60*time.Second {
		t.Errorf("timeout = %v, want 60s", client.httpClient.Timeout)
	}
}
