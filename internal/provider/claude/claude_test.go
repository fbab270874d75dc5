package claude

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/vnmchuo/verity/internal/provider"
)

func TestComplete_Mock(t *testing.T) {
	var got claudeRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "test-key" {
			t.Errorf("Expected api key header, got %q", r.Header.Get("x-api-key"))
		}
		_ = json.NewDecoder(r.Body).Decode(&got)

		resp := claudeResponse{
			ID: "msg_123",
			Content: []claudeContent{
				{Type: "text", Text: `{"is_fake": true}`},
			},
			Usage: claudeUsage{
				InputTokens:  10,
				OutputTokens: 20,
			},
			Model: "claude-sonnet-4-20250514",
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	p := &ClaudeProvider{
		apiKey:  "test-key",
		baseURL: server.URL,
	}

	req := &provider.Request{
		Model: "claude-sonnet-4-20250514",
		Messages: []provider.Message{
			{Role: "system", Content: "be strict"},
			{Role: "user", Content: "hi"},
		},
	}

	resp, err := p.Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	if resp.Content != `{"is_fake": true}` {
		t.Errorf("Unexpected content %s", resp.Content)
	}
	if resp.InputTokens != 10 {
		t.Errorf("Expected 10 input tokens, got %d", resp.InputTokens)
	}
	if resp.OutputTokens != 20 {
		t.Errorf("Expected 20 output tokens, got %d", resp.OutputTokens)
	}
	if got.System != "be strict" {
		t.Errorf("Expected system prompt to be lifted, got %q", got.System)
	}
	if len(got.Messages) != 1 || got.Messages[0].Role != "user" {
		t.Errorf("Unexpected messages %+v", got.Messages)
	}
	if got.MaxTokens != 4096 {
		t.Errorf("Expected default max tokens 4096, got %d", got.MaxTokens)
	}
}

func TestComplete_StatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"rate_limit_error"}`))
	}))
	defer server.Close()

	p := &ClaudeProvider{apiKey: "test-key", baseURL: server.URL}

	_, err := p.Complete(context.Background(), &provider.Request{Model: "claude-sonnet-4-20250514"})
	var se *provider.StatusError
	if !errors.As(err, &se) {
		t.Fatalf("Expected StatusError, got %v", err)
	}
	if !se.RateLimited() {
		t.Errorf("Expected rate limited status, got %d", se.StatusCode)
	}
}
