package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestOpenAIClient_Complete(t *testing.T) {
	var body map[string]any
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		auth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"created": 1700000000,
			"model": "gpt-4o-mini",
			"choices": [{"index": 0, "finish_reason": "stop", "message": {"role": "assistant", "content": "print(1)"}}],
			"usage": {"prompt_tokens": 40, "completion_tokens": 4, "total_tokens": 44}
		}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient(srv.URL+"/v1", "oai-key", time.Second)
	out, err := c.Complete(context.Background(), CompletionRequest{
		System: "sys",
		Messages: []Message{
			{Role: RoleUser, Content: "hi"},
			{Role: RoleAssistant, Content: "hello"},
			{Role: RoleUser, Content: "fix it"},
		},
		Model:     "gpt-4o-mini",
		MaxTokens: 256,
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if out.Text != "print(1)" {
		t.Errorf("Text = %q", out.Text)
	}
	if out.Usage != (Usage{InputTokens: 40, OutputTokens: 4}) {
		t.Errorf("Usage = %+v", out.Usage)
	}
	if auth != "Bearer oai-key" {
		t.Errorf("Authorization = %q", auth)
	}
	msgs, _ := body["messages"].([]any)
	if len(msgs) != 4 {
		t.Fatalf("sent %d messages, want system + 3", len(msgs))
	}
	if first, _ := msgs[0].(map[string]any); first["role"] != "system" {
		t.Errorf("first message role = %v, want system", first["role"])
	}
	if body["model"] != "gpt-4o-mini" {
		t.Errorf("model = %v", body["model"])
	}
}

func TestOpenAIClient_Errors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantEmpty bool
	}{
		{"rate limited", http.StatusTooManyRequests, `{"error":{"message":"Rate limit reached","type":"requests"}}`, false},
		{"no choices", http.StatusOK, `{"id":"x","object":"chat.completion","created":1,"model":"m","choices":[]}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls++
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewOpenAIClient(srv.URL, "k", time.Second).Complete(context.Background(), CompletionRequest{Model: "m"})
			if !errors.Is(err, ErrOracle) {
				t.Fatalf("err = %v, want ErrOracle", err)
			}
			if errors.Is(err, ErrEmptyResponse) != tt.wantEmpty {
				t.Errorf("ErrEmptyResponse match = %v, want %v", !tt.wantEmpty, tt.wantEmpty)
			}
			if calls != 1 {
				t.Errorf("server called %d times, want exactly 1 (no retries)", calls)
			}
		})
	}
}

func TestOpenAIClient_MissingKey(t *testing.T) {
	_, err := NewOpenAIClient("http://unused", "", time.Second).Complete(context.Background(), CompletionRequest{})
	if !errors.Is(err, ErrMissingAPIKey) {
		t.Errorf("err = %v, want ErrMissingAPIKey", err)
	}
}
