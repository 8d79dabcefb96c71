package openaicompat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/danshapiro/voicetest/internal/llm"
)

func TestAdapter_Complete_MapsTextToolCallsAndUsage(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Fatalf("path: %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer k" {
			t.Fatalf("auth header: %q", auth)
		}
		if r.Header.Get("X-Title") != "voicetest" {
			t.Fatalf("extra header missing")
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		_, _ = w.Write([]byte(`{"id":"c1","model":"m","choices":[{"finish_reason":"tool_calls","message":{"role":"assistant","content":"Transferring you now.","tool_calls":[{"id":"call_1","type":"function","function":{"name":"transfer_call","arguments":"{\"to\":\"billing\"}"}}]}}],"usage":{"prompt_tokens":10,"completion_tokens":3,"total_tokens":13}}`))
	}))
	defer srv.Close()

	a := NewAdapter(Config{
		Provider:     "OpenAI",
		APIKey:       "k",
		BaseURL:      srv.URL + "/",
		ExtraHeaders: map[string]string{"X-Title": "voicetest"},
	})
	temp := 0.2
	resp, err := a.Complete(context.Background(), llm.Request{
		Provider:    "openai",
		Model:       "gpt-4o-mini",
		Messages:    []llm.Message{llm.System("be helpful"), llm.User("hi")},
		Tools:       []llm.ToolDefinition{{Name: "transfer_call", Description: "transfer"}},
		Temperature: &temp,
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if a.Name() != "openai" {
		t.Fatalf("name: %q", a.Name())
	}
	if resp.Text != "Transferring you now." || resp.Finish != "tool_calls" {
		t.Fatalf("resp: %+v", resp)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Name != "transfer_call" || string(resp.ToolCalls[0].Arguments) != `{"to":"billing"}` {
		t.Fatalf("tool calls: %+v", resp.ToolCalls)
	}
	if resp.Usage.TotalTokens != 13 {
		t.Fatalf("usage: %+v", resp.Usage)
	}
	msgs, _ := got["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("messages sent: %v", got["messages"])
	}
	tools, _ := got["tools"].([]any)
	if len(tools) != 1 {
		t.Fatalf("tools sent: %v", got["tools"])
	}
	if got["temperature"] != 0.2 {
		t.Fatalf("temperature: %v", got["temperature"])
	}
}

func TestAdapter_Complete_MapsHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"slow down"}}`))
	}))
	defer srv.Close()

	a := NewAdapter(Config{Provider: "groq", BaseURL: srv.URL})
	_, err := a.Complete(context.Background(), llm.Request{Model: "m", Messages: []llm.Message{llm.User("hi")}})
	var rl *llm.RateLimitError
	if !errors.As(err, &rl) {
		t.Fatalf("want RateLimitError, got %T %v", err, err)
	}
	if rl.RetryAfter() == nil || *rl.RetryAfter() != 2*time.Second {
		t.Fatalf("retry after: %v", rl.RetryAfter())
	}
	if !llm.IsRetryable(err) {
		t.Fatalf("429 must be retryable")
	}
}

func TestAdapter_Complete_NoChoicesIsRetryableServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"c1","choices":[]}`))
	}))
	defer srv.Close()

	a := NewAdapter(Config{Provider: "ollama", BaseURL: srv.URL})
	_, err := a.Complete(context.Background(), llm.Request{Model: "m", Messages: []llm.Message{llm.User("hi")}})
	if err == nil || !llm.IsRetryable(err) {
		t.Fatalf("want retryable error, got %v", err)
	}
}

func TestAdapter_Complete_ConnectionRefusedIsNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	a := NewAdapter(Config{Provider: "ollama", BaseURL: url})
	_, err := a.Complete(context.Background(), llm.Request{Model: "m", Messages: []llm.Message{llm.User("hi")}})
	var ne *llm.NetworkError
	if !errors.As(err, &ne) {
		t.Fatalf("want NetworkError, got %T %v", err, err)
	}
}
