package providers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/danshapiro/voicetest/internal/config"
	"github.com/danshapiro/voicetest/internal/llm"
)

func TestNewClient_RegistersSelectorProviders(t *testing.T) {
	cfg, err := config.ParseRunConfig([]byte(`
models:
  simulator: openai/gpt-4o-mini
  agent: anthropic/claude-sonnet-4-5
  judge: claude/sonnet
`), false)
	if err != nil {
		t.Fatalf("ParseRunConfig: %v", err)
	}
	c, err := NewClient(cfg, Options{Getenv: func(string) string { return "" }})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	got := c.ProviderNames()
	want := []string{"anthropic", "claude-cli", "openai"}
	if len(got) != len(want) {
		t.Fatalf("providers: %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("providers: %v want %v", got, want)
		}
	}
}

func TestNewAdapter_CustomOpenAICompatibleEndpoint(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if r.URL.Path != "/chat" {
			t.Fatalf("path: %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"hi"}}]}`))
	}))
	defer srv.Close()

	a, err := NewAdapter("proxy", config.ProviderConfig{
		Backend:   config.BackendAPI,
		Protocol:  "openai_chat_completions",
		BaseURL:   srv.URL,
		Path:      "/chat",
		APIKeyEnv: "PROXY_KEY",
	}, Options{Getenv: func(k string) string {
		if k == "PROXY_KEY" {
			return "secret"
		}
		return ""
	}})
	if err != nil {
		t.Fatalf("NewAdapter: %v", err)
	}
	resp, err := a.Complete(context.Background(), llm.Request{Model: "m", Messages: []llm.Message{llm.User("x")}})
	if err != nil || resp.Text != "hi" {
		t.Fatalf("Complete: %v %+v", err, resp)
	}
	if gotAuth != "Bearer secret" {
		t.Fatalf("auth: %q", gotAuth)
	}
}

func TestNewAdapter_UnknownProvider(t *testing.T) {
	if _, err := NewAdapter("nowhere", config.ProviderConfig{}, Options{}); err == nil {
		t.Fatalf("expected error for unknown provider without base_url")
	}
}
