package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadRunConfigFile_YAMLAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "voicetest.yaml")
	if err := os.WriteFile(p, []byte(`
version: 1
models:
  simulator: openai/gpt-4o-mini
  agent: anthropic/claude-sonnet-4-5
  judge: openai/gpt-4o
providers:
  Claude:
    executable: /usr/local/bin/claude
judge:
  agent_thresholds:
    billing-bot: 0.9
`), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadRunConfigFile(p)
	if err != nil {
		t.Fatalf("LoadRunConfigFile: %v", err)
	}
	if cfg.Run.MaxTurns != 20 || cfg.Run.Concurrency != 4 || cfg.JudgeThreshold() != 0.7 {
		t.Fatalf("defaults not applied: %+v", cfg.Run)
	}
	if cfg.TransitionModel() != "anthropic/claude-sonnet-4-5" {
		t.Fatalf("transition model should fall back to agent: %q", cfg.TransitionModel())
	}
	pc, ok := cfg.Providers["claude-cli"]
	if !ok || pc.Backend != BackendCLI {
		t.Fatalf("provider alias/backend not normalized: %+v", cfg.Providers)
	}
	rp := cfg.RetryPolicy()
	if rp.MaxRetries != 3 || rp.InitialDelayMS != 500 || rp.BackoffFactor != 2 || rp.MaxDelayMS != 30000 {
		t.Fatalf("retry defaults: %+v", rp)
	}
	if err := cfg.RequireModels(); err != nil {
		t.Fatalf("RequireModels: %v", err)
	}
}

func TestParseRunConfig_ExplicitZeroRetriesKept(t *testing.T) {
	cfg, err := ParseRunConfig([]byte(`{"version":1,"models":{},"retry":{"max_retries":0}}`), true)
	if err != nil {
		t.Fatalf("ParseRunConfig: %v", err)
	}
	if cfg.RetryPolicy().MaxRetries != 0 {
		t.Fatalf("explicit zero overwritten")
	}
	if err := cfg.RequireModels(); err == nil {
		t.Fatalf("expected missing models error")
	}
}

func TestParseRunConfig_Rejects(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"unknown field", "version: 1\nbogus: true\n", "bogus"},
		{"multi doc", "version: 1\n---\nversion: 1\n", "multiple documents"},
		{"bad version", "version: 2\n", "unsupported config version"},
		{"bad selector", "models:\n  agent: gpt-4o\n", "models.agent"},
		{"bad threshold", "judge:\n  threshold: 1.5\n", "judge.threshold"},
		{"bad agent threshold", "judge:\n  agent_thresholds:\n    a: -1\n", "agent_thresholds.a"},
		{"bad turns", "run:\n  max_turns: -1\n", "max_turns"},
		{"bad backoff", "retry:\n  backoff_factor: 0.5\n", "backoff_factor"},
		{"custom api needs url", "providers:\n  proxy:\n    protocol: openai_chat_completions\n", "base_url"},
		{"custom api needs protocol", "providers:\n  proxy:\n    base_url: http://x\n", "protocol"},
		{"custom cli needs args", "providers:\n  mine:\n    backend: cli\n", "needs executable"},
		{"bad backend", "providers:\n  openai:\n    backend: grpc\n", "invalid backend"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseRunConfig([]byte(tc.in), false)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("want error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestParseRunConfig_JSONRejectsTrailingValues(t *testing.T) {
	if _, err := ParseRunConfig([]byte(`{"version":1} {"version":1}`), true); err == nil {
		t.Fatalf("expected error")
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Version != 1 || cfg.Run.MaxTurns != DefaultMaxTurns || cfg.TestTimeout() != 0 || cfg.Storage.Path != DefaultStoragePath {
		t.Fatalf("Default: %+v", cfg)
	}
}
