package providerspec

import "testing"

func TestBuiltinSpecsCoverHTTPAndCLIBackends(t *testing.T) {
	s := Builtins()
	for _, key := range []string{"openai", "anthropic", "google", "groq", "openrouter", "ollama"} {
		spec, ok := s[key]
		if !ok {
			t.Fatalf("missing builtin provider %q", key)
		}
		if spec.API == nil || spec.IsCLI() {
			t.Fatalf("%s: want API backend, got %+v", key, spec)
		}
	}
	for _, key := range []string{"claude-cli", "gemini-cli", "codex-cli"} {
		spec, ok := s[key]
		if !ok || !spec.IsCLI() {
			t.Fatalf("%s: want CLI backend, got %+v ok=%v", key, spec, ok)
		}
	}
}

func TestCanonicalProviderKey_Aliases(t *testing.T) {
	cases := map[string]string{
		"gemini":   "google",
		" Claude ": "claude-cli",
		"codex":    "codex-cli",
		"OpenAI":   "openai",
		"my-proxy": "my-proxy",
		"":         "",
	}
	for in, want := range cases {
		if got := CanonicalProviderKey(in); got != want {
			t.Fatalf("CanonicalProviderKey(%q): got %q want %q", in, got, want)
		}
	}
}

func TestBuiltinReturnsCopy(t *testing.T) {
	a, _ := Builtin("claude")
	a.CLI.InvocationTemplate[0] = "mutated"
	b, _ := Builtin("claude-cli")
	if b.CLI.InvocationTemplate[0] != "-p" {
		t.Fatalf("builtin spec was mutated through a returned copy")
	}
}
