package providerspec

var builtinSpecs = map[string]Spec{
	"openai": {
		Key: "openai",
		API: &APISpec{
			Protocol:         ProtocolOpenAIChatCompletions,
			DefaultBaseURL:   "https://api.openai.com",
			DefaultPath:      "/v1/chat/completions",
			DefaultAPIKeyEnv: "OPENAI_API_KEY",
		},
	},
	"anthropic": {
		Key: "anthropic",
		API: &APISpec{
			Protocol:         ProtocolAnthropicMessages,
			DefaultBaseURL:   "https://api.anthropic.com",
			DefaultPath:      "/v1/messages",
			DefaultAPIKeyEnv: "ANTHROPIC_API_KEY",
		},
	},
	"google": {
		Key:     "google",
		Aliases: []string{"gemini"},
		API: &APISpec{
			Protocol:         ProtocolOpenAIChatCompletions,
			DefaultBaseURL:   "https://generativelanguage.googleapis.com",
			DefaultPath:      "/v1beta/openai/chat/completions",
			DefaultAPIKeyEnv: "GEMINI_API_KEY",
		},
	},
	"groq": {
		Key: "groq",
		API: &APISpec{
			Protocol:         ProtocolOpenAIChatCompletions,
			DefaultBaseURL:   "https://api.groq.com",
			DefaultPath:      "/openai/v1/chat/completions",
			DefaultAPIKeyEnv: "GROQ_API_KEY",
		},
	},
	"openrouter": {
		Key: "openrouter",
		API: &APISpec{
			Protocol:         ProtocolOpenAIChatCompletions,
			DefaultBaseURL:   "https://openrouter.ai",
			DefaultPath:      "/api/v1/chat/completions",
			DefaultAPIKeyEnv: "OPENROUTER_API_KEY",
		},
	},
	"ollama": {
		Key: "ollama",
		API: &APISpec{
			Protocol:       ProtocolOpenAIChatCompletions,
			DefaultBaseURL: "http://localhost:11434",
			DefaultPath:    "/v1/chat/completions",
		},
	},
	"claude-cli": {
		Key:     "claude-cli",
		Aliases: []string{"claude", "claude_cli", "claudecode"},
		CLI: &CLISpec{
			DefaultExecutable:  "claude",
			InvocationTemplate: []string{"-p", "--output-format", "text", "--model", "{{model}}", "{{prompt}}"},
			PromptMode:         PromptArg,
		},
	},
	"gemini-cli": {
		Key:     "gemini-cli",
		Aliases: []string{"gemini_cli"},
		CLI: &CLISpec{
			DefaultExecutable:  "gemini",
			InvocationTemplate: []string{"--model", "{{model}}", "-p", "{{prompt}}"},
			PromptMode:         PromptArg,
		},
	},
	"codex-cli": {
		Key:     "codex-cli",
		Aliases: []string{"codex", "codex_cli"},
		CLI: &CLISpec{
			DefaultExecutable:  "codex",
			InvocationTemplate: []string{"exec", "--skip-git-repo-check", "-m", "{{model}}", "-"},
			PromptMode:         PromptStdin,
		},
	},
}

func Builtin(key string) (Spec, bool) {
	s, ok := builtinSpecs[CanonicalProviderKey(key)]
	if !ok {
		return Spec{}, false
	}
	return cloneSpec(s), true
}

func Builtins() map[string]Spec {
	out := make(map[string]Spec, len(builtinSpecs))
	for key, spec := range builtinSpecs {
		out[key] = cloneSpec(spec)
	}
	return out
}

func cloneSpec(in Spec) Spec {
	out := in
	if in.API != nil {
		api := *in.API
		out.API = &api
	}
	if in.CLI != nil {
		cli := *in.CLI
		cli.InvocationTemplate = append([]string{}, in.CLI.InvocationTemplate...)
		out.CLI = &cli
	}
	out.Aliases = append([]string{}, in.Aliases...)
	return out
}
