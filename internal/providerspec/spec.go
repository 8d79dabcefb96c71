package providerspec

import (
	"strings"
	"sync"
)

type APIProtocol string

const (
	ProtocolOpenAIChatCompletions APIProtocol = "openai_chat_completions"
	ProtocolAnthropicMessages     APIProtocol = "anthropic_messages"
)

type APISpec struct {
	Protocol         APIProtocol
	DefaultBaseURL   string
	DefaultPath      string
	DefaultAPIKeyEnv string
}

type PromptMode string

const (
	PromptArg   PromptMode = "arg"
	PromptStdin PromptMode = "stdin"
)

// CLISpec describes a locally installed model CLI. InvocationTemplate entries may
// contain {{model}} and {{prompt}} placeholders.
type CLISpec struct {
	DefaultExecutable  string
	InvocationTemplate []string
	PromptMode         PromptMode
}

// Spec describes one backend. Exactly one of API or CLI is set.
type Spec struct {
	Key     string
	Aliases []string
	API     *APISpec
	CLI     *CLISpec
}

func (s Spec) IsCLI() bool { return s.CLI != nil }

var (
	providerAliasOnce  sync.Once
	providerAliasIndex map[string]string
)

func providerAliases() map[string]string {
	providerAliasOnce.Do(func() {
		providerAliasIndex = providerAliasIndexFromBuiltins(Builtins())
	})
	return providerAliasIndex
}

func providerAliasIndexFromBuiltins(specs map[string]Spec) map[string]string {
	out := map[string]string{}
	for rawKey, spec := range specs {
		key := strings.ToLower(strings.TrimSpace(rawKey))
		if key == "" {
			continue
		}
		out[key] = key
		for _, rawAlias := range spec.Aliases {
			alias := strings.ToLower(strings.TrimSpace(rawAlias))
			if alias != "" {
				out[alias] = key
			}
		}
	}
	return out
}

// CanonicalProviderKey lowercases the key and resolves builtin aliases. Unknown keys
// pass through so user-configured providers keep their names.
func CanonicalProviderKey(in string) string {
	key := strings.ToLower(strings.TrimSpace(in))
	if key == "" {
		return ""
	}
	if canonical, ok := providerAliases()[key]; ok {
		return canonical
	}
	return key
}
