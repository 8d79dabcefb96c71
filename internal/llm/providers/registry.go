// Package providers builds an llm.Client with one adapter per backend named by the
// run configuration.
package providers

import (
	"net/http"
	"os"
	"strings"

	"github.com/Laisky/errors/v2"

	"github.com/danshapiro/voicetest/internal/config"
	"github.com/danshapiro/voicetest/internal/llm"
	"github.com/danshapiro/voicetest/internal/llm/providers/anthropic"
	"github.com/danshapiro/voicetest/internal/llm/providers/cli"
	"github.com/danshapiro/voicetest/internal/llm/providers/openaicompat"
	"github.com/danshapiro/voicetest/internal/providerspec"
)

// Options tune adapter construction.
type Options struct {
	// Getenv reads API keys. Nil means os.Getenv.
	Getenv     func(string) string
	HTTPClient *http.Client
}

// NewClient registers an adapter for every provider referenced by the configured
// model selectors, plus every explicitly configured provider.
func NewClient(cfg *config.RunConfigFile, opts Options) (*llm.Client, error) {
	if opts.Getenv == nil {
		opts.Getenv = os.Getenv
	}
	keys := map[string]struct{}{}
	for _, sel := range []string{cfg.Models.Simulator, cfg.Models.Agent, cfg.Models.Judge, cfg.TransitionModel()} {
		if sel == "" {
			continue
		}
		ref, err := llm.ParseModelRef(sel)
		if err != nil {
			return nil, err
		}
		keys[ref.Provider] = struct{}{}
	}
	for k := range cfg.Providers {
		keys[k] = struct{}{}
	}

	c := llm.NewClient()
	for key := range keys {
		a, err := NewAdapter(key, cfg.Providers[key], opts)
		if err != nil {
			return nil, err
		}
		c.Register(a)
	}
	return c, nil
}

// NewAdapter builds the adapter for one provider key from its builtin descriptor
// overlaid with configuration.
func NewAdapter(key string, pc config.ProviderConfig, opts Options) (llm.ProviderAdapter, error) {
	if opts.Getenv == nil {
		opts.Getenv = os.Getenv
	}
	key = providerspec.CanonicalProviderKey(key)
	builtin, hasBuiltin := providerspec.Builtin(key)
	backend := pc.Backend
	if backend == "" {
		backend = config.BackendAPI
		if hasBuiltin && builtin.IsCLI() {
			backend = config.BackendCLI
		}
	}
	if !hasBuiltin && backend == config.BackendAPI && strings.TrimSpace(pc.BaseURL) == "" {
		return nil, &llm.ConfigurationError{Message: "unknown provider: " + key}
	}

	if backend == config.BackendCLI {
		return cli.NewAdapter(cli.Config{Provider: key, Executable: pc.Executable, Args: pc.Args})
	}

	api := providerspec.APISpec{}
	if hasBuiltin && builtin.API != nil {
		api = *builtin.API
	}
	if pc.Protocol != "" {
		api.Protocol = providerspec.APIProtocol(pc.Protocol)
	}
	baseURL := firstNonEmpty(pc.BaseURL, api.DefaultBaseURL)
	path := firstNonEmpty(pc.Path, api.DefaultPath)
	keyEnv := firstNonEmpty(pc.APIKeyEnv, api.DefaultAPIKeyEnv)
	apiKey := ""
	if keyEnv != "" {
		apiKey = strings.TrimSpace(opts.Getenv(keyEnv))
	}

	switch api.Protocol {
	case providerspec.ProtocolAnthropicMessages:
		a := anthropic.NewWithProvider(key, apiKey, baseURL)
		a.Path = path
		a.ExtraHeaders = pc.Headers
		if opts.HTTPClient != nil {
			a.Client = opts.HTTPClient
		}
		return a, nil
	case providerspec.ProtocolOpenAIChatCompletions:
		return openaicompat.NewAdapter(openaicompat.Config{
			Provider:     key,
			APIKey:       apiKey,
			BaseURL:      baseURL,
			Path:         path,
			ExtraHeaders: pc.Headers,
			HTTPClient:   opts.HTTPClient,
		}), nil
	default:
		return nil, errors.Errorf("provider %s: unsupported protocol %q", key, api.Protocol)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
