package config

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/Laisky/errors/v2"
	"gopkg.in/yaml.v3"

	"github.com/danshapiro/voicetest/internal/llm"
	"github.com/danshapiro/voicetest/internal/providerspec"
)

type BackendKind string

const (
	BackendAPI BackendKind = "api"
	BackendCLI BackendKind = "cli"
)

type ProviderConfig struct {
	// Backend defaults to the builtin descriptor's kind.
	Backend    BackendKind       `json:"backend,omitempty" yaml:"backend,omitempty"`
	Protocol   string            `json:"protocol,omitempty" yaml:"protocol,omitempty"`
	BaseURL    string            `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	Path       string            `json:"path,omitempty" yaml:"path,omitempty"`
	APIKeyEnv  string            `json:"api_key_env,omitempty" yaml:"api_key_env,omitempty"`
	Headers    map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Executable string            `json:"executable,omitempty" yaml:"executable,omitempty"`
	Args       []string          `json:"args,omitempty" yaml:"args,omitempty"`
}

// ModelsConfig holds one backend selector ("provider/model") per role.
type ModelsConfig struct {
	Simulator  string `json:"simulator,omitempty" yaml:"simulator,omitempty"`
	Agent      string `json:"agent,omitempty" yaml:"agent,omitempty"`
	Judge      string `json:"judge,omitempty" yaml:"judge,omitempty"`
	Transition string `json:"transition,omitempty" yaml:"transition,omitempty"`
}

type RunSettings struct {
	MaxTurns      int `json:"max_turns,omitempty" yaml:"max_turns,omitempty"`
	Concurrency   int `json:"concurrency,omitempty" yaml:"concurrency,omitempty"`
	TestTimeoutMS int `json:"test_timeout_ms,omitempty" yaml:"test_timeout_ms,omitempty"`
}

type JudgeConfig struct {
	Threshold       *float64           `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	AgentThresholds map[string]float64 `json:"agent_thresholds,omitempty" yaml:"agent_thresholds,omitempty"`
}

type RetryConfig struct {
	MaxRetries     *int    `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	InitialDelayMS *int    `json:"initial_delay_ms,omitempty" yaml:"initial_delay_ms,omitempty"`
	BackoffFactor  float64 `json:"backoff_factor,omitempty" yaml:"backoff_factor,omitempty"`
	MaxDelayMS     *int    `json:"max_delay_ms,omitempty" yaml:"max_delay_ms,omitempty"`
	Jitter         bool    `json:"jitter,omitempty" yaml:"jitter,omitempty"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second,omitempty" yaml:"requests_per_second,omitempty"`
	Burst             int     `json:"burst,omitempty" yaml:"burst,omitempty"`
}

type StorageConfig struct {
	Path string `json:"path,omitempty" yaml:"path,omitempty"`
}

type RunConfigFile struct {
	Version   int                       `json:"version" yaml:"version"`
	Models    ModelsConfig              `json:"models" yaml:"models"`
	Run       RunSettings               `json:"run,omitempty" yaml:"run,omitempty"`
	Judge     JudgeConfig               `json:"judge,omitempty" yaml:"judge,omitempty"`
	Retry     RetryConfig               `json:"retry,omitempty" yaml:"retry,omitempty"`
	RateLimit RateLimitConfig           `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`
	Providers map[string]ProviderConfig `json:"providers,omitempty" yaml:"providers,omitempty"`
	Storage   StorageConfig             `json:"storage,omitempty" yaml:"storage,omitempty"`
}

const (
	DefaultMaxTurns       = 20
	DefaultConcurrency    = 4
	DefaultJudgeThreshold = 0.7

	DefaultStoragePath = ".voicetest/results.db"
)

// Default returns a validated config with every default applied and no models set.
func Default() *RunConfigFile {
	cfg := &RunConfigFile{}
	applyConfigDefaults(cfg)
	return cfg
}

func LoadRunConfigFile(path string) (*RunConfigFile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}
	return ParseRunConfig(b, strings.ToLower(filepath.Ext(path)) == ".json")
}

func ParseRunConfig(b []byte, isJSON bool) (*RunConfigFile, error) {
	var cfg RunConfigFile
	if isJSON {
		if err := decodeJSONStrict(b, &cfg); err != nil {
			return nil, err
		}
	} else {
		if err := decodeYAMLStrict(b, &cfg); err != nil {
			return nil, err
		}
	}
	applyConfigDefaults(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeJSONStrict(b []byte, cfg *RunConfigFile) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return errors.Wrap(err, "decode json config")
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return errors.New("json: multiple top-level values are not allowed")
		}
		return errors.Wrap(err, "decode json config")
	}
	return nil
}

func decodeYAMLStrict(b []byte, cfg *RunConfigFile) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return errors.Wrap(err, "decode yaml config")
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return errors.New("yaml: multiple documents are not allowed")
		}
		return errors.Wrap(err, "decode yaml config")
	}
	return nil
}

func applyConfigDefaults(cfg *RunConfigFile) {
	if cfg == nil {
		return
	}
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	cfg.Models.Simulator = strings.TrimSpace(cfg.Models.Simulator)
	cfg.Models.Agent = strings.TrimSpace(cfg.Models.Agent)
	cfg.Models.Judge = strings.TrimSpace(cfg.Models.Judge)
	cfg.Models.Transition = strings.TrimSpace(cfg.Models.Transition)
	if cfg.Run.MaxTurns == 0 {
		cfg.Run.MaxTurns = DefaultMaxTurns
	}
	if cfg.Run.Concurrency == 0 {
		cfg.Run.Concurrency = DefaultConcurrency
	}
	if cfg.Judge.Threshold == nil {
		v := DefaultJudgeThreshold
		cfg.Judge.Threshold = &v
	}
	def := llm.DefaultRetryPolicy()
	if cfg.Retry.MaxRetries == nil {
		v := def.MaxRetries
		cfg.Retry.MaxRetries = &v
	}
	if cfg.Retry.InitialDelayMS == nil {
		v := def.InitialDelayMS
		cfg.Retry.InitialDelayMS = &v
	}
	if cfg.Retry.BackoffFactor == 0 {
		cfg.Retry.BackoffFactor = def.BackoffFactor
	}
	if cfg.Retry.MaxDelayMS == nil {
		v := def.MaxDelayMS
		cfg.Retry.MaxDelayMS = &v
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 1
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = DefaultStoragePath
	}
	if cfg.Providers == nil {
		cfg.Providers = map[string]ProviderConfig{}
	}
	normalized := make(map[string]ProviderConfig, len(cfg.Providers))
	for k, pc := range cfg.Providers {
		key := providerspec.CanonicalProviderKey(k)
		if pc.Backend == "" {
			if b, ok := providerspec.Builtin(key); ok && b.IsCLI() {
				pc.Backend = BackendCLI
			} else {
				pc.Backend = BackendAPI
			}
		}
		normalized[key] = pc
	}
	cfg.Providers = normalized
}

func validateConfig(cfg *RunConfigFile) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if cfg.Version != 1 {
		return errors.Errorf("unsupported config version: %d", cfg.Version)
	}
	for _, m := range []struct{ key, val string }{
		{"models.simulator", cfg.Models.Simulator},
		{"models.agent", cfg.Models.Agent},
		{"models.judge", cfg.Models.Judge},
		{"models.transition", cfg.Models.Transition},
	} {
		if m.val == "" {
			continue
		}
		if _, err := llm.ParseModelRef(m.val); err != nil {
			return errors.Wrapf(err, "%s", m.key)
		}
	}
	if cfg.Run.MaxTurns < 1 {
		return errors.Errorf("run.max_turns must be >= 1, got %d", cfg.Run.MaxTurns)
	}
	if cfg.Run.Concurrency < 1 {
		return errors.Errorf("run.concurrency must be >= 1, got %d", cfg.Run.Concurrency)
	}
	if cfg.Run.TestTimeoutMS < 0 {
		return errors.New("run.test_timeout_ms must be >= 0")
	}
	if t := *cfg.Judge.Threshold; t < 0 || t > 1 {
		return errors.Errorf("judge.threshold must be within [0, 1], got %v", t)
	}
	for name, t := range cfg.Judge.AgentThresholds {
		if t < 0 || t > 1 {
			return errors.Errorf("judge.agent_thresholds.%s must be within [0, 1], got %v", name, t)
		}
	}
	if *cfg.Retry.MaxRetries < 0 {
		return errors.New("retry.max_retries must be >= 0")
	}
	if *cfg.Retry.InitialDelayMS < 0 || *cfg.Retry.MaxDelayMS < 0 {
		return errors.New("retry delays must be >= 0")
	}
	if cfg.Retry.BackoffFactor < 1 {
		return errors.Errorf("retry.backoff_factor must be >= 1, got %v", cfg.Retry.BackoffFactor)
	}
	if cfg.RateLimit.RequestsPerSecond < 0 {
		return errors.New("rate_limit.requests_per_second must be >= 0")
	}
	if cfg.RateLimit.Burst < 1 {
		return errors.New("rate_limit.burst must be >= 1")
	}
	for _, prov := range cfg.ProviderKeys() {
		pc := cfg.Providers[prov]
		builtin, hasBuiltin := providerspec.Builtin(prov)
		switch pc.Backend {
		case BackendAPI:
			protocol := strings.TrimSpace(pc.Protocol)
			if protocol == "" && hasBuiltin && builtin.API != nil {
				protocol = string(builtin.API.Protocol)
			}
			switch providerspec.APIProtocol(protocol) {
			case providerspec.ProtocolOpenAIChatCompletions, providerspec.ProtocolAnthropicMessages:
			case "":
				return errors.Errorf("providers.%s.protocol is required for a non-builtin api backend", prov)
			default:
				return errors.Errorf("providers.%s.protocol: unsupported %q", prov, protocol)
			}
			if !hasBuiltin && strings.TrimSpace(pc.BaseURL) == "" {
				return errors.Errorf("providers.%s.base_url is required for a non-builtin api backend", prov)
			}
		case BackendCLI:
			if (!hasBuiltin || builtin.CLI == nil) && (strings.TrimSpace(pc.Executable) == "" || len(pc.Args) == 0) {
				return errors.Errorf("providers.%s backend=cli needs executable and args when it is not a builtin CLI", prov)
			}
		default:
			return errors.Errorf("invalid backend for provider %q: %q (want api|cli)", prov, pc.Backend)
		}
	}
	return nil
}

// RequireModels reports the first missing role selector needed to run tests.
func (c *RunConfigFile) RequireModels() error {
	if c.Models.Simulator == "" {
		return errors.New("models.simulator is required")
	}
	if c.Models.Agent == "" {
		return errors.New("models.agent is required")
	}
	if c.Models.Judge == "" {
		return errors.New("models.judge is required")
	}
	return nil
}

// TransitionModel falls back to the agent model.
func (c *RunConfigFile) TransitionModel() string {
	if c.Models.Transition != "" {
		return c.Models.Transition
	}
	return c.Models.Agent
}

func (c *RunConfigFile) ProviderKeys() []string {
	out := make([]string, 0, len(c.Providers))
	for k := range c.Providers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (c *RunConfigFile) RetryPolicy() llm.RetryPolicy {
	return llm.RetryPolicy{
		MaxRetries:     *c.Retry.MaxRetries,
		InitialDelayMS: *c.Retry.InitialDelayMS,
		BackoffFactor:  c.Retry.BackoffFactor,
		MaxDelayMS:     *c.Retry.MaxDelayMS,
		Jitter:         c.Retry.Jitter,
	}
}

func (c *RunConfigFile) TestTimeout() time.Duration {
	return time.Duration(c.Run.TestTimeoutMS) * time.Millisecond
}

func (c *RunConfigFile) JudgeThreshold() float64 {
	return *c.Judge.Threshold
}
