package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/Laisky/errors/v2"

	"github.com/danshapiro/voicetest/internal/llm"
	"github.com/danshapiro/voicetest/internal/providerspec"
)

const (
	defaultBaseURL   = "https://api.anthropic.com"
	defaultPath      = "/v1/messages"
	apiVersion       = "2023-06-01"
	defaultMaxTokens = 4096
)

type Adapter struct {
	Provider     string
	APIKey       string
	BaseURL      string
	Path         string
	ExtraHeaders map[string]string
	Client       *http.Client
}

func NewWithProvider(provider, apiKey, baseURL string) *Adapter {
	p := providerspec.CanonicalProviderKey(provider)
	if p == "" {
		p = "anthropic"
	}
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		base = defaultBaseURL
	}
	return &Adapter{
		Provider: p,
		APIKey:   strings.TrimSpace(apiKey),
		BaseURL:  base,
		Path:     defaultPath,
		// Rely on request context deadlines instead of a client-level timeout.
		Client: &http.Client{Timeout: 0},
	}
}

func (a *Adapter) Name() string {
	if p := providerspec.CanonicalProviderKey(a.Provider); p != "" {
		return p
	}
	return "anthropic"
}

func (a *Adapter) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	if a.Client == nil {
		a.Client = &http.Client{Timeout: 0}
	}
	system := applyResponseFormat(req.SystemPrompt(), req.ResponseFormat)
	maxTokens := defaultMaxTokens
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		maxTokens = *req.MaxTokens
	}
	body := map[string]any{
		"model":      nativeModelID(req.Model),
		"max_tokens": maxTokens,
		"messages":   toAnthropicMessages(req.Conversation()),
	}
	if strings.TrimSpace(system) != "" {
		body["system"] = system
	}
	if req.Temperature != nil {
		body["temperature"] = *req.Temperature
	}
	if len(req.Tools) > 0 {
		body["tools"] = toAnthropicTools(req.Tools)
	}

	b, err := json.Marshal(body)
	if err != nil {
		return llm.Response{}, errors.Wrap(err, "marshal messages body")
	}
	path := a.Path
	if path == "" {
		path = defaultPath
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.BaseURL+path, bytes.NewReader(b))
	if err != nil {
		return llm.Response{}, &llm.ConfigurationError{Message: err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.APIKey)
	httpReq.Header.Set("anthropic-version", apiVersion)
	for k, v := range a.ExtraHeaders {
		httpReq.Header.Set(k, v)
	}

	resp, err := a.Client.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return llm.Response{}, llm.WrapContextError(a.Name(), ctxErr)
		}
		return llm.Response{}, llm.NewNetworkError(a.Name(), err)
	}
	defer func() { _ = resp.Body.Close() }()

	rawBytes, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return llm.Response{}, llm.NewNetworkError(a.Name(), err)
	}
	var raw map[string]any
	_ = json.Unmarshal(rawBytes, &raw)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		ra := llm.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		return llm.Response{}, llm.ErrorFromHTTPStatus(a.Name(), resp.StatusCode, errorMessage(raw, rawBytes), ra)
	}
	if raw == nil {
		return llm.Response{}, llm.ErrorFromHTTPStatus(a.Name(), http.StatusBadGateway, "messages.create returned invalid JSON", nil)
	}
	return fromAnthropicResponse(a.Name(), raw, req.Model), nil
}

func errorMessage(raw map[string]any, body []byte) string {
	if e, ok := raw["error"].(map[string]any); ok {
		if m, _ := e["message"].(string); m != "" {
			return m
		}
	}
	return "messages.create failed: " + strings.TrimSpace(string(body))
}

func applyResponseFormat(system string, rf *llm.ResponseFormat) string {
	if rf == nil || rf.Type != llm.ResponseFormatJSON {
		return system
	}
	inst := "Output only valid JSON. Do not include any extra text."
	if rf.Schema != nil {
		if b, err := json.Marshal(rf.Schema); err == nil {
			inst = "Output only valid JSON that matches this JSON Schema. Do not include any extra text.\n\nJSON Schema:\n" + string(b)
		}
	}
	return strings.TrimSpace(system + "\n\n" + inst)
}

func toAnthropicTools(tools []llm.ToolDefinition) []map[string]any {
	out := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		params := t.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, map[string]any{
			"name":         t.Name,
			"description":  t.Description,
			"input_schema": params,
		})
	}
	return out
}

// toAnthropicMessages merges same-role neighbours because the messages API requires
// strict user/assistant alternation, and prepends a user turn when the history opens
// with the assistant.
func toAnthropicMessages(msgs []llm.Message) []map[string]any {
	var out []map[string]any
	for _, m := range msgs {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		role := "user"
		if m.Role == llm.RoleAssistant {
			role = "assistant"
		}
		if n := len(out); n > 0 && out[n-1]["role"] == role {
			out[n-1]["content"] = out[n-1]["content"].(string) + "\n\n" + m.Content
			continue
		}
		out = append(out, map[string]any{"role": role, "content": m.Content})
	}
	if len(out) == 0 || out[0]["role"] != "user" {
		out = append([]map[string]any{{"role": "user", "content": "(conversation start)"}}, out...)
	}
	return out
}

func fromAnthropicResponse(provider string, raw map[string]any, requestedModel string) llm.Response {
	r := llm.Response{
		Provider: provider,
		Model:    requestedModel,
		Raw:      raw,
	}
	if id, _ := raw["id"].(string); id != "" {
		r.ID = id
	}
	if m, _ := raw["model"].(string); m != "" {
		r.Model = m
	}
	var text []string
	if content, ok := raw["content"].([]any); ok {
		for _, itAny := range content {
			it, ok := itAny.(map[string]any)
			if !ok {
				continue
			}
			switch it["type"] {
			case "text":
				if t, _ := it["text"].(string); t != "" {
					text = append(text, t)
				}
			case "tool_use":
				id, _ := it["id"].(string)
				name, _ := it["name"].(string)
				args, _ := json.Marshal(it["input"])
				r.ToolCalls = append(r.ToolCalls, llm.ToolCall{ID: id, Name: name, Arguments: args})
			}
		}
	}
	r.Text = strings.Join(text, "")
	r.Finish, _ = raw["stop_reason"].(string)
	if u, ok := raw["usage"].(map[string]any); ok {
		in, _ := u["input_tokens"].(float64)
		out, _ := u["output_tokens"].(float64)
		r.Usage = llm.Usage{InputTokens: int(in), OutputTokens: int(out), TotalTokens: int(in + out)}
	}
	return r
}

// versionDotRe matches dots between digits in model version numbers ("4.5").
var versionDotRe = regexp.MustCompile(`(\d)\.(\d)`)

// nativeModelID translates dotted model ids ("claude-sonnet-4.5") to the native dashed
// form ("claude-sonnet-4-5").
func nativeModelID(id string) string {
	return versionDotRe.ReplaceAllString(id, "${1}-${2}")
}
