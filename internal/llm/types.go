package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

func System(text string) Message    { return Message{Role: RoleSystem, Content: text} }
func User(text string) Message      { return Message{Role: RoleUser, Content: text} }
func Assistant(text string) Message { return Message{Role: RoleAssistant, Content: text} }

type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type ToolCall struct {
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type ResponseFormatType string

const (
	ResponseFormatText ResponseFormatType = "text"
	ResponseFormatJSON ResponseFormatType = "json_object"
)

type ResponseFormat struct {
	Type ResponseFormatType `json:"type"`
	// Schema documents the expected object. Backends that cannot enforce it receive it
	// as an instruction.
	Schema map[string]any `json:"schema,omitempty"`
}

type Request struct {
	Provider       string           `json:"provider,omitempty"`
	Model          string           `json:"model"`
	Messages       []Message        `json:"messages"`
	Tools          []ToolDefinition `json:"tools,omitempty"`
	Temperature    *float64         `json:"temperature,omitempty"`
	MaxTokens      *int             `json:"max_tokens,omitempty"`
	ResponseFormat *ResponseFormat  `json:"response_format,omitempty"`
	// Role tags the request for logging and metrics (simulator, agent, judge, transition).
	Role string `json:"-"`
}

func (r Request) Validate() error {
	if len(r.Messages) == 0 {
		return &ConfigurationError{Message: "request has no messages"}
	}
	for _, t := range r.Tools {
		if err := ValidateToolName(t.Name); err != nil {
			return err
		}
	}
	return nil
}

// SystemPrompt joins every system message.
func (r Request) SystemPrompt() string {
	var parts []string
	for _, m := range r.Messages {
		if m.Role == RoleSystem && strings.TrimSpace(m.Content) != "" {
			parts = append(parts, m.Content)
		}
	}
	return strings.Join(parts, "\n\n")
}

// Conversation returns the non-system messages.
func (r Request) Conversation() []Message {
	out := make([]Message, 0, len(r.Messages))
	for _, m := range r.Messages {
		if m.Role != RoleSystem {
			out = append(out, m)
		}
	}
	return out
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

type Response struct {
	ID        string         `json:"id,omitempty"`
	Provider  string         `json:"provider"`
	Model     string         `json:"model"`
	Text      string         `json:"text"`
	ToolCalls []ToolCall     `json:"tool_calls,omitempty"`
	Finish    string         `json:"finish,omitempty"`
	Usage     Usage          `json:"usage"`
	Raw       map[string]any `json:"-"`
}

// ValidateToolName enforces the character set every backend accepts.
func ValidateToolName(name string) error {
	if name == "" {
		return &ConfigurationError{Message: "tool name is empty"}
	}
	if len(name) > 64 {
		return &ConfigurationError{Message: fmt.Sprintf("tool name %q exceeds 64 characters", name)}
	}
	for _, r := range name {
		ok := r == '_' || r == '-' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		if !ok {
			return &ConfigurationError{Message: fmt.Sprintf("tool name %q has invalid character %q", name, r)}
		}
	}
	return nil
}
