package cond

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/danshapiro/voicetest/internal/transcript"
)

// Kind selects how a transition condition is decided.
//
//	always   matches unconditionally
//	keyword  any of Values appears (case-insensitive) in the latest turns within Scope
//	regex    Value matches the latest turns within Scope
//	tool     the latest agent turn called the tool named Value
//	llm      Value is a natural-language predicate answered by a model role
type Kind string

const (
	KindAlways  Kind = "always"
	KindKeyword Kind = "keyword"
	KindRegex   Kind = "regex"
	KindTool    Kind = "tool"
	KindLLM     Kind = "llm"
)

// Scope limits which of the latest turns keyword and regex conditions inspect.
type Scope string

const (
	ScopeAny   Scope = "any"
	ScopeUser  Scope = "user"
	ScopeAgent Scope = "agent"
)

// Spec is the declarative form stored on a transition. A bare string decodes as an
// llm predicate; an empty string decodes as always.
type Spec struct {
	Type   Kind     `json:"type" yaml:"type"`
	Value  string   `json:"value,omitempty" yaml:"value,omitempty"`
	Values []string `json:"values,omitempty" yaml:"values,omitempty"`
	Scope  Scope    `json:"scope,omitempty" yaml:"scope,omitempty"`
}

type specFields Spec

func (s *Spec) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err == nil {
		*s = specFromString(str)
		return nil
	}
	var f specFields
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	*s = Spec(f)
	return nil
}

func (s *Spec) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind == yaml.ScalarNode {
		*s = specFromString(n.Value)
		return nil
	}
	var f specFields
	if err := n.Decode(&f); err != nil {
		return err
	}
	*s = Spec(f)
	return nil
}

func specFromString(str string) Spec {
	str = strings.TrimSpace(str)
	if str == "" || strings.EqualFold(str, string(KindAlways)) {
		return Spec{Type: KindAlways}
	}
	return Spec{Type: KindLLM, Value: str}
}

// Input is what a condition may inspect after an agent turn.
type Input struct {
	Transcript *transcript.Transcript
	// ToolCalls are the calls made in the latest agent turn.
	ToolCalls []transcript.ToolCall
	Oracle    Oracle
}

// Oracle answers natural-language predicates about a transcript.
type Oracle interface {
	Decide(ctx context.Context, predicate string, tr *transcript.Transcript) (bool, error)
}

// Condition is a compiled transition predicate. Callers never need to know the kind.
type Condition interface {
	Kind() Kind
	String() string
	Match(ctx context.Context, in Input) (bool, error)
}

// Compile validates s and returns its executable form. Every error here is a
// configuration error and is surfaced when the graph is loaded.
func Compile(s Spec) (Condition, error) {
	kind := Kind(strings.ToLower(strings.TrimSpace(string(s.Type))))
	if kind == "" {
		kind = KindAlways
		if strings.TrimSpace(s.Value) != "" {
			kind = KindLLM
		}
	}
	scope, err := parseScope(s.Scope)
	if err != nil {
		return nil, err
	}
	value := strings.TrimSpace(s.Value)
	switch kind {
	case KindAlways:
		return always{}, nil
	case KindKeyword:
		var words []string
		for _, w := range append(append([]string{}, s.Values...), value) {
			if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
				words = append(words, w)
			}
		}
		if len(words) == 0 {
			return nil, fmt.Errorf("keyword condition requires at least one keyword")
		}
		return keyword{words: words, scope: scope}, nil
	case KindRegex:
		if value == "" {
			return nil, fmt.Errorf("regex condition requires a pattern")
		}
		re, err := regexp.Compile(value)
		if err != nil {
			return nil, fmt.Errorf("regex condition %q: %w", value, err)
		}
		return pattern{re: re, scope: scope}, nil
	case KindTool:
		if value == "" {
			return nil, fmt.Errorf("tool condition requires a tool name")
		}
		return toolCalled{name: value}, nil
	case KindLLM:
		if value == "" {
			return nil, fmt.Errorf("llm condition requires a predicate")
		}
		return predicate{text: value}, nil
	default:
		return nil, fmt.Errorf("unknown condition type: %q (want always|keyword|regex|tool|llm)", s.Type)
	}
}

func parseScope(s Scope) (Scope, error) {
	switch Scope(strings.ToLower(strings.TrimSpace(string(s)))) {
	case "", ScopeAny:
		return ScopeAny, nil
	case ScopeUser:
		return ScopeUser, nil
	case ScopeAgent:
		return ScopeAgent, nil
	default:
		return "", fmt.Errorf("invalid condition scope: %q (want any|user|agent)", s)
	}
}

// latestTexts returns the text of the most recent user and/or agent turn.
func latestTexts(tr *transcript.Transcript, scope Scope) []string {
	var out []string
	if scope == ScopeAny || scope == ScopeUser {
		if t, ok := tr.Last(transcript.SpeakerUser); ok {
			out = append(out, t.Text)
		}
	}
	if scope == ScopeAny || scope == ScopeAgent {
		if t, ok := tr.Last(transcript.SpeakerAgent); ok {
			out = append(out, t.Text)
		}
	}
	return out
}

type always struct{}

func (always) Kind() Kind     { return KindAlways }
func (always) String() string { return "always" }
func (always) Match(context.Context, Input) (bool, error) {
	return true, nil
}

type keyword struct {
	words []string
	scope Scope
}

func (k keyword) Kind() Kind { return KindKeyword }
func (k keyword) String() string {
	return fmt.Sprintf("keyword(%s)[%s]", strings.Join(k.words, "|"), k.scope)
}
func (k keyword) Match(_ context.Context, in Input) (bool, error) {
	for _, text := range latestTexts(in.Transcript, k.scope) {
		lower := strings.ToLower(text)
		for _, w := range k.words {
			if strings.Contains(lower, w) {
				return true, nil
			}
		}
	}
	return false, nil
}

type pattern struct {
	re    *regexp.Regexp
	scope Scope
}

func (p pattern) Kind() Kind     { return KindRegex }
func (p pattern) String() string { return fmt.Sprintf("regex(%s)[%s]", p.re.String(), p.scope) }
func (p pattern) Match(_ context.Context, in Input) (bool, error) {
	for _, text := range latestTexts(in.Transcript, p.scope) {
		if p.re.MatchString(text) {
			return true, nil
		}
	}
	return false, nil
}

type toolCalled struct {
	name string
}

func (t toolCalled) Kind() Kind     { return KindTool }
func (t toolCalled) String() string { return "tool(" + t.name + ")" }
func (t toolCalled) Match(_ context.Context, in Input) (bool, error) {
	for _, c := range in.ToolCalls {
		if c.Name == t.name {
			return true, nil
		}
	}
	return false, nil
}

type predicate struct {
	text string
}

func (p predicate) Kind() Kind     { return KindLLM }
func (p predicate) String() string { return "llm(" + p.text + ")" }
func (p predicate) Match(ctx context.Context, in Input) (bool, error) {
	if in.Oracle == nil {
		return false, fmt.Errorf("llm condition %q: no oracle configured", p.text)
	}
	return in.Oracle.Decide(ctx, p.text, in.Transcript)
}
