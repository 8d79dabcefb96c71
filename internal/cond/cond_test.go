package cond

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/danshapiro/voicetest/internal/transcript"
)

type fakeOracle struct {
	answer bool
	err    error
	asked  []string
}

func (o *fakeOracle) Decide(_ context.Context, p string, _ *transcript.Transcript) (bool, error) {
	o.asked = append(o.asked, p)
	return o.answer, o.err
}

func sampleTranscript() *transcript.Transcript {
	return &transcript.Transcript{Turns: []transcript.Turn{
		{Speaker: transcript.SpeakerUser, Text: "I have a question about my bill"},
		{Speaker: transcript.SpeakerAgent, Text: "Sure, let me TRANSFER you."},
	}}
}

func TestCompileAndMatch(t *testing.T) {
	tr := sampleTranscript()
	calls := []transcript.ToolCall{{Name: "transfer_call"}}
	cases := []struct {
		name string
		spec Spec
		want bool
	}{
		{"always", Spec{Type: KindAlways}, true},
		{"empty_is_always", Spec{}, true},
		{"keyword_user", Spec{Type: KindKeyword, Values: []string{"refund", "Bill"}, Scope: ScopeUser}, true},
		{"keyword_agent_only", Spec{Type: KindKeyword, Value: "bill", Scope: ScopeAgent}, false},
		{"keyword_any_agent_text", Spec{Type: KindKeyword, Value: "transfer"}, true},
		{"regex_agent", Spec{Type: KindRegex, Value: `(?i)\btransfer\b`, Scope: ScopeAgent}, true},
		{"regex_no_match", Spec{Type: KindRegex, Value: `^refund`}, false},
		{"tool_called", Spec{Type: KindTool, Value: "transfer_call"}, true},
		{"tool_not_called", Spec{Type: KindTool, Value: "end_call"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, err := Compile(tc.spec)
			if err != nil {
				t.Fatalf("Compile: %v", err)
			}
			got, err := c.Match(context.Background(), Input{Transcript: tr, ToolCalls: calls})
			if err != nil {
				t.Fatalf("Match: %v", err)
			}
			if got != tc.want {
				t.Fatalf("%s: got %v want %v", c.String(), got, tc.want)
			}
		})
	}
}

func TestCompile_Malformed(t *testing.T) {
	bad := []Spec{
		{Type: KindRegex, Value: "(unclosed"},
		{Type: KindRegex},
		{Type: KindKeyword},
		{Type: KindTool},
		{Type: KindLLM},
		{Type: "telepathy", Value: "x"},
		{Type: KindKeyword, Value: "x", Scope: "everyone"},
	}
	for _, s := range bad {
		if _, err := Compile(s); err == nil {
			t.Fatalf("Compile(%+v): expected error", s)
		}
	}
}

func TestLLMCondition_DelegatesToOracle(t *testing.T) {
	c, err := Compile(Spec{Type: KindLLM, Value: "The user asked about billing"})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	o := &fakeOracle{answer: true}
	got, err := c.Match(context.Background(), Input{Transcript: sampleTranscript(), Oracle: o})
	if err != nil || !got {
		t.Fatalf("Match=%v err=%v", got, err)
	}
	if len(o.asked) != 1 || o.asked[0] != "The user asked about billing" {
		t.Fatalf("oracle asked %v", o.asked)
	}

	o.err = errors.New("backend down")
	if _, err := c.Match(context.Background(), Input{Transcript: sampleTranscript(), Oracle: o}); err == nil {
		t.Fatalf("expected oracle error to propagate")
	}
	if _, err := c.Match(context.Background(), Input{Transcript: sampleTranscript()}); err == nil {
		t.Fatalf("expected error without oracle")
	}
}

func TestSpec_DecodeShorthand(t *testing.T) {
	var s Spec
	if err := json.Unmarshal([]byte(`"caller wants billing"`), &s); err != nil {
		t.Fatalf("json: %v", err)
	}
	if s.Type != KindLLM || s.Value != "caller wants billing" {
		t.Fatalf("json shorthand: %+v", s)
	}
	if err := json.Unmarshal([]byte(`{"type":"regex","value":"^yes","scope":"user"}`), &s); err != nil {
		t.Fatalf("json: %v", err)
	}
	if s.Type != KindRegex || s.Scope != ScopeUser {
		t.Fatalf("json object: %+v", s)
	}

	var y struct {
		C Spec `yaml:"c"`
	}
	if err := yaml.Unmarshal([]byte("c: always\n"), &y); err != nil {
		t.Fatalf("yaml: %v", err)
	}
	if y.C.Type != KindAlways {
		t.Fatalf("yaml shorthand: %+v", y.C)
	}
	if err := yaml.Unmarshal([]byte("c:\n  type: tool\n  value: end_call\n"), &y); err != nil {
		t.Fatalf("yaml: %v", err)
	}
	if y.C.Type != KindTool || y.C.Value != "end_call" {
		t.Fatalf("yaml object: %+v", y.C)
	}
}
