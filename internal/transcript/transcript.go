package transcript

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/zeebo/blake3"
)

type Speaker string

const (
	SpeakerUser  Speaker = "user"
	SpeakerAgent Speaker = "agent"
)

// Reason is the tagged termination reason of a finished conversation.
type Reason string

const (
	ReasonNone             Reason = ""
	ReasonGoalComplete     Reason = "goal_complete"
	ReasonMaxTurnsExceeded Reason = "max_turns_exceeded"
	ReasonGraphExhausted   Reason = "graph_exhausted"
	ReasonError            Reason = "error"
)

func (r Reason) Valid() bool {
	switch r {
	case ReasonGoalComplete, ReasonMaxTurnsExceeded, ReasonGraphExhausted, ReasonError:
		return true
	default:
		return false
	}
}

// ToolCall is a tool invocation requested by the agent role. Calls are recorded, never executed.
type ToolCall struct {
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type Turn struct {
	Speaker   Speaker    `json:"speaker"`
	Text      string     `json:"text"`
	NodeID    string     `json:"node_id"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

type Transcript struct {
	Turns        []Turn        `json:"turns"`
	NodesVisited []string      `json:"nodes_visited"`
	ToolsCalled  []string      `json:"tools_called"`
	TurnCount    int           `json:"turn_count"`
	Reason       Reason        `json:"reason"`
	TimedOut     bool          `json:"timed_out,omitempty"`
	Error        string        `json:"error,omitempty"`
	Duration     time.Duration `json:"duration_ns"`
}

// Append adds a turn and records any tool calls it carries.
func (t *Transcript) Append(turn Turn) {
	t.Turns = append(t.Turns, turn)
	for _, c := range turn.ToolCalls {
		t.ToolsCalled = append(t.ToolsCalled, c.Name)
	}
}

// Visit records node as the newly active node.
func (t *Transcript) Visit(node string) {
	t.NodesVisited = append(t.NodesVisited, node)
}

func (t *Transcript) Terminated() bool { return t != nil && t.Reason.Valid() }

// Last returns the most recent turn by speaker.
func (t *Transcript) Last(s Speaker) (Turn, bool) {
	if t == nil {
		return Turn{}, false
	}
	for i := len(t.Turns) - 1; i >= 0; i-- {
		if t.Turns[i].Speaker == s {
			return t.Turns[i], true
		}
	}
	return Turn{}, false
}

// Text concatenates every turn's text, one per line. Rule checks run against this.
func (t *Transcript) Text() string {
	if t == nil {
		return ""
	}
	parts := make([]string, 0, len(t.Turns))
	for _, turn := range t.Turns {
		parts = append(parts, turn.Text)
	}
	return strings.Join(parts, "\n")
}

// Render formats the conversation for inclusion in a model prompt. Turns are numbered
// from 1 so judges can cite them.
func (t *Transcript) Render() string {
	if t == nil || len(t.Turns) == 0 {
		return "(no turns)"
	}
	var b strings.Builder
	for i, turn := range t.Turns {
		label := "USER"
		if turn.Speaker == SpeakerAgent {
			label = "AGENT"
		}
		fmt.Fprintf(&b, "[%d] %s: %s\n", i+1, label, turn.Text)
		for _, c := range turn.ToolCalls {
			args := strings.TrimSpace(string(c.Arguments))
			if args == "" {
				args = "{}"
			}
			fmt.Fprintf(&b, "    (tool call) %s %s\n", c.Name, args)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// Digest is a blake3 hash over the rendered turns, stored alongside results.
func (t *Transcript) Digest() string {
	h := blake3.New()
	_, _ = h.Write([]byte(t.Render()))
	return hex.EncodeToString(h.Sum(nil))
}
