package transcript

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestTranscript_AppendRecordsTools(t *testing.T) {
	var tr Transcript
	tr.Visit("greeting")
	tr.Append(Turn{Speaker: SpeakerUser, Text: "hi", NodeID: "greeting"})
	tr.Append(Turn{
		Speaker:   SpeakerAgent,
		Text:      "transferring",
		NodeID:    "greeting",
		ToolCalls: []ToolCall{{Name: "transfer_call", Arguments: json.RawMessage(`{"to":"billing"}`)}},
	})
	if len(tr.ToolsCalled) != 1 || tr.ToolsCalled[0] != "transfer_call" {
		t.Fatalf("tools called: %v", tr.ToolsCalled)
	}
	last, ok := tr.Last(SpeakerUser)
	if !ok || last.Text != "hi" {
		t.Fatalf("Last(user)=%+v ok=%v", last, ok)
	}
	if tr.Terminated() {
		t.Fatalf("transcript without a reason must not be terminated")
	}
	tr.Reason = ReasonGoalComplete
	if !tr.Terminated() {
		t.Fatalf("expected terminated")
	}
}

func TestTranscript_RenderAndDigest(t *testing.T) {
	a := &Transcript{Turns: []Turn{
		{Speaker: SpeakerUser, Text: "hello"},
		{Speaker: SpeakerAgent, Text: "welcome", ToolCalls: []ToolCall{{Name: "lookup"}}},
	}}
	r := a.Render()
	for _, want := range []string{"[1] USER: hello", "[2] AGENT: welcome", "(tool call) lookup {}"} {
		if !strings.Contains(r, want) {
			t.Fatalf("render missing %q:\n%s", want, r)
		}
	}
	b := &Transcript{Turns: append([]Turn(nil), a.Turns...)}
	if a.Digest() != b.Digest() {
		t.Fatalf("equal transcripts must share a digest")
	}
	b.Turns[0].Text = "hello!"
	if a.Digest() == b.Digest() {
		t.Fatalf("different transcripts must not share a digest")
	}
	if got := a.Text(); got != "hello\nwelcome" {
		t.Fatalf("Text()=%q", got)
	}
}
