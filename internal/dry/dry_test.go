package dry

import (
	"reflect"
	"testing"

	"github.com/danshapiro/voicetest/internal/graph"
)

const professional = "Always be professional and empathetic in your responses."

func buildGraph(instructions string, prompts ...string) *graph.AgentGraph {
	g := graph.New("dry", "n0")
	g.Instructions = instructions
	for i, p := range prompts {
		g.AddNode(&graph.Node{ID: "n" + string(rune('0'+i)), StatePrompt: p})
	}
	return g
}

func TestSplitSentences(t *testing.T) {
	got := SplitSentences("Greet the caller. Ask how you can help!\nVersion 2.5 is current? yes\n\n  ")
	want := []string{"Greet the caller.", "Ask how you can help!", "Version 2.5 is current?", "yes"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestAnalyze_ExactAcrossThreeNodes(t *testing.T) {
	g := buildGraph("",
		"Greet the caller. "+professional,
		professional+" Resolve billing questions.",
		"Transfer to a human. "+professional,
	)
	rep := Analyze(g, DefaultOptions())
	if len(rep.Exact) != 1 {
		t.Fatalf("exact: %+v", rep.Exact)
	}
	m := rep.Exact[0]
	if m.Text != professional || !reflect.DeepEqual(m.Locations, []string{"n0", "n1", "n2"}) {
		t.Fatalf("match: %+v", m)
	}
	for _, f := range rep.Fuzzy {
		for _, s := range f.Texts {
			if s == professional {
				t.Fatalf("exact duplicates must not be reported again as fuzzy: %+v", f)
			}
		}
	}
}

func TestAnalyze_ExactNeedsDistinctLocationsAndLength(t *testing.T) {
	g := buildGraph("Be kind.",
		professional+"\n"+professional,
		"Be kind.",
	)
	rep := Analyze(g, DefaultOptions())
	if len(rep.Exact) != 0 {
		t.Fatalf("single-location repeats and short sentences are not reported: %+v", rep.Exact)
	}
}

func TestAnalyze_InstructionsCountAsLocation(t *testing.T) {
	g := buildGraph(professional, professional)
	rep := Analyze(g, DefaultOptions())
	if len(rep.Exact) != 1 || !reflect.DeepEqual(rep.Exact[0].Locations, []string{graph.InstructionsLocation, "n0"}) {
		t.Fatalf("exact: %+v", rep.Exact)
	}
}

func TestAnalyze_FuzzyPair(t *testing.T) {
	a := "Please verify the caller's account number before continuing."
	b := "Please verify the caller's account number before proceeding."
	g := buildGraph("", a+" Keep it short.", b, "Offer to transfer the call to a human agent on request.")
	rep := Analyze(g, DefaultOptions())
	if len(rep.Exact) != 0 {
		t.Fatalf("exact: %+v", rep.Exact)
	}
	if len(rep.Fuzzy) != 1 {
		t.Fatalf("fuzzy: %+v", rep.Fuzzy)
	}
	f := rep.Fuzzy[0]
	if !reflect.DeepEqual(f.Texts, []string{a, b}) || !reflect.DeepEqual(f.Locations, []string{"n0", "n1"}) {
		t.Fatalf("match: %+v", f)
	}
	if f.Similarity < DefaultFuzzyThreshold || f.Similarity > 1 {
		t.Fatalf("similarity %v", f.Similarity)
	}
	if rep.Len() != 1 {
		t.Fatalf("Len=%d", rep.Len())
	}
}

func TestAnalyze_FuzzyMinLengthUsesShorterSentence(t *testing.T) {
	g := buildGraph("", "Confirm the booking now.", "Confirm the booking now!")
	if rep := Analyze(g, DefaultOptions()); len(rep.Fuzzy) != 0 {
		t.Fatalf("short sentences are below the fuzzy minimum: %+v", rep.Fuzzy)
	}
	opts := DefaultOptions()
	opts.FuzzyMinLength = 10
	rep := Analyze(g, opts)
	if len(rep.Fuzzy) != 1 {
		t.Fatalf("lowered minimum should report the pair: %+v", rep.Fuzzy)
	}
}

func TestAnalyze_ZeroOptionsAreUsedAsGiven(t *testing.T) {
	g := buildGraph("", "Greet the caller warmly.", "Quote the refund policy.")
	if rep := Analyze(g, DefaultOptions()); rep.Len() != 0 {
		t.Fatalf("unrelated sentences reported: %+v", rep)
	}
	rep := Analyze(g, Options{FuzzyThreshold: 0, FuzzyMinLength: 0})
	if len(rep.Fuzzy) != 1 || len(rep.Exact) != 0 {
		t.Fatalf("threshold 0 should report every pair: %+v", rep)
	}

	dup := buildGraph("", "Hold on.", "Hold on.")
	if rep := Analyze(dup, DefaultOptions()); len(rep.Exact) != 0 {
		t.Fatalf("short duplicate below default minimum: %+v", rep.Exact)
	}
	if rep := Analyze(dup, Options{MinLength: 0, FuzzyThreshold: 1}); len(rep.Exact) != 1 {
		t.Fatalf("minimum length 0 should report the duplicate: %+v", rep.Exact)
	}
}

func TestOptions_Validate(t *testing.T) {
	if err := DefaultOptions().Validate(); err != nil {
		t.Fatalf("defaults: %v", err)
	}
	for _, o := range []Options{{FuzzyThreshold: -0.1}, {FuzzyThreshold: 1.5}, {MinLength: -1}, {FuzzyMinLength: -2}} {
		if err := o.Validate(); err == nil {
			t.Fatalf("expected error for %+v", o)
		}
	}
}

func TestSimilarity_Symmetric(t *testing.T) {
	pairs := [][2]string{
		{"abcd", "bcde"},
		{"Please hold while I transfer you.", "Hold on while I transfer your call."},
		{"", "something"},
		{"The quick brown fox.", "A quick brown dog!"},
	}
	for _, p := range pairs {
		ab, ba := Similarity(p[0], p[1]), Similarity(p[1], p[0])
		if ab != ba {
			t.Fatalf("similarity(%q,%q)=%v but reversed=%v", p[0], p[1], ab, ba)
		}
		if ab < 0 || ab > 1 {
			t.Fatalf("out of range: %v", ab)
		}
	}
	if Similarity("same text", "same text") != 1 {
		t.Fatalf("identical text must score 1")
	}
}

func TestAnalyze_DoesNotModifyGraph(t *testing.T) {
	g := buildGraph(professional, professional, professional)
	before := g.Clone()
	Analyze(g, DefaultOptions())
	if !reflect.DeepEqual(before.PromptTexts(), g.PromptTexts()) {
		t.Fatalf("graph changed")
	}
}
