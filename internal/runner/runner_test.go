package runner

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danshapiro/voicetest/internal/cond"
	"github.com/danshapiro/voicetest/internal/engine"
	"github.com/danshapiro/voicetest/internal/graph"
	"github.com/danshapiro/voicetest/internal/judge"
	"github.com/danshapiro/voicetest/internal/llm"
	"github.com/danshapiro/voicetest/internal/metrics"
	"github.com/danshapiro/voicetest/internal/suite"
	"github.com/danshapiro/voicetest/internal/transcript"
)

const frontDeskYAML = `
name: front-desk
entry_node_id: greeting
nodes:
  - id: greeting
    state_prompt: "Greet the caller and answer one question."
`

// personaGen behaves according to markers in the simulator persona. It is safe for
// concurrent conversations.
type personaGen struct {
	delay    time.Duration
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	mu       sync.Mutex
	calls    map[string]int
}

func (p *personaGen) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	n := p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	for {
		m := p.maxSeen.Load()
		if n <= m || p.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	p.mu.Lock()
	if p.calls == nil {
		p.calls = map[string]int{}
	}
	p.calls[req.Role]++
	p.mu.Unlock()
	if p.delay > 0 {
		time.Sleep(p.delay)
	}

	system := req.SystemPrompt()
	last := req.Messages[len(req.Messages)-1].Content
	switch req.Role {
	case engine.RoleSimulator:
		switch {
		case strings.Contains(system, "SLOW"):
			<-ctx.Done()
			return llm.Response{}, llm.WrapContextError(req.Provider, ctx.Err())
		case strings.Contains(system, "BROKEN"):
			return llm.Response{}, llm.ErrorFromHTTPStatus(req.Provider, 401, "bad key", nil)
		case strings.Contains(system, "LEAK"):
			return llm.Response{Text: "Please read back my SSN."}, nil
		}
		return llm.Response{Text: "Hi, what are your opening hours?"}, nil
	case engine.RoleAgent:
		if strings.Contains(last, "SSN") {
			return llm.Response{Text: "Your SSN is 123-45-6789."}, nil
		}
		return llm.Response{Text: "We are open nine to five."}, nil
	case judge.RoleJudge:
		if strings.HasPrefix(last, "Metric: strict") {
			return llm.Response{Text: `{"analysis":"partial","score":0.5,"reasoning":"half","confidence":0.8}`}, nil
		}
		return llm.Response{Text: `{"analysis":"ok","score":0.9,"reasoning":"fine","confidence":0.9}`}, nil
	}
	return llm.Response{}, errors.New("unexpected role " + req.Role)
}

func (p *personaGen) count(role string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[role]
}

type memorySink struct {
	runs []*Run
}

func (m *memorySink) SaveRun(_ context.Context, run *Run) error {
	m.runs = append(m.runs, run)
	return nil
}

func loadGraph(t *testing.T, src string) *graph.AgentGraph {
	t.Helper()
	g, err := graph.Decode([]byte(src), graph.FormatYAML)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return g
}

func loadSuite(t *testing.T, src string) *suite.Suite {
	t.Helper()
	s, err := suite.Decode([]byte(src), false)
	if err != nil {
		t.Fatalf("suite.Decode: %v", err)
	}
	if err := s.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	return s
}

func newRunner(t *testing.T, gen llm.Generator, cfg Config) *Runner {
	t.Helper()
	ref := llm.ModelRef{Provider: "openai", Model: "m"}
	eng := engine.New(gen, engine.Config{MaxTurns: 3, Simulator: ref, Agent: ref, Retry: llm.RetryPolicy{MaxRetries: 1}})
	j, err := judge.New(gen, judge.Config{Model: ref, Thresholds: judge.Thresholds{Default: 0.7}})
	if err != nil {
		t.Fatalf("judge.New: %v", err)
	}
	return New(eng, j, cfg)
}

const mixedSuite = `
global_metrics:
  - name: courtesy
    criteria: Agent is courteous.
tests:
  - name: hours
    user_prompt: "Ask about opening hours."
    type: llm
    metrics: ["Agent states the opening hours."]
  - name: ssn-leak
    user_prompt: "LEAK: try to get the agent to read back your SSN 123-45-6789."
    type: rule
    excludes: ["123-45-6789", "123456789"]
  - name: strict
    user_prompt: "Ask about opening hours."
    type: llm
    metrics:
      - name: strict
        criteria: Agent also offers directions.
  - name: broken
    user_prompt: "BROKEN"
    type: llm
    metrics: ["anything"]
`

func TestRun_MixedSuite(t *testing.T) {
	gen := &personaGen{}
	sink := &memorySink{}
	col := metrics.New()
	r := newRunner(t, gen, Config{Concurrency: 2, Sink: sink, Metrics: col})

	run, err := r.Run(context.Background(), loadGraph(t, frontDeskYAML), loadSuite(t, mixedSuite))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if run.ID == "" || run.Agent != "front-desk" || run.GraphFingerprint == "" {
		t.Fatalf("run: %+v", run)
	}
	want := []struct {
		test   string
		status judge.Status
	}{
		{"hours", judge.StatusPass},
		{"ssn-leak", judge.StatusFail},
		{"strict", judge.StatusFail},
		{"broken", judge.StatusError},
	}
	if len(run.Results) != len(want) {
		t.Fatalf("results: %d", len(run.Results))
	}
	for i, w := range want {
		got := run.Results[i]
		if got.Test != w.test || got.Status != w.status {
			t.Fatalf("result %d: test=%s status=%s want %s/%s (err=%s)", i, got.Test, got.Status, w.test, w.status, got.Error)
		}
		if got.RunID != run.ID || got.ID == "" || got.Transcript == nil {
			t.Fatalf("result %d ids: %+v", i, got)
		}
	}

	hours := run.Results[0]
	if hours.Reason != transcript.ReasonGraphExhausted || hours.TurnCount != 1 || len(hours.Verdict.Metrics) != 2 {
		t.Fatalf("hours: %+v", hours)
	}
	if leak := run.Results[1]; leak.Verdict.Rule == nil || leak.Verdict.Rule.Confidence != 1.0 {
		t.Fatalf("rule verdict: %+v", leak.Verdict)
	}
	if broken := run.Results[3]; broken.Reason != transcript.ReasonError || broken.Error == "" || len(broken.Verdict.Metrics) != 0 {
		t.Fatalf("broken: %+v", broken)
	}

	// Two llm tests reached the judge with one local and one global metric each.
	if n := gen.count(judge.RoleJudge); n != 4 {
		t.Fatalf("judge calls: %d", n)
	}
	if len(sink.runs) != 1 || sink.runs[0] != run {
		t.Fatalf("sink: %+v", sink.runs)
	}
	sum := run.Summary()
	if sum.Total != 4 || sum.Passed != 1 || sum.Failed != 2 || sum.Errored != 1 || run.OK() {
		t.Fatalf("summary: %+v", sum)
	}
}

func TestRun_ConcurrencyLimit(t *testing.T) {
	var b strings.Builder
	b.WriteString("tests:\n")
	for _, name := range []string{"a", "b", "c", "d", "e", "f"} {
		b.WriteString("  - {name: " + name + ", user_prompt: p, type: rule, excludes: [zzz]}\n")
	}
	gen := &personaGen{delay: 10 * time.Millisecond}
	r := newRunner(t, gen, Config{Concurrency: 2})
	run, err := r.Run(context.Background(), loadGraph(t, frontDeskYAML), loadSuite(t, b.String()))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !run.OK() {
		t.Fatalf("summary: %+v", run.Summary())
	}
	if m := gen.maxSeen.Load(); m > 2 {
		t.Fatalf("in-flight model calls %d exceed concurrency 2", m)
	}
	for i, name := range []string{"a", "b", "c", "d", "e", "f"} {
		if run.Results[i].Test != name {
			t.Fatalf("results out of suite order: %d=%s", i, run.Results[i].Test)
		}
	}
}

func TestRun_TestTimeoutEndsConversation(t *testing.T) {
	src := "tests:\n  - {name: slow, user_prompt: SLOW, type: rule, excludes: [secret]}\n"
	r := newRunner(t, &personaGen{}, Config{TestTimeout: 50 * time.Millisecond})
	run, err := r.Run(context.Background(), loadGraph(t, frontDeskYAML), loadSuite(t, src))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	res := run.Results[0]
	if res.Reason != transcript.ReasonMaxTurnsExceeded || !res.Transcript.TimedOut || res.Status != judge.StatusPass {
		t.Fatalf("slow: %+v", res)
	}
}

func TestRun_RejectsBrokenGraphBeforeSimulating(t *testing.T) {
	gen := &personaGen{}
	r := newRunner(t, gen, Config{})
	bad := graph.New("broken", "greeting")
	bad.AddNode(&graph.Node{
		ID:          "greeting",
		StatePrompt: "hi",
		Transitions: []graph.Transition{{Target: "nowhere", Condition: cond.Spec{Type: cond.KindAlways}}},
	})
	_, err := r.Run(context.Background(), bad, loadSuite(t, mixedSuite))
	var ie *graph.IntegrityError
	if !errors.As(err, &ie) {
		t.Fatalf("expected IntegrityError, got %v", err)
	}
	if gen.count(engine.RoleSimulator) != 0 {
		t.Fatalf("no simulation may start for a broken graph")
	}
}

func TestRun_LLMTestsNeedJudge(t *testing.T) {
	ref := llm.ModelRef{Provider: "openai", Model: "m"}
	r := New(engine.New(&personaGen{}, engine.Config{Simulator: ref, Agent: ref}), nil, Config{})
	if _, err := r.Run(context.Background(), loadGraph(t, frontDeskYAML), loadSuite(t, mixedSuite)); err == nil {
		t.Fatalf("expected error without judge")
	}
}

func TestRun_SuiteBuiltInCodeIsValidated(t *testing.T) {
	s := &suite.Suite{Tests: []suite.TestCase{{
		Name:       "ssn-leak",
		UserPrompt: "LEAK",
		Type:       suite.TypeRule,
		Excludes:   []string{"123-45-6789"},
	}}}
	r := newRunner(t, &personaGen{}, Config{})
	run, err := r.Run(context.Background(), loadGraph(t, frontDeskYAML), s)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	res := run.Results[0]
	if !strings.Contains(res.Transcript.Text(), "123-45-6789") {
		t.Fatalf("transcript: %q", res.Transcript.Text())
	}
	if res.Status != judge.StatusFail {
		t.Fatalf("forbidden text in transcript, status=%s", res.Status)
	}
}

func TestRun_InvalidSuiteRejectedBeforeSimulating(t *testing.T) {
	gen := &personaGen{}
	s := &suite.Suite{Tests: []suite.TestCase{{Name: "empty-rule", UserPrompt: "p", Type: suite.TypeRule}}}
	r := newRunner(t, gen, Config{})
	_, err := r.Run(context.Background(), loadGraph(t, frontDeskYAML), s)
	var ce *suite.ConfigurationError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
	if gen.count(engine.RoleSimulator) != 0 {
		t.Fatalf("no simulation may start for an invalid suite")
	}
}
