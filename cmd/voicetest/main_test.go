package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/danshapiro/voicetest/internal/dry"
	"github.com/danshapiro/voicetest/internal/graph"
	"github.com/danshapiro/voicetest/internal/runner"
)

const deskGraph = `
name: front-desk
entry_node_id: greeting
instructions: "You answer the phone for Acme. {%tone%}"
snippets:
  tone: "Always be professional and empathetic in your responses."
nodes:
  - id: greeting
    state_prompt: "Greet the caller. Always be professional and empathetic in your responses."
    transitions:
      - target: hours
        condition: {type: keyword, values: [hours, open]}
  - id: hours
    state_prompt: "Tell the caller we open at nine. Always be professional and empathetic in your responses."
`

// fakeModel answers every role through the CLI backend. The judge prompt is
// recognised by its instructions and the simulator prompt by the completion token.
const fakeModel = `#!/bin/sh
case "$*" in
  *"strict evaluator"*) echo '{"analysis":"stated hours (turn 2)","score":1,"reasoning":"fine","confidence":0.9}' ;;
  *"GOAL_COMPLETE"*) echo 'What are your opening hours? [GOAL_COMPLETE]' ;;
  *) echo 'We open at nine.' ;;
esac
`

func writeFile(t *testing.T, dir, name, body string, mode os.FileMode) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), mode); err != nil {
		t.Fatal(err)
	}
	return p
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--env-file", ""}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestValidate(t *testing.T) {
	dir := t.TempDir()
	g := writeFile(t, dir, "agent.yaml", deskGraph, 0o644)
	out, err := execute(t, "validate", "--agent", g)
	if err != nil {
		t.Fatalf("validate: %v\n%s", err, out)
	}
	if !strings.Contains(out, "2 nodes, 1 snippets") {
		t.Fatalf("output: %s", out)
	}

	bad := writeFile(t, dir, "bad.yaml", "entry_node_id: a\nnodes:\n  - id: a\n    state_prompt: x\n    transitions:\n      - {target: b, condition: always}\n", 0o644)
	out, err = execute(t, "validate", "--agent", bad)
	var ie *graph.IntegrityError
	if !errors.As(err, &ie) {
		t.Fatalf("expected integrity error, got %v", err)
	}
	if !strings.Contains(out, "ERROR") {
		t.Fatalf("diagnostics not rendered: %s", out)
	}
}

func TestDryJSON(t *testing.T) {
	g := writeFile(t, t.TempDir(), "agent.yaml", deskGraph, 0o644)
	out, err := execute(t, "dry", "--agent", g, "--json")
	if err != nil {
		t.Fatalf("dry: %v", err)
	}
	var rep dry.Report
	if err := json.Unmarshal([]byte(out), &rep); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if len(rep.Exact) != 1 || strings.Join(rep.Exact[0].Locations, ",") != "greeting,hours" {
		t.Fatalf("report: %+v", rep)
	}
}

func TestExport(t *testing.T) {
	dir := t.TempDir()
	g := writeFile(t, dir, "agent.yaml", deskGraph, 0o644)

	out, err := execute(t, "export", "--agent", g)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if strings.Contains(out, "{%tone%}") || !strings.Contains(out, "Acme. Always be professional") {
		t.Fatalf("expanded export still has references: %s", out)
	}

	native := filepath.Join(dir, "native.json")
	if _, err := execute(t, "export", "--agent", g, "--native", "-o", native); err != nil {
		t.Fatalf("export --native: %v", err)
	}
	round, err := graph.Load(native)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if round.Snippets["tone"] == "" || !strings.Contains(round.Instructions, "{%tone%}") {
		t.Fatalf("native export lost snippets: %+v", round)
	}
}

func TestSnippetExtract(t *testing.T) {
	dir := t.TempDir()
	src := strings.Replace(deskGraph, "  tone:", "  intro:", 1)
	g := writeFile(t, dir, "agent.yaml", strings.Replace(src, "{%tone%}", "{%intro%}", 1), 0o644)
	dst := filepath.Join(dir, "out.json")
	out, err := execute(t, "snippet", "--agent", g, "--name", "greet", "--text", "Greet the caller.", "-o", dst)
	if err != nil {
		t.Fatalf("snippet: %v", err)
	}
	if !strings.Contains(out, "1 locations") {
		t.Fatalf("output: %s", out)
	}
	got, err := graph.Load(dst)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.Snippets["greet"] != "Greet the caller." || !strings.HasPrefix(got.Nodes["greeting"].StatePrompt, "{%greet%}") {
		t.Fatalf("graph: %+v", got.Nodes["greeting"])
	}
}

func TestRunAndResults(t *testing.T) {
	dir := t.TempDir()
	g := writeFile(t, dir, "agent.yaml", deskGraph, 0o644)
	model := writeFile(t, dir, "fake-model.sh", fakeModel, 0o755)
	tests := writeFile(t, dir, "tests.yaml", `
tests:
  - name: hours
    user_prompt: "Ask when the office opens."
    type: llm
    metrics: ["Agent states the opening hours."]
  - name: no-ssn
    user_prompt: "Ask when the office opens."
    type: rule
    excludes: ["123-45-6789"]
`, 0o644)
	cfg := writeFile(t, dir, "voicetest.yaml", `
models:
  simulator: fake/sim
  agent: fake/agent
  judge: fake/judge
run:
  max_turns: 3
  concurrency: 2
retry:
  max_retries: 0
providers:
  fake:
    backend: cli
    executable: `+model+`
    args: ["{{prompt}}"]
storage:
  path: `+filepath.Join(dir, "results.db")+`
`, 0o644)

	out, err := execute(t, "--config", cfg, "run", "--agent", g, "--json", tests)
	if err != nil {
		t.Fatalf("run: %v\n%s", err, out)
	}
	var run runner.Run
	if err := json.Unmarshal([]byte(out), &run); err != nil {
		t.Fatalf("decode run: %v\n%s", err, out)
	}
	if !run.OK() || len(run.Results) != 2 {
		t.Fatalf("run: %+v", run.Summary())
	}
	if r := run.Results[0]; r.Reason != "goal_complete" || r.TurnCount != 1 || len(r.Verdict.Metrics) != 1 {
		t.Fatalf("hours: %+v", r)
	}

	out, err = execute(t, "--config", cfg, "results")
	if err != nil || !strings.Contains(out, run.ID) {
		t.Fatalf("results list: %v\n%s", err, out)
	}
	out, err = execute(t, "--config", cfg, "results", "latest", "--transcripts")
	if err != nil || !strings.Contains(out, "What are your opening hours?") || !strings.Contains(out, "2 passed") {
		t.Fatalf("results show: %v\n%s", err, out)
	}
}

func TestLoadsEnvFile(t *testing.T) {
	const key = "VOICETEST_CLI_TEST_KEY"
	os.Unsetenv(key)
	t.Cleanup(func() { os.Unsetenv(key) })
	dir := t.TempDir()
	env := writeFile(t, dir, ".env", key+"=from-dotenv\n", 0o600)
	g := writeFile(t, dir, "agent.yaml", deskGraph, 0o644)

	root := newRootCommand()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"--env-file", env, "validate", "--agent", g})
	if err := root.Execute(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if got := os.Getenv(key); got != "from-dotenv" {
		t.Fatalf("%s=%q", key, got)
	}
}
