package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/danshapiro/voicetest/internal/dry"
	"github.com/danshapiro/voicetest/internal/graph"
	"github.com/danshapiro/voicetest/internal/runner"
	"github.com/danshapiro/voicetest/internal/store"
)

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	t := tablewriter.NewWriter(w)
	t.SetHeader(header)
	t.SetAutoWrapText(false)
	t.SetAutoFormatHeaders(false)
	return t
}

func formatScore(f float64) string {
	return strconv.FormatFloat(f, 'f', 2, 64)
}

func renderRun(w io.Writer, run *runner.Run) {
	fmt.Fprintf(w, "Run %s  agent=%s  graph=%s\n", run.ID, run.Agent, shortHash(run.GraphFingerprint))

	tests := newTable(w, "TEST", "TYPE", "STATUS", "REASON", "TURNS", "NODES", "TOOLS", "DURATION")
	for _, r := range run.Results {
		tests.Append([]string{
			r.Test,
			string(r.Type),
			strings.ToUpper(string(r.Status)),
			string(r.Reason),
			strconv.Itoa(r.TurnCount),
			strings.Join(r.NodesVisited, " > "),
			strings.Join(r.ToolsCalled, ","),
			r.Duration.Round(time.Millisecond).String(),
		})
	}
	tests.Render()

	var metricRows [][]string
	var notes []string
	for _, r := range run.Results {
		for _, m := range r.Verdict.Metrics {
			name := m.Metric
			if m.Global {
				name += " (global)"
			}
			metricRows = append(metricRows, []string{
				r.Test, name, formatScore(m.Score), formatScore(m.Threshold),
				strconv.FormatBool(m.Passed), string(m.Status), formatScore(m.Confidence),
			})
		}
		if rule := r.Verdict.Rule; rule != nil {
			for _, f := range rule.Failures {
				notes = append(notes, fmt.Sprintf("%s: %s", r.Test, f))
			}
		}
		if r.Error != "" {
			notes = append(notes, fmt.Sprintf("%s: %s", r.Test, r.Error))
		}
	}
	if len(metricRows) > 0 {
		mt := newTable(w, "TEST", "METRIC", "SCORE", "THRESHOLD", "PASSED", "STATUS", "CONFIDENCE")
		mt.AppendBulk(metricRows)
		mt.Render()
	}
	for _, n := range notes {
		fmt.Fprintln(w, "  -", n)
	}

	s := run.Summary()
	fmt.Fprintf(w, "%d tests: %d passed, %d failed, %d errored\n", s.Total, s.Passed, s.Failed, s.Errored)
}

func renderRunList(w io.Writer, runs []store.RunSummary) {
	t := newTable(w, "RUN", "AGENT", "STARTED", "TOTAL", "PASSED", "FAILED", "ERRORED")
	for _, r := range runs {
		t.Append([]string{
			r.ID, r.Agent, r.StartedAt.Local().Format(time.DateTime),
			strconv.Itoa(r.Summary.Total), strconv.Itoa(r.Summary.Passed),
			strconv.Itoa(r.Summary.Failed), strconv.Itoa(r.Summary.Errored),
		})
	}
	t.Render()
}

func renderDiagnostics(w io.Writer, diags []graph.Diagnostic) {
	if len(diags) == 0 {
		return
	}
	t := newTable(w, "SEVERITY", "RULE", "NODE", "MESSAGE")
	for _, d := range diags {
		t.Append([]string{string(d.Severity), d.Rule, d.NodeID, d.Message})
	}
	t.Render()
}

func renderDuplicates(w io.Writer, rep dry.Report) {
	if len(rep.Exact) > 0 {
		fmt.Fprintln(w, "Exact duplicates:")
		t := newTable(w, "#", "TEXT", "LOCATIONS")
		for i, m := range rep.Exact {
			t.Append([]string{strconv.Itoa(i + 1), m.Text, strings.Join(m.Locations, ", ")})
		}
		t.Render()
	}
	if len(rep.Fuzzy) > 0 {
		fmt.Fprintln(w, "Similar sentences:")
		t := newTable(w, "#", "SIMILARITY", "TEXT A", "TEXT B", "LOCATIONS")
		for i, m := range rep.Fuzzy {
			t.Append([]string{strconv.Itoa(i + 1), formatScore(m.Similarity), m.Texts[0], m.Texts[1], strings.Join(m.Locations, ", ")})
		}
		t.Render()
	}
	fmt.Fprintf(w, "%d exact, %d fuzzy\n", len(rep.Exact), len(rep.Fuzzy))
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
