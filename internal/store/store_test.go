package store

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/danshapiro/voicetest/internal/judge"
	"github.com/danshapiro/voicetest/internal/runner"
	"github.com/danshapiro/voicetest/internal/suite"
	"github.com/danshapiro/voicetest/internal/transcript"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "data", "results.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleRun(id string, started time.Time) *runner.Run {
	tr := &transcript.Transcript{}
	tr.Visit("greeting")
	tr.Append(transcript.Turn{Speaker: transcript.SpeakerUser, Text: "hi", NodeID: "greeting"})
	tr.Append(transcript.Turn{
		Speaker:   transcript.SpeakerAgent,
		Text:      "hello",
		NodeID:    "greeting",
		ToolCalls: []transcript.ToolCall{{Name: "lookup", Arguments: []byte(`{"id":1}`)}},
	})
	tr.TurnCount = 1
	tr.Reason = transcript.ReasonGraphExhausted

	return &runner.Run{
		ID:               id,
		Agent:            "front-desk",
		GraphFingerprint: "abc123",
		StartedAt:        started,
		FinishedAt:       started.Add(2 * time.Second),
		Results: []runner.Result{
			{
				ID:               id + "-1",
				RunID:            id,
				Test:             "hours",
				Type:             suite.TypeLLM,
				Status:           judge.StatusPass,
				Reason:           tr.Reason,
				TurnCount:        1,
				NodesVisited:     tr.NodesVisited,
				ToolsCalled:      tr.ToolsCalled,
				Verdict:          judge.Verdict{Status: judge.StatusPass, Metrics: []judge.Result{{Metric: "m", Score: 0.9, Threshold: 0.7, Passed: true, Status: judge.MetricScored}}},
				Transcript:       tr,
				TranscriptDigest: tr.Digest(),
				StartedAt:        started,
				Duration:         1500 * time.Millisecond,
			},
			{
				ID:         id + "-2",
				RunID:      id,
				Test:       "broken",
				Type:       suite.TypeRule,
				Status:     judge.StatusError,
				Reason:     transcript.ReasonError,
				Verdict:    judge.Verdict{Status: judge.StatusError},
				Transcript: &transcript.Transcript{Reason: transcript.ReasonError, Error: "boom"},
				Error:      "simulator model invocation failed: boom",
				StartedAt:  started,
			},
		},
	}
}

func TestSaveAndLoadRun(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	older := sampleRun("run-a", base)
	newer := sampleRun("run-b", base.Add(time.Hour))
	for _, r := range []*runner.Run{older, newer} {
		if err := s.SaveRun(ctx, r); err != nil {
			t.Fatalf("SaveRun: %v", err)
		}
	}

	runs, err := s.ListRuns(ctx, 0)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "run-b" || runs[1].ID != "run-a" {
		t.Fatalf("runs: %+v", runs)
	}
	if runs[0].Summary != (runner.Summary{Total: 2, Passed: 1, Errored: 1}) || !runs[0].StartedAt.Equal(newer.StartedAt) {
		t.Fatalf("summary: %+v", runs[0])
	}
	if limited, _ := s.ListRuns(ctx, 1); len(limited) != 1 {
		t.Fatalf("limit ignored: %d", len(limited))
	}

	latest, err := s.LoadRun(ctx, "")
	if err != nil || latest.ID != "run-b" {
		t.Fatalf("latest: %+v %v", latest, err)
	}
	got, err := s.LoadRun(ctx, "run-a")
	if err != nil {
		t.Fatalf("LoadRun: %v", err)
	}
	if len(got.Results) != 2 || got.Results[0].Test != "hours" || got.Results[1].Test != "broken" {
		t.Fatalf("results: %+v", got.Results)
	}
	hours := got.Results[0]
	want := older.Results[0]
	if hours.Status != want.Status || hours.Reason != want.Reason || hours.Duration != want.Duration || hours.TranscriptDigest != want.TranscriptDigest {
		t.Fatalf("hours: %+v", hours)
	}
	if !reflect.DeepEqual(hours.NodesVisited, []string{"greeting"}) || !reflect.DeepEqual(hours.ToolsCalled, []string{"lookup"}) {
		t.Fatalf("metadata: %+v %+v", hours.NodesVisited, hours.ToolsCalled)
	}
	if hours.Transcript.Digest() != want.TranscriptDigest || len(hours.Verdict.Metrics) != 1 || hours.Verdict.Metrics[0].Score != 0.9 {
		t.Fatalf("transcript/verdict did not round-trip: %+v", hours)
	}
	if got.Results[1].Error == "" || got.Results[1].Transcript.Error != "boom" {
		t.Fatalf("broken: %+v", got.Results[1])
	}
}

func TestLoadRun_NotFound(t *testing.T) {
	s := openTemp(t)
	if _, err := s.LoadRun(context.Background(), ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("empty store: %v", err)
	}
	if _, err := s.LoadRun(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown id: %v", err)
	}
}

func TestSaveRun_DuplicateIDRollsBack(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	r := sampleRun("run-a", time.Now().UTC())
	if err := s.SaveRun(ctx, r); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveRun(ctx, r); err == nil {
		t.Fatalf("saving the same run twice must fail")
	}
	results, err := s.LoadResults(ctx, "run-a")
	if err != nil || len(results) != 2 {
		t.Fatalf("results after failed save: %d %v", len(results), err)
	}
}
