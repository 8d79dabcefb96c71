package runner

import (
	"context"
	"time"

	glog "github.com/Laisky/go-utils/v5/log"
	"github.com/Laisky/zap"
	"github.com/oklog/ulid/v2"

	"github.com/danshapiro/voicetest/internal/engine"
	"github.com/danshapiro/voicetest/internal/graph"
	"github.com/danshapiro/voicetest/internal/judge"
	"github.com/danshapiro/voicetest/internal/suite"
	"github.com/danshapiro/voicetest/internal/transcript"
	"github.com/danshapiro/voicetest/internal/transition"
)

// runTest simulates one conversation and scores it. Only the conversation is bounded
// by the test timeout; judging runs under the run context.
func (r *Runner) runTest(ctx context.Context, log glog.Logger, runID string, g *graph.AgentGraph, ev *transition.Evaluator, tc suite.TestCase, globals []judge.Metric) Result {
	res := Result{
		ID:        ulid.Make().String(),
		RunID:     runID,
		Test:      tc.Name,
		Type:      tc.Type,
		StartedAt: time.Now().UTC(),
	}
	log = log.With(zap.String("test", tc.Name))

	convCtx := ctx
	if r.cfg.TestTimeout > 0 {
		var cancel context.CancelFunc
		convCtx, cancel = context.WithTimeout(ctx, r.cfg.TestTimeout)
		defer cancel()
	}

	tr, err := r.eng.RunWithEvaluator(convCtx, g, ev, engine.Scenario{
		Name:      tc.Name,
		Persona:   tc.UserPrompt,
		Variables: tc.Variables,
	})
	if tr == nil {
		tr = &transcript.Transcript{Reason: transcript.ReasonError}
	}
	res.Transcript = tr
	res.Reason = tr.Reason
	res.TurnCount = tr.TurnCount
	res.NodesVisited = tr.NodesVisited
	res.ToolsCalled = tr.ToolsCalled
	res.TranscriptDigest = tr.Digest()

	switch {
	case err != nil || tr.Reason == transcript.ReasonError:
		res.Status = judge.StatusError
		res.Verdict = judge.Verdict{Status: judge.StatusError}
		if err != nil {
			res.Error = err.Error()
		} else {
			res.Error = tr.Error
		}
	case tc.Type == suite.TypeRule:
		rules, err := tc.Rules()
		if err != nil {
			res.Status = judge.StatusError
			res.Verdict = judge.Verdict{Status: judge.StatusError}
			res.Error = err.Error()
			break
		}
		res.Verdict = judge.RuleVerdict(rules.Check(tr))
		res.Status = res.Verdict.Status
	default:
		res.Verdict = r.judge.Score(ctx, tr, tc.JudgeMetrics(), globals, g.Name)
		res.Status = res.Verdict.Status
		if res.Status == judge.StatusError {
			res.Error = firstMetricError(res.Verdict)
		}
	}
	res.Duration = time.Since(res.StartedAt)

	r.cfg.Metrics.ObserveTest(string(res.Status), string(res.Reason), res.TurnCount, res.Duration)
	fields := []zap.Field{
		zap.String("status", string(res.Status)),
		zap.String("reason", string(res.Reason)),
		zap.Int("turns", res.TurnCount),
		zap.Strings("nodes", res.NodesVisited),
		zap.Duration("elapsed", res.Duration),
	}
	if res.Error != "" {
		log.Warn("test errored", append(fields, zap.String("error", res.Error))...)
	} else {
		log.Info("test finished", fields...)
	}
	return res
}

func firstMetricError(v judge.Verdict) string {
	for _, m := range v.Metrics {
		if m.Status == judge.MetricError {
			return m.Metric + ": " + m.Error
		}
	}
	return ""
}
