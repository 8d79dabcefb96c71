// Package runner executes a suite of tests against one agent graph with bounded
// concurrency and hands the results to a sink.
package runner

import (
	"context"
	"time"

	"github.com/Laisky/errors/v2"
	glog "github.com/Laisky/go-utils/v5/log"
	"github.com/Laisky/zap"
	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/danshapiro/voicetest/internal/engine"
	"github.com/danshapiro/voicetest/internal/graph"
	"github.com/danshapiro/voicetest/internal/judge"
	"github.com/danshapiro/voicetest/internal/logging"
	"github.com/danshapiro/voicetest/internal/metrics"
	"github.com/danshapiro/voicetest/internal/suite"
	"github.com/danshapiro/voicetest/internal/transcript"
)

const DefaultConcurrency = 4

// Result is everything produced for one test.
type Result struct {
	ID               string                 `json:"id"`
	RunID            string                 `json:"run_id"`
	Test             string                 `json:"test"`
	Type             suite.TestType         `json:"type"`
	Status           judge.Status           `json:"status"`
	Reason           transcript.Reason      `json:"reason"`
	TurnCount        int                    `json:"turn_count"`
	NodesVisited     []string               `json:"nodes_visited"`
	ToolsCalled      []string               `json:"tools_called"`
	Verdict          judge.Verdict          `json:"verdict"`
	Transcript       *transcript.Transcript `json:"transcript"`
	TranscriptDigest string                 `json:"transcript_digest"`
	Error            string                 `json:"error,omitempty"`
	StartedAt        time.Time              `json:"started_at"`
	Duration         time.Duration          `json:"duration_ns"`
}

// Run is one execution of a suite.
type Run struct {
	ID               string    `json:"id"`
	Agent            string    `json:"agent"`
	GraphFingerprint string    `json:"graph_fingerprint"`
	StartedAt        time.Time `json:"started_at"`
	FinishedAt       time.Time `json:"finished_at"`
	Results          []Result  `json:"results"`
}

type Summary struct {
	Total   int `json:"total"`
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Errored int `json:"errored"`
}

func (r *Run) Summary() Summary {
	s := Summary{Total: len(r.Results)}
	for _, res := range r.Results {
		switch res.Status {
		case judge.StatusPass:
			s.Passed++
		case judge.StatusFail:
			s.Failed++
		default:
			s.Errored++
		}
	}
	return s
}

// OK reports whether every test passed.
func (r *Run) OK() bool {
	s := r.Summary()
	return s.Passed == s.Total
}

// ResultSink receives finished runs. Persistence and querying belong to the sink.
type ResultSink interface {
	SaveRun(ctx context.Context, run *Run) error
}

type Config struct {
	Concurrency int
	// TestTimeout bounds each conversation. Zero disables the bound.
	TestTimeout time.Duration
	Metrics     *metrics.Collectors
	Sink        ResultSink
	Logger      glog.Logger
}

type Runner struct {
	eng   *engine.Engine
	judge *judge.Judge
	cfg   Config
	log   glog.Logger
}

// New builds a runner. j may be nil when the suite only holds rule tests.
func New(eng *engine.Engine, j *judge.Judge, cfg Config) *Runner {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	return &Runner{eng: eng, judge: j, cfg: cfg, log: logging.OrDefault(cfg.Logger)}
}

// Run validates g and s, runs every test and returns results in suite order. A graph
// integrity error or *suite.ConfigurationError is returned before any simulation
// starts. When ctx is cancelled the
// partial run is returned together with the context error.
func (r *Runner) Run(ctx context.Context, g *graph.AgentGraph, s *suite.Suite) (*Run, error) {
	if err := graph.ValidateOrError(g); err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	ev, err := r.eng.Evaluator(g)
	if err != nil {
		return nil, err
	}
	if r.judge == nil {
		for _, tc := range s.Tests {
			if tc.Type == suite.TypeLLM {
				return nil, errors.Errorf("test %q needs a judge model", tc.Name)
			}
		}
	}
	fp, err := graph.Fingerprint(g)
	if err != nil {
		return nil, errors.Wrap(err, "fingerprint graph")
	}

	run := &Run{
		ID:               ulid.Make().String(),
		Agent:            g.Name,
		GraphFingerprint: fp,
		StartedAt:        time.Now().UTC(),
		Results:          make([]Result, len(s.Tests)),
	}
	log := r.log.With(zap.String("run_id", run.ID))
	log.Info("run started",
		zap.String("agent", g.Name),
		zap.Int("tests", len(s.Tests)),
		zap.Int("concurrency", r.cfg.Concurrency))

	globals := s.GlobalJudgeMetrics()
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(r.cfg.Concurrency)
	for i := range s.Tests {
		tc := s.Tests[i]
		eg.Go(func() error {
			run.Results[i] = r.runTest(egCtx, log, run.ID, g, ev, tc, globals)
			return nil
		})
	}
	_ = eg.Wait()
	run.FinishedAt = time.Now().UTC()

	sum := run.Summary()
	log.Info("run finished",
		zap.Int("passed", sum.Passed),
		zap.Int("failed", sum.Failed),
		zap.Int("errored", sum.Errored),
		zap.Duration("elapsed", run.FinishedAt.Sub(run.StartedAt)))

	if r.cfg.Sink != nil {
		if err := r.cfg.Sink.SaveRun(ctx, run); err != nil {
			return run, errors.Wrap(err, "save run")
		}
	}
	if err := ctx.Err(); err != nil {
		return run, errors.Wrap(err, "run interrupted")
	}
	return run, nil
}
