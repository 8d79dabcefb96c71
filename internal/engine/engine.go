// Package engine runs one simulated conversation between the simulator role and the
// agent role over an agent graph.
package engine

import (
	"context"
	"time"

	"github.com/Laisky/errors/v2"
	glog "github.com/Laisky/go-utils/v5/log"
	"github.com/Laisky/zap"

	"github.com/danshapiro/voicetest/internal/cond"
	"github.com/danshapiro/voicetest/internal/graph"
	"github.com/danshapiro/voicetest/internal/llm"
	"github.com/danshapiro/voicetest/internal/logging"
	"github.com/danshapiro/voicetest/internal/transcript"
	"github.com/danshapiro/voicetest/internal/transition"
)

const DefaultMaxTurns = 20

// Config is built once per run and passed in explicitly.
type Config struct {
	MaxTurns   int
	Simulator  llm.ModelRef
	Agent      llm.ModelRef
	Transition llm.ModelRef
	Retry      llm.RetryPolicy
	Logger     glog.Logger
	// OnRetry is called once per retried role call.
	OnRetry func(role string)
}

type Engine struct {
	gen llm.Generator
	cfg Config
	log glog.Logger
}

func New(gen llm.Generator, cfg Config) *Engine {
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = DefaultMaxTurns
	}
	if cfg.Transition.IsZero() {
		cfg.Transition = cfg.Agent
	}
	return &Engine{gen: gen, cfg: cfg, log: logging.OrDefault(cfg.Logger)}
}

// Scenario is one simulated caller.
type Scenario struct {
	Name      string
	Persona   string
	Variables map[string]string
}

// Oracle answers llm transition conditions with the transition model.
func (e *Engine) Oracle() cond.Oracle { return oracle{e: e} }

// Run drives a conversation to termination. The returned transcript is always
// terminal. The error is nil for goal_complete, graph_exhausted and timeouts, and a
// *ModelInvocationError when a role call failed for good.
func (e *Engine) Run(ctx context.Context, g *graph.AgentGraph, sc Scenario) (*transcript.Transcript, error) {
	ev, err := e.Evaluator(g)
	if err != nil {
		return nil, err
	}
	return e.RunWithEvaluator(ctx, g, ev, sc)
}

// Evaluator compiles g's transitions against this engine's oracle.
func (e *Engine) Evaluator(g *graph.AgentGraph) (*transition.Evaluator, error) {
	ev, err := transition.NewEvaluator(g, e.Oracle())
	if err != nil {
		return nil, errors.Wrap(err, "compile transitions")
	}
	return ev, nil
}

// RunWithEvaluator reuses a compiled evaluator across conversations on the same graph.
func (e *Engine) RunWithEvaluator(ctx context.Context, g *graph.AgentGraph, ev *transition.Evaluator, sc Scenario) (*transcript.Transcript, error) {
	c := e.NewConversation(g, ev, sc)
	for c.State() != StateTerminated {
		c.Step(ctx)
	}
	return c.Transcript(), c.Err()
}

// call issues one role request under the retry policy.
func (e *Engine) call(ctx context.Context, ref llm.ModelRef, req llm.Request) (llm.Response, error) {
	req = ref.Apply(req)
	policy := e.cfg.Retry
	role := req.Role
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		e.log.Warn("retrying model call",
			zap.String("role", role),
			zap.String("model", ref.String()),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
		if e.cfg.OnRetry != nil {
			e.cfg.OnRetry(role)
		}
	}
	resp, err := llm.CompleteWithRetry(ctx, e.gen, policy, req)
	if err != nil {
		return llm.Response{}, &ModelInvocationError{Role: role, Err: err}
	}
	return resp, nil
}
