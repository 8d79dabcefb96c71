package engine

import (
	"context"
	"time"

	"github.com/Laisky/errors/v2"
	glog "github.com/Laisky/go-utils/v5/log"
	"github.com/Laisky/zap"

	"github.com/danshapiro/voicetest/internal/graph"
	"github.com/danshapiro/voicetest/internal/transcript"
	"github.com/danshapiro/voicetest/internal/transition"
)

type State string

const (
	StateNotStarted State = "NOT_STARTED"
	StateInProgress State = "IN_PROGRESS"
	StateTerminated State = "TERMINATED"
)

// Conversation is the turn loop of one simulated call. Turns are strictly
// sequential; a Conversation is not safe for concurrent use.
type Conversation struct {
	e     *Engine
	g     *graph.AgentGraph
	ev    *transition.Evaluator
	sc    Scenario
	log   glog.Logger
	state State
	node  string
	tr    *transcript.Transcript
	err   error
	start time.Time
}

func (e *Engine) NewConversation(g *graph.AgentGraph, ev *transition.Evaluator, sc Scenario) *Conversation {
	return &Conversation{
		e:     e,
		g:     g,
		ev:    ev,
		sc:    sc,
		log:   e.log.With(zap.String("test", sc.Name)),
		state: StateNotStarted,
		tr:    &transcript.Transcript{},
	}
}

func (c *Conversation) State() State { return c.state }

// Node is the active node id.
func (c *Conversation) Node() string { return c.node }

func (c *Conversation) Transcript() *transcript.Transcript { return c.tr }

// Err is the model invocation error that ended the conversation, if any.
func (c *Conversation) Err() error { return c.err }

// Step advances the machine by one transition: NOT_STARTED enters the entry node,
// IN_PROGRESS runs one simulator/agent exchange, TERMINATED is absorbing.
func (c *Conversation) Step(ctx context.Context) State {
	switch c.state {
	case StateNotStarted:
		c.start = time.Now()
		c.node = c.g.EntryNodeID
		c.tr.Visit(c.node)
		c.state = StateInProgress
		c.log.Debug("conversation started", zap.String("node", c.node))
	case StateInProgress:
		c.turn(ctx)
	}
	return c.state
}

func (c *Conversation) turn(ctx context.Context) {
	if err := ctx.Err(); err != nil {
		c.interrupted(err)
		return
	}

	resp, err := c.e.call(ctx, c.e.cfg.Simulator, simulatorRequest(c.sc.Persona, c.sc.Variables, c.tr))
	if err != nil {
		c.fail(ctx, err)
		return
	}
	utterance, done := parseSimulatorReply(resp.Text)
	if utterance != "" || !done {
		c.tr.Append(transcript.Turn{Speaker: transcript.SpeakerUser, Text: utterance, NodeID: c.node})
		c.tr.TurnCount++
	}
	if done {
		c.terminate(transcript.ReasonGoalComplete)
		return
	}

	resp, err = c.e.call(ctx, c.e.cfg.Agent, agentRequest(c.g, c.node, c.sc.Variables, c.tr))
	if err != nil {
		c.fail(ctx, err)
		return
	}
	calls, dropped := reachableCalls(c.g, c.node, resp.ToolCalls)
	if len(dropped) > 0 {
		c.log.Warn("agent called tools not reachable from node",
			zap.String("node", c.node), zap.Strings("tools", dropped))
	}
	c.tr.Append(transcript.Turn{Speaker: transcript.SpeakerAgent, Text: resp.Text, NodeID: c.node, ToolCalls: calls})

	dec, err := c.ev.Next(ctx, c.node, c.tr, calls)
	if err != nil {
		c.fail(ctx, err)
		return
	}
	c.log.Debug("turn complete",
		zap.Int("turn", c.tr.TurnCount),
		zap.String("node", c.node),
		zap.String("outcome", string(dec.Outcome)),
		zap.String("target", dec.Target))
	switch dec.Outcome {
	case transition.Advance:
		c.node = dec.Target
		c.tr.Visit(c.node)
	case transition.Exhausted:
		c.terminate(transcript.ReasonGraphExhausted)
		return
	}
	if c.tr.TurnCount >= c.e.cfg.MaxTurns {
		c.tr.Error = (&SimulationTimeoutError{MaxTurns: c.e.cfg.MaxTurns}).Error()
		c.terminate(transcript.ReasonMaxTurnsExceeded)
	}
}

// fail ends the conversation with reason error, unless the failure was caused by the
// wall-clock deadline, which is a timeout.
func (c *Conversation) fail(ctx context.Context, err error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		c.interrupted(ctxErr)
		return
	}
	c.err = err
	c.tr.Error = err.Error()
	c.log.Error("conversation aborted", zap.String("node", c.node), zap.Error(err))
	c.terminate(transcript.ReasonError)
}

func (c *Conversation) interrupted(ctxErr error) {
	if errors.Is(ctxErr, context.DeadlineExceeded) {
		c.tr.TimedOut = true
		c.tr.Error = (&SimulationTimeoutError{Elapsed: time.Since(c.start), WallClock: true}).Error()
		c.terminate(transcript.ReasonMaxTurnsExceeded)
		return
	}
	c.err = errors.Wrap(ctxErr, "conversation cancelled")
	c.tr.Error = c.err.Error()
	c.terminate(transcript.ReasonError)
}

func (c *Conversation) terminate(reason transcript.Reason) {
	c.tr.Reason = reason
	c.tr.Duration = time.Since(c.start)
	c.state = StateTerminated
	c.log.Info("conversation terminated",
		zap.String("reason", string(reason)),
		zap.Int("turns", c.tr.TurnCount),
		zap.Strings("nodes_visited", c.tr.NodesVisited))
}
