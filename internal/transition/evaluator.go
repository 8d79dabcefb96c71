// Package transition selects the next active node after an agent turn.
package transition

import (
	"context"
	"fmt"
	"sort"

	"github.com/danshapiro/voicetest/internal/cond"
	"github.com/danshapiro/voicetest/internal/graph"
	"github.com/danshapiro/voicetest/internal/transcript"
)

type Outcome string

const (
	// Advance moves to Decision.Target.
	Advance Outcome = "advance"
	// Stay keeps the current node: transitions exist but none matched.
	Stay Outcome = "stay"
	// Exhausted means the current node has no outgoing transitions.
	Exhausted Outcome = "graph_exhausted"
)

type Decision struct {
	Outcome Outcome
	Target  string
	// Condition is the rendered condition that fired, for logging.
	Condition string
}

type compiled struct {
	target   string
	cond     cond.Condition
	fallback bool
}

// Evaluator holds every transition of a graph in evaluation order, compiled once.
// It is safe for concurrent use by independent conversations.
type Evaluator struct {
	byNode map[string][]compiled
	oracle cond.Oracle
}

// NewEvaluator compiles the graph's transitions. A condition that fails to compile
// is a configuration error, reported here rather than mid-conversation.
func NewEvaluator(g *graph.AgentGraph, oracle cond.Oracle) (*Evaluator, error) {
	if g == nil {
		return nil, fmt.Errorf("graph is nil")
	}
	e := &Evaluator{byNode: map[string][]compiled{}, oracle: oracle}
	for _, id := range g.NodeIDs() {
		n := g.Nodes[id]
		if n == nil {
			continue
		}
		order := make([]int, len(n.Transitions))
		for i := range order {
			order[i] = i
		}
		sort.SliceStable(order, func(a, b int) bool {
			ta, tb := n.Transitions[order[a]], n.Transitions[order[b]]
			if ta.Fallback != tb.Fallback {
				return !ta.Fallback
			}
			return ta.Priority < tb.Priority
		})
		list := make([]compiled, 0, len(order))
		for _, i := range order {
			t := n.Transitions[i]
			if g.Node(t.Target) == nil {
				return nil, fmt.Errorf("node %s: transition references missing node %q", id, t.Target)
			}
			c, err := cond.Compile(t.Condition)
			if err != nil {
				return nil, fmt.Errorf("node %s -> %s: %w", id, t.Target, err)
			}
			list = append(list, compiled{target: t.Target, cond: c, fallback: t.Fallback})
		}
		e.byNode[id] = list
	}
	return e, nil
}

// Next evaluates the transitions of node in order. The first satisfied condition wins.
func (e *Evaluator) Next(ctx context.Context, node string, tr *transcript.Transcript, calls []transcript.ToolCall) (Decision, error) {
	list, ok := e.byNode[node]
	if !ok {
		return Decision{}, fmt.Errorf("unknown node %q", node)
	}
	if len(list) == 0 {
		return Decision{Outcome: Exhausted}, nil
	}
	in := cond.Input{Transcript: tr, ToolCalls: calls, Oracle: e.oracle}
	for _, c := range list {
		ok, err := c.cond.Match(ctx, in)
		if err != nil {
			return Decision{}, err
		}
		if ok {
			return Decision{Outcome: Advance, Target: c.target, Condition: c.cond.String()}, nil
		}
	}
	return Decision{Outcome: Stay}, nil
}
