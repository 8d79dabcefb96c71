package engine

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/Laisky/zap"

	"github.com/danshapiro/voicetest/internal/graph"
	"github.com/danshapiro/voicetest/internal/llm"
	"github.com/danshapiro/voicetest/internal/template"
	"github.com/danshapiro/voicetest/internal/transcript"
)

const (
	RoleSimulator  = "simulator"
	RoleAgent      = "agent"
	RoleTransition = "transition"

	// CompletionToken is emitted by the simulator once its goal is achieved.
	CompletionToken = "[GOAL_COMPLETE]"
)

const simulatorInstructions = `You are role-playing a caller talking to a voice agent. Stay in character as the person described below. Speak naturally, one short utterance per reply, and never describe yourself as a simulation.

When your goal has been achieved, or the conversation clearly cannot make further progress, end your final utterance with ` + CompletionToken + `. You may reply with ` + CompletionToken + ` alone if there is nothing left to say.

Persona:
`

const openingCue = "(The call has connected. Say your first line.)"

const oracleInstructions = `You decide whether a condition holds for a phone conversation between a USER and an AGENT. Answer with exactly one word: YES or NO.`

// simulatorRequest renders the conversation from the caller's side: agent turns are
// the other party, user turns are the caller's own prior lines.
func simulatorRequest(persona string, vars map[string]string, tr *transcript.Transcript) llm.Request {
	msgs := []llm.Message{llm.System(simulatorInstructions + template.SubstituteVariables(persona, vars))}
	for _, t := range tr.Turns {
		if t.Speaker == transcript.SpeakerUser {
			msgs = append(msgs, llm.Assistant(t.Text))
		} else {
			msgs = append(msgs, llm.User(agentText(t)))
		}
	}
	if len(tr.Turns) == 0 {
		msgs = append(msgs, llm.User(openingCue))
	}
	return llm.Request{Messages: msgs, Role: RoleSimulator}
}

// parseSimulatorReply splits a reply into the utterance to record and whether the
// caller signalled completion.
func parseSimulatorReply(text string) (utterance string, done bool) {
	idx := strings.Index(text, CompletionToken)
	if idx < 0 {
		return strings.TrimSpace(text), false
	}
	return strings.TrimSpace(text[:idx]), true
}

func agentText(t transcript.Turn) string {
	if strings.TrimSpace(t.Text) != "" || len(t.ToolCalls) == 0 {
		return t.Text
	}
	names := make([]string, 0, len(t.ToolCalls))
	for _, c := range t.ToolCalls {
		names = append(names, c.Name)
	}
	return "(calls " + strings.Join(names, ", ") + ")"
}

// AgentSystemPrompt is the agent's system prompt at node: global instructions then the
// node prompt, each expanded with snippets first and variables second.
func AgentSystemPrompt(g *graph.AgentGraph, node string, vars map[string]string) string {
	var parts []string
	if s := strings.TrimSpace(template.Expand(g.Instructions, g.Snippets, vars)); s != "" {
		parts = append(parts, s)
	}
	if n := g.Node(node); n != nil {
		if s := strings.TrimSpace(template.Expand(n.StatePrompt, g.Snippets, vars)); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n\n")
}

func agentRequest(g *graph.AgentGraph, node string, vars map[string]string, tr *transcript.Transcript) llm.Request {
	msgs := []llm.Message{llm.System(AgentSystemPrompt(g, node, vars))}
	for _, t := range tr.Turns {
		if t.Speaker == transcript.SpeakerUser {
			msgs = append(msgs, llm.User(t.Text))
		} else {
			msgs = append(msgs, llm.Assistant(agentText(t)))
		}
	}
	tools := g.NodeTools(node)
	defs := make([]llm.ToolDefinition, 0, len(tools))
	for _, t := range tools {
		defs = append(defs, llm.ToolDefinition{Name: t.Name, Description: t.Description, Parameters: t.Parameters})
	}
	return llm.Request{Messages: msgs, Tools: defs, Role: RoleAgent}
}

// reachableCalls keeps the calls the node declares; the rest are dropped.
func reachableCalls(g *graph.AgentGraph, node string, calls []llm.ToolCall) (kept []transcript.ToolCall, dropped []string) {
	allowed := map[string]bool{}
	if n := g.Node(node); n != nil {
		for _, name := range n.Tools {
			allowed[name] = true
		}
	}
	for _, c := range calls {
		if !allowed[c.Name] {
			dropped = append(dropped, c.Name)
			continue
		}
		args := c.Arguments
		if len(args) == 0 || !json.Valid(args) {
			args = json.RawMessage("{}")
		}
		kept = append(kept, transcript.ToolCall{ID: c.ID, Name: c.Name, Arguments: args})
	}
	return kept, dropped
}

// oracle answers llm transition conditions with the transition model.
type oracle struct {
	e *Engine
}

func (o oracle) Decide(ctx context.Context, predicate string, tr *transcript.Transcript) (bool, error) {
	req := llm.Request{
		Role: RoleTransition,
		Messages: []llm.Message{
			llm.System(oracleInstructions),
			llm.User("Conversation:\n" + tr.Render() + "\n\nCondition: " + predicate + "\n\nDoes the condition hold?"),
		},
	}
	resp, err := o.e.call(ctx, o.e.cfg.Transition, req)
	if err != nil {
		return false, err
	}
	verdict, ok := parseYesNo(resp.Text)
	if !ok {
		o.e.log.Debug("unparseable transition verdict, treating as NO",
			zap.String("predicate", predicate), zap.String("reply", resp.Text))
	}
	return verdict, nil
}

func parseYesNo(text string) (verdict bool, ok bool) {
	s := strings.ToUpper(strings.TrimSpace(text))
	s = strings.TrimLeft(s, "*\"'` ")
	switch {
	case strings.HasPrefix(s, "YES"):
		return true, true
	case strings.HasPrefix(s, "NO"):
		return false, true
	default:
		return false, false
	}
}
