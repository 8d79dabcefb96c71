// Package graph holds the normalized agent representation every importer produces:
// nodes with state prompts, ordered transitions, tool definitions, the snippet
// dictionary and the global instructions.
//
// A loaded graph is read-only. Operations that change content (ExpandGraphSnippets,
// ExtractSnippet) return a deep copy.
package graph

import (
	"sort"

	"github.com/danshapiro/voicetest/internal/cond"
)

// InstructionsLocation names the global instructions wherever a node id is expected
// as a text location.
const InstructionsLocation = "_instructions"

type ToolDefinition struct {
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

type Transition struct {
	Target    string    `json:"target" yaml:"target"`
	Condition cond.Spec `json:"condition" yaml:"condition"`
	// Priority orders evaluation; lower runs first and ties keep declaration order.
	Priority int `json:"priority,omitempty" yaml:"priority,omitempty"`
	// Fallback transitions run only after every non-fallback transition failed.
	Fallback bool `json:"fallback,omitempty" yaml:"fallback,omitempty"`
}

type Node struct {
	ID          string       `json:"id" yaml:"id"`
	StatePrompt string       `json:"state_prompt" yaml:"state_prompt"`
	Transitions []Transition `json:"transitions,omitempty" yaml:"transitions,omitempty"`
	Tools       []string     `json:"tools,omitempty" yaml:"tools,omitempty"`
}

// Terminal reports whether the node has no outgoing transitions.
func (n *Node) Terminal() bool { return n == nil || len(n.Transitions) == 0 }

type AgentGraph struct {
	Name         string
	EntryNodeID  string
	Nodes        map[string]*Node
	Snippets     map[string]string
	Instructions string
	Tools        []ToolDefinition

	order []string
}

func New(name, entry string) *AgentGraph {
	return &AgentGraph{
		Name:        name,
		EntryNodeID: entry,
		Nodes:       map[string]*Node{},
		Snippets:    map[string]string{},
	}
}

// AddNode registers n, keeping declaration order. It returns false when the id is taken.
func (g *AgentGraph) AddNode(n *Node) bool {
	if g.Nodes == nil {
		g.Nodes = map[string]*Node{}
	}
	if _, ok := g.Nodes[n.ID]; ok {
		return false
	}
	g.Nodes[n.ID] = n
	g.order = append(g.order, n.ID)
	return true
}

func (g *AgentGraph) Node(id string) *Node {
	if g == nil {
		return nil
	}
	return g.Nodes[id]
}

func (g *AgentGraph) Entry() *Node { return g.Node(g.EntryNodeID) }

// NodeIDs returns node ids in declaration order. Nodes inserted into the map
// directly are appended in sorted order.
func (g *AgentGraph) NodeIDs() []string {
	if g == nil {
		return nil
	}
	out := make([]string, 0, len(g.Nodes))
	seen := map[string]bool{}
	for _, id := range g.order {
		if _, ok := g.Nodes[id]; ok && !seen[id] {
			out = append(out, id)
			seen[id] = true
		}
	}
	var rest []string
	for id := range g.Nodes {
		if !seen[id] {
			rest = append(rest, id)
		}
	}
	sort.Strings(rest)
	return append(out, rest...)
}

func (g *AgentGraph) Tool(name string) (ToolDefinition, bool) {
	for _, t := range g.Tools {
		if t.Name == name {
			return t, true
		}
	}
	return ToolDefinition{}, false
}

// NodeTools resolves the tool definitions reachable from node id.
func (g *AgentGraph) NodeTools(id string) []ToolDefinition {
	n := g.Node(id)
	if n == nil {
		return nil
	}
	out := make([]ToolDefinition, 0, len(n.Tools))
	for _, name := range n.Tools {
		if t, ok := g.Tool(name); ok {
			out = append(out, t)
		}
	}
	return out
}

// PromptTexts returns every prompt text keyed by location: each node's state prompt
// plus the global instructions under InstructionsLocation. Order follows NodeIDs.
func (g *AgentGraph) PromptTexts() []LocatedText {
	var out []LocatedText
	if g.Instructions != "" {
		out = append(out, LocatedText{Location: InstructionsLocation, Text: g.Instructions})
	}
	for _, id := range g.NodeIDs() {
		out = append(out, LocatedText{Location: id, Text: g.Nodes[id].StatePrompt})
	}
	return out
}

type LocatedText struct {
	Location string
	Text     string
}

// Clone returns a deep copy of g.
func (g *AgentGraph) Clone() *AgentGraph {
	if g == nil {
		return nil
	}
	out := &AgentGraph{
		Name:         g.Name,
		EntryNodeID:  g.EntryNodeID,
		Nodes:        make(map[string]*Node, len(g.Nodes)),
		Snippets:     make(map[string]string, len(g.Snippets)),
		Instructions: g.Instructions,
		order:        append([]string(nil), g.order...),
	}
	for id, n := range g.Nodes {
		out.Nodes[id] = n.clone()
	}
	for k, v := range g.Snippets {
		out.Snippets[k] = v
	}
	if g.Tools != nil {
		out.Tools = make([]ToolDefinition, len(g.Tools))
		for i, t := range g.Tools {
			t.Parameters = cloneAny(t.Parameters).(map[string]any)
			out.Tools[i] = t
		}
	}
	return out
}

func (n *Node) clone() *Node {
	if n == nil {
		return nil
	}
	c := *n
	if n.Tools != nil {
		c.Tools = append([]string(nil), n.Tools...)
	}
	if n.Transitions != nil {
		c.Transitions = make([]Transition, len(n.Transitions))
		for i, t := range n.Transitions {
			t.Condition.Values = append([]string(nil), t.Condition.Values...)
			c.Transitions[i] = t
		}
	}
	return &c
}

func cloneAny(v any) any {
	switch x := v.(type) {
	case map[string]any:
		if x == nil {
			return map[string]any(nil)
		}
		m := make(map[string]any, len(x))
		for k, e := range x {
			m[k] = cloneAny(e)
		}
		return m
	case []any:
		s := make([]any, len(x))
		for i, e := range x {
			s[i] = cloneAny(e)
		}
		return s
	default:
		return v
	}
}
