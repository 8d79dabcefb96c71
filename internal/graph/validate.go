package graph

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/danshapiro/voicetest/internal/cond"
	"github.com/danshapiro/voicetest/internal/template"
)

type Severity string

const (
	SeverityError   Severity = "ERROR"
	SeverityWarning Severity = "WARNING"
)

type Diagnostic struct {
	Rule     string   `json:"rule"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	NodeID   string   `json:"node_id,omitempty"`
	Target   string   `json:"target,omitempty"`
}

// IntegrityError rejects a graph at load time. It carries every ERROR diagnostic.
type IntegrityError struct {
	Diagnostics []Diagnostic
}

func (e *IntegrityError) Error() string {
	parts := make([]string, 0, len(e.Diagnostics))
	for _, d := range e.Diagnostics {
		msg := d.Rule + ": " + d.Message
		if d.NodeID != "" {
			msg += " (node " + d.NodeID + ")"
		}
		parts = append(parts, msg)
	}
	return "graph integrity: " + strings.Join(parts, "; ")
}

// Validate runs every lint rule. Only ERROR diagnostics make a graph unusable.
func Validate(g *AgentGraph) []Diagnostic {
	if g == nil {
		return []Diagnostic{{Rule: "graph_nil", Severity: SeverityError, Message: "graph is nil"}}
	}
	var diags []Diagnostic
	diags = append(diags, lintEntryNode(g)...)
	diags = append(diags, lintNodeIDs(g)...)
	diags = append(diags, lintTransitionTargets(g)...)
	diags = append(diags, lintConditionSyntax(g)...)
	diags = append(diags, lintSnippetNames(g)...)
	diags = append(diags, lintTools(g)...)
	diags = append(diags, lintSnippetRefs(g)...)
	diags = append(diags, lintReachability(g)...)
	diags = append(diags, lintFallbacks(g)...)
	return diags
}

// ValidateOrError returns an *IntegrityError when any ERROR diagnostic is present.
func ValidateOrError(g *AgentGraph) error {
	return errorFromDiagnostics(Validate(g))
}

func errorFromDiagnostics(diags []Diagnostic) error {
	var errs []Diagnostic
	for _, d := range diags {
		if d.Severity == SeverityError {
			errs = append(errs, d)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return &IntegrityError{Diagnostics: errs}
}

func lintEntryNode(g *AgentGraph) []Diagnostic {
	entry := strings.TrimSpace(g.EntryNodeID)
	if entry == "" {
		return []Diagnostic{{Rule: "entry_node", Severity: SeverityError, Message: "graph must declare exactly one entry node (entry_node_id is empty)"}}
	}
	if _, ok := g.Nodes[entry]; !ok {
		return []Diagnostic{{
			Rule:     "entry_node",
			Severity: SeverityError,
			Message:  fmt.Sprintf("entry node %q does not exist", entry),
			NodeID:   entry,
		}}
	}
	return nil
}

func lintNodeIDs(g *AgentGraph) []Diagnostic {
	var diags []Diagnostic
	for _, id := range g.NodeIDs() {
		n := g.Nodes[id]
		switch {
		case n == nil:
			diags = append(diags, Diagnostic{Rule: "node_id", Severity: SeverityError, Message: "node is nil", NodeID: id})
		case strings.TrimSpace(id) == "":
			diags = append(diags, Diagnostic{Rule: "node_id", Severity: SeverityError, Message: "node id is empty"})
		case n.ID != id:
			diags = append(diags, Diagnostic{
				Rule:     "node_id",
				Severity: SeverityError,
				Message:  fmt.Sprintf("node keyed %q declares id %q", id, n.ID),
				NodeID:   id,
			})
		}
	}
	return diags
}

func lintTransitionTargets(g *AgentGraph) []Diagnostic {
	var diags []Diagnostic
	for _, id := range g.NodeIDs() {
		n := g.Nodes[id]
		if n == nil {
			continue
		}
		for _, t := range n.Transitions {
			if _, ok := g.Nodes[t.Target]; !ok {
				diags = append(diags, Diagnostic{
					Rule:     "transition_target_exists",
					Severity: SeverityError,
					Message:  fmt.Sprintf("transition references missing node %q", t.Target),
					NodeID:   id,
					Target:   t.Target,
				})
			}
		}
	}
	return diags
}

func lintConditionSyntax(g *AgentGraph) []Diagnostic {
	var diags []Diagnostic
	for _, id := range g.NodeIDs() {
		n := g.Nodes[id]
		if n == nil {
			continue
		}
		for _, t := range n.Transitions {
			if _, err := cond.Compile(t.Condition); err != nil {
				diags = append(diags, Diagnostic{
					Rule:     "condition_syntax",
					Severity: SeverityError,
					Message:  err.Error(),
					NodeID:   id,
					Target:   t.Target,
				})
			}
		}
	}
	return diags
}

func lintSnippetNames(g *AgentGraph) []Diagnostic {
	var diags []Diagnostic
	for _, name := range sortedKeys(g.Snippets) {
		if !template.ValidSnippetName(name) {
			diags = append(diags, Diagnostic{
				Rule:     "snippet_name",
				Severity: SeverityError,
				Message:  fmt.Sprintf("invalid snippet name %q", name),
			})
		}
		if template.HasSnippetRefs(g.Snippets[name]) {
			diags = append(diags, Diagnostic{
				Rule:     "snippet_nested",
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("snippet %q references another snippet; nested references are left literal", name),
			})
		}
	}
	return diags
}

func lintTools(g *AgentGraph) []Diagnostic {
	var diags []Diagnostic
	seen := map[string]bool{}
	for _, t := range g.Tools {
		name := strings.TrimSpace(t.Name)
		if name == "" {
			diags = append(diags, Diagnostic{Rule: "tool_name", Severity: SeverityError, Message: "tool name is empty"})
			continue
		}
		if seen[name] {
			diags = append(diags, Diagnostic{Rule: "tool_name", Severity: SeverityError, Message: fmt.Sprintf("duplicate tool %q", name)})
		}
		seen[name] = true
		if err := compileToolSchema(t); err != nil {
			diags = append(diags, Diagnostic{Rule: "tool_schema", Severity: SeverityError, Message: fmt.Sprintf("tool %q: %v", name, err)})
		}
	}
	for _, id := range g.NodeIDs() {
		n := g.Nodes[id]
		if n == nil {
			continue
		}
		for _, name := range n.Tools {
			if !seen[name] {
				diags = append(diags, Diagnostic{
					Rule:     "tool_defined",
					Severity: SeverityError,
					Message:  fmt.Sprintf("node references undefined tool %q", name),
					NodeID:   id,
				})
			}
		}
	}
	return diags
}

func compileToolSchema(t ToolDefinition) error {
	if t.Parameters == nil {
		return nil
	}
	b, err := json.Marshal(t.Parameters)
	if err != nil {
		return err
	}
	c := jsonschema.NewCompiler()
	url := "tool_" + t.Name + ".json"
	if err := c.AddResource(url, bytes.NewReader(b)); err != nil {
		return err
	}
	_, err = c.Compile(url)
	return err
}

func lintSnippetRefs(g *AgentGraph) []Diagnostic {
	var diags []Diagnostic
	for _, lt := range g.PromptTexts() {
		for _, name := range template.SnippetRefs(lt.Text) {
			if _, ok := g.Snippets[name]; ok {
				continue
			}
			d := Diagnostic{
				Rule:     "snippet_ref_defined",
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("reference to undefined snippet %q is left literal", name),
			}
			if lt.Location != InstructionsLocation {
				d.NodeID = lt.Location
			}
			diags = append(diags, d)
		}
	}
	return diags
}

func lintReachability(g *AgentGraph) []Diagnostic {
	if g.Entry() == nil {
		return nil
	}
	seen := map[string]bool{g.EntryNodeID: true}
	queue := []string{g.EntryNodeID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		n := g.Nodes[id]
		if n == nil {
			continue
		}
		for _, t := range n.Transitions {
			if _, ok := g.Nodes[t.Target]; ok && !seen[t.Target] {
				seen[t.Target] = true
				queue = append(queue, t.Target)
			}
		}
	}
	var diags []Diagnostic
	for _, id := range g.NodeIDs() {
		if !seen[id] {
			diags = append(diags, Diagnostic{
				Rule:     "reachability",
				Severity: SeverityWarning,
				Message:  "node is not reachable from the entry node",
				NodeID:   id,
			})
		}
	}
	return diags
}

func lintFallbacks(g *AgentGraph) []Diagnostic {
	var diags []Diagnostic
	for _, id := range g.NodeIDs() {
		n := g.Nodes[id]
		if n == nil {
			continue
		}
		count := 0
		for _, t := range n.Transitions {
			if t.Fallback {
				count++
			}
		}
		if count > 1 {
			diags = append(diags, Diagnostic{
				Rule:     "fallback_count",
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("node has %d fallback transitions; only the first can fire", count),
				NodeID:   id,
			})
		}
	}
	return diags
}

func sortedKeys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
