package graph

import (
	"fmt"
	"strings"

	"github.com/danshapiro/voicetest/internal/template"
)

// ExpandGraphSnippets returns a deep copy with every {%name%} reference in node prompts
// and the global instructions resolved to literal text, and an empty snippet dictionary.
// Platform exporters must be handed this form. The input graph is not modified.
func ExpandGraphSnippets(g *AgentGraph) *AgentGraph {
	out := g.Clone()
	if out == nil {
		return nil
	}
	out.Instructions = template.ExpandSnippets(out.Instructions, g.Snippets)
	for _, n := range out.Nodes {
		if n != nil {
			n.StatePrompt = template.ExpandSnippets(n.StatePrompt, g.Snippets)
		}
	}
	out.Snippets = map[string]string{}
	return out
}

// ExtractSnippet stores text as snippet name and rewrites every literal occurrence in
// the node prompts and global instructions to a {%name%} reference. It returns a new
// graph together with the locations that were rewritten.
func ExtractSnippet(g *AgentGraph, name, text string) (*AgentGraph, []string, error) {
	if g == nil {
		return nil, nil, fmt.Errorf("graph is nil")
	}
	name = strings.TrimSpace(name)
	if !template.ValidSnippetName(name) {
		return nil, nil, fmt.Errorf("invalid snippet name %q", name)
	}
	if _, exists := g.Snippets[name]; exists {
		return nil, nil, fmt.Errorf("snippet %q already exists", name)
	}
	if strings.TrimSpace(text) == "" {
		return nil, nil, fmt.Errorf("snippet text is empty")
	}
	ref := template.SnippetRef(name)
	out := g.Clone()
	var locations []string
	if strings.Contains(out.Instructions, text) {
		out.Instructions = strings.ReplaceAll(out.Instructions, text, ref)
		locations = append(locations, InstructionsLocation)
	}
	for _, id := range out.NodeIDs() {
		n := out.Nodes[id]
		if n != nil && strings.Contains(n.StatePrompt, text) {
			n.StatePrompt = strings.ReplaceAll(n.StatePrompt, text, ref)
			locations = append(locations, id)
		}
	}
	if len(locations) == 0 {
		return nil, nil, fmt.Errorf("text for snippet %q does not occur in any prompt", name)
	}
	out.Snippets[name] = text
	return out, locations, nil
}
