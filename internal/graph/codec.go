package graph

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatForPath picks the native format from a file extension. Unknown extensions read as YAML,
// which also accepts JSON documents.
func FormatForPath(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return FormatJSON
	}
	return FormatYAML
}

// document is the native, snippet-preserving serialization. Nodes are a list so that
// duplicate ids survive decoding and can be reported.
type document struct {
	Name         string            `json:"name,omitempty" yaml:"name,omitempty"`
	EntryNodeID  string            `json:"entry_node_id" yaml:"entry_node_id"`
	Instructions string            `json:"instructions,omitempty" yaml:"instructions,omitempty"`
	Snippets     map[string]string `json:"snippets,omitempty" yaml:"snippets,omitempty"`
	Tools        []ToolDefinition  `json:"tools,omitempty" yaml:"tools,omitempty"`
	Nodes        []*Node           `json:"nodes" yaml:"nodes"`
}

// Load reads, decodes and validates the graph at path.
func Load(path string) (*AgentGraph, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Decode(b, FormatForPath(path))
}

// Decode parses the native form and validates it. Any integrity problem is returned
// as an *IntegrityError before the graph can be used.
func Decode(data []byte, format Format) (*AgentGraph, error) {
	var doc document
	switch format {
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode graph json: %w", err)
		}
		var trailing any
		if err := dec.Decode(&trailing); err != io.EOF {
			return nil, fmt.Errorf("decode graph json: multiple top-level values are not allowed")
		}
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode graph yaml: %w", err)
		}
		var trailing any
		if err := dec.Decode(&trailing); err != io.EOF {
			return nil, fmt.Errorf("decode graph yaml: multiple documents are not allowed")
		}
	default:
		return nil, fmt.Errorf("unknown graph format: %q", format)
	}

	g := New(doc.Name, doc.EntryNodeID)
	g.Instructions = doc.Instructions
	g.Tools = doc.Tools
	for k, v := range doc.Snippets {
		g.Snippets[k] = v
	}
	var diags []Diagnostic
	for i, n := range doc.Nodes {
		if n == nil {
			diags = append(diags, Diagnostic{Rule: "node_id", Severity: SeverityError, Message: fmt.Sprintf("nodes[%d] is empty", i)})
			continue
		}
		if !g.AddNode(n) {
			diags = append(diags, Diagnostic{
				Rule:     "node_id",
				Severity: SeverityError,
				Message:  fmt.Sprintf("duplicate node id %q", n.ID),
				NodeID:   n.ID,
			})
		}
	}
	diags = append(diags, Validate(g)...)
	if err := errorFromDiagnostics(diags); err != nil {
		return nil, err
	}
	return g, nil
}

// Encode writes the native JSON form. Snippet references are preserved.
func Encode(g *AgentGraph) ([]byte, error) {
	doc := document{
		Name:         g.Name,
		EntryNodeID:  g.EntryNodeID,
		Instructions: g.Instructions,
		Snippets:     g.Snippets,
		Tools:        g.Tools,
	}
	for _, id := range g.NodeIDs() {
		doc.Nodes = append(doc.Nodes, g.Nodes[id])
	}
	return json.MarshalIndent(doc, "", "  ")
}

// Fingerprint is a blake3 digest of the native encoding.
func Fingerprint(g *AgentGraph) (string, error) {
	b, err := Encode(g)
	if err != nil {
		return "", err
	}
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
