package llm

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/Laisky/errors/v2"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ExtractJSONObject returns the first balanced JSON object in text. Markdown code
// fences and surrounding prose are ignored.
func ExtractJSONObject(text string) (json.RawMessage, error) {
	s := strings.TrimSpace(text)
	for start := strings.IndexByte(s, '{'); start >= 0; {
		if end := matchBrace(s, start); end > start {
			cand := s[start : end+1]
			if json.Valid([]byte(cand)) {
				return json.RawMessage(cand), nil
			}
		}
		next := strings.IndexByte(s[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return nil, errors.New("no JSON object found in model output")
}

// matchBrace returns the index of the brace closing s[start], honouring strings.
func matchBrace(s string, start int) int {
	depth := 0
	inStr := false
	esc := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inStr {
			switch {
			case esc:
				esc = false
			case c == '\\':
				esc = true
			case c == '"':
				inStr = false
			}
			continue
		}
		switch c {
		case '"':
			inStr = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// Schema is a compiled JSON schema for structured model output.
type Schema struct {
	raw    map[string]any
	schema *jsonschema.Schema
}

func CompileSchema(name string, doc map[string]any) (*Schema, error) {
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, errors.Wrap(err, "marshal schema")
	}
	c := jsonschema.NewCompiler()
	url := "mem://" + name + ".json"
	if err := c.AddResource(url, bytes.NewReader(b)); err != nil {
		return nil, errors.Wrapf(err, "add schema %s", name)
	}
	s, err := c.Compile(url)
	if err != nil {
		return nil, errors.Wrapf(err, "compile schema %s", name)
	}
	return &Schema{raw: doc, schema: s}, nil
}

func (s *Schema) Raw() map[string]any { return s.raw }

// Decode extracts a JSON object from text, validates it against the schema and
// unmarshals it into out.
func (s *Schema) Decode(text string, out any) error {
	raw, err := ExtractJSONObject(text)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return errors.Wrap(err, "decode model output")
	}
	if err := s.schema.Validate(doc); err != nil {
		return errors.Wrap(err, "model output does not match schema")
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errors.Wrap(err, "decode model output")
	}
	return nil
}
