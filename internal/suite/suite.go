// Package suite loads and validates test cases and global metrics.
package suite

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Laisky/errors/v2"
	"gopkg.in/yaml.v3"

	"github.com/danshapiro/voicetest/internal/judge"
)

type TestType string

const (
	TypeLLM  TestType = "llm"
	TypeRule TestType = "rule"
)

// MetricSpec is one local metric. In files it is either a bare criteria string or an
// object with criteria and optional name and threshold.
type MetricSpec struct {
	Name      string   `json:"name,omitempty" yaml:"name,omitempty"`
	Criteria  string   `json:"criteria" yaml:"criteria" validate:"required"`
	Threshold *float64 `json:"threshold,omitempty" yaml:"threshold,omitempty" validate:"omitempty,gte=0,lte=1"`
}

type TestCase struct {
	Name       string            `json:"name" yaml:"name" validate:"required"`
	UserPrompt string            `json:"user_prompt" yaml:"user_prompt" validate:"required"`
	Type       TestType          `json:"type" yaml:"type" validate:"required,oneof=llm rule"`
	Metrics    []MetricSpec      `json:"metrics,omitempty" yaml:"metrics,omitempty" validate:"dive"`
	Includes   []string          `json:"includes,omitempty" yaml:"includes,omitempty"`
	Excludes   []string          `json:"excludes,omitempty" yaml:"excludes,omitempty"`
	Patterns   []string          `json:"patterns,omitempty" yaml:"patterns,omitempty"`
	Variables  map[string]string `json:"variables,omitempty" yaml:"variables,omitempty"`

	// Source is the file the test was loaded from.
	Source string `json:"-" yaml:"-"`

	rules *judge.RuleSet
}

// GlobalMetric runs on every llm test of the suite.
type GlobalMetric struct {
	Name      string   `json:"name" yaml:"name" validate:"required"`
	Criteria  string   `json:"criteria" yaml:"criteria" validate:"required"`
	Threshold *float64 `json:"threshold,omitempty" yaml:"threshold,omitempty" validate:"omitempty,gte=0,lte=1"`
}

// EffectiveThreshold is the declared threshold or judge.DefaultThreshold.
func (m GlobalMetric) EffectiveThreshold() float64 {
	if m.Threshold != nil {
		return *m.Threshold
	}
	return judge.DefaultThreshold
}

type Suite struct {
	Tests         []TestCase     `json:"tests" yaml:"tests"`
	GlobalMetrics []GlobalMetric `json:"global_metrics,omitempty" yaml:"global_metrics,omitempty"`
}

// Decode parses one suite document. The document is either a mapping with tests and
// global_metrics or a bare list of tests. The result is not validated.
func Decode(data []byte, isJSON bool) (*Suite, error) {
	var s Suite
	if isJSON {
		trimmed := bytes.TrimSpace(data)
		if len(trimmed) > 0 && trimmed[0] == '[' {
			if err := decodeJSONStrict(trimmed, &s.Tests); err != nil {
				return nil, err
			}
			return &s, nil
		}
		if err := decodeJSONStrict(trimmed, &s); err != nil {
			return nil, err
		}
		return &s, nil
	}

	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, errors.Wrap(err, "decode yaml suite")
	}
	if len(root.Content) > 0 && root.Content[0].Kind == yaml.SequenceNode {
		if err := decodeYAMLStrict(data, &s.Tests); err != nil {
			return nil, err
		}
		return &s, nil
	}
	if err := decodeYAMLStrict(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func decodeJSONStrict(b []byte, out any) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return errors.Wrap(err, "decode json suite")
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return errors.New("decode json suite: multiple JSON documents are not allowed")
		}
		return errors.Wrap(err, "decode json suite")
	}
	return nil
}

func decodeYAMLStrict(b []byte, out any) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil && err != io.EOF {
		return errors.Wrap(err, "decode yaml suite")
	}
	var extra any
	if err := dec.Decode(&extra); err != io.EOF {
		if err == nil {
			return errors.New("decode yaml suite: multiple YAML documents are not allowed")
		}
		return errors.Wrap(err, "decode yaml suite")
	}
	return nil
}

// Load reads every file, merges them in order and validates the result.
func Load(paths ...string) (*Suite, error) {
	if len(paths) == 0 {
		return nil, &ConfigurationError{Problems: []string{"no test files given"}}
	}
	merged := &Suite{}
	for _, p := range paths {
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, errors.Wrapf(err, "read suite %s", p)
		}
		s, err := Decode(b, strings.EqualFold(filepath.Ext(p), ".json"))
		if err != nil {
			return nil, errors.Wrapf(err, "load suite %s", p)
		}
		for i := range s.Tests {
			s.Tests[i].Source = p
		}
		merged.Tests = append(merged.Tests, s.Tests...)
		merged.GlobalMetrics = append(merged.GlobalMetrics, s.GlobalMetrics...)
	}
	if err := merged.Validate(); err != nil {
		return nil, err
	}
	return merged, nil
}

// Select returns a copy holding only the named tests, in suite order.
func (s *Suite) Select(names []string) (*Suite, error) {
	if len(names) == 0 {
		return s, nil
	}
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	out := &Suite{GlobalMetrics: s.GlobalMetrics}
	for _, tc := range s.Tests {
		if want[tc.Name] {
			out.Tests = append(out.Tests, tc)
			delete(want, tc.Name)
		}
	}
	if len(want) > 0 {
		missing := make([]string, 0, len(want))
		for n := range want {
			missing = append(missing, n)
		}
		sort.Strings(missing)
		return nil, &ConfigurationError{Problems: []string{fmt.Sprintf("unknown tests: %s", strings.Join(missing, ", "))}}
	}
	return out, nil
}

// JudgeMetrics returns the test's local metrics. Unnamed metrics are numbered.
func (tc TestCase) JudgeMetrics() []judge.Metric {
	out := make([]judge.Metric, 0, len(tc.Metrics))
	for i, m := range tc.Metrics {
		name := m.Name
		if name == "" {
			name = fmt.Sprintf("metric_%d", i+1)
		}
		out = append(out, judge.Metric{Name: name, Criteria: m.Criteria, Threshold: m.Threshold})
	}
	return out
}

// Rules returns the rule set compiled by Validate, compiling it here when the test
// was never validated. A rule test without any check is an error.
func (tc TestCase) Rules() (judge.RuleSet, error) {
	if tc.rules != nil {
		return *tc.rules, nil
	}
	if len(tc.Includes)+len(tc.Excludes)+len(tc.Patterns) == 0 {
		return judge.RuleSet{}, fmt.Errorf("test %q: rule test has no includes, excludes or patterns", tc.Name)
	}
	return judge.CompileRules(tc.Includes, tc.Excludes, tc.Patterns)
}

// GlobalJudgeMetrics applies each global metric's own threshold.
func (s *Suite) GlobalJudgeMetrics() []judge.Metric {
	out := make([]judge.Metric, 0, len(s.GlobalMetrics))
	for _, m := range s.GlobalMetrics {
		th := m.EffectiveThreshold()
		out = append(out, judge.Metric{Name: m.Name, Criteria: m.Criteria, Threshold: &th, Global: true})
	}
	return out
}

func (m *MetricSpec) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*m = MetricSpec{Criteria: s}
		return nil
	}
	type plain MetricSpec
	var p plain
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return err
	}
	*m = MetricSpec(p)
	return nil
}

func (m *MetricSpec) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		*m = MetricSpec{Criteria: value.Value}
		return nil
	}
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: metric must be a string or a mapping", value.Line)
	}
	for i := 0; i+1 < len(value.Content); i += 2 {
		switch k := value.Content[i].Value; k {
		case "name", "criteria", "threshold":
		default:
			return fmt.Errorf("line %d: field %s not found in metric", value.Content[i].Line, k)
		}
	}
	type plain MetricSpec
	var p plain
	if err := value.Decode(&p); err != nil {
		return err
	}
	*m = MetricSpec(p)
	return nil
}
