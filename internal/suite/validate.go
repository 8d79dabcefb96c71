package suite

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/danshapiro/voicetest/internal/judge"
)

// ConfigurationError lists every problem found in a suite. It is fatal before any
// simulation starts.
type ConfigurationError struct {
	Problems []string
}

func (e *ConfigurationError) Error() string {
	if len(e.Problems) == 1 {
		return "suite configuration invalid: " + e.Problems[0]
	}
	return fmt.Sprintf("suite configuration invalid (%d problems): %s", len(e.Problems), strings.Join(e.Problems, "; "))
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks field constraints, name uniqueness, type-specific fields, persona
// syntax and rule patterns. Rule patterns are compiled and kept on each test.
func (s *Suite) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}
	if len(s.Tests) == 0 {
		add("suite has no tests")
	}

	seenGlobal := map[string]bool{}
	for i := range s.GlobalMetrics {
		m := &s.GlobalMetrics[i]
		label := fmt.Sprintf("global_metrics[%d]", i)
		if m.Name != "" {
			label = fmt.Sprintf("global metric %q", m.Name)
		}
		problems = append(problems, structProblems(label, m)...)
		if m.Name != "" {
			if seenGlobal[m.Name] {
				add("duplicate global metric name %q", m.Name)
			}
			seenGlobal[m.Name] = true
		}
	}

	seen := map[string]bool{}
	for i := range s.Tests {
		tc := &s.Tests[i]
		label := fmt.Sprintf("tests[%d]", i)
		if tc.Name != "" {
			label = fmt.Sprintf("test %q", tc.Name)
			if seen[tc.Name] {
				add("duplicate test name %q", tc.Name)
			}
			seen[tc.Name] = true
		}
		problems = append(problems, structProblems(label, tc)...)
		if strings.Contains(tc.UserPrompt, "{%") {
			add("%s: user_prompt may not use snippet references ({%%...%%})", label)
		}

		switch tc.Type {
		case TypeLLM:
			if len(tc.Metrics) == 0 && len(s.GlobalMetrics) == 0 {
				add("%s: llm test has no metrics and the suite has no global metrics", label)
			}
			if len(tc.Includes)+len(tc.Excludes)+len(tc.Patterns) > 0 {
				add("%s: includes, excludes and patterns apply only to rule tests", label)
			}
		case TypeRule:
			if len(tc.Metrics) > 0 {
				add("%s: metrics apply only to llm tests", label)
			}
			if len(tc.Includes)+len(tc.Excludes)+len(tc.Patterns) == 0 {
				add("%s: rule test needs at least one of includes, excludes or patterns", label)
			}
			rs, err := judge.CompileRules(tc.Includes, tc.Excludes, tc.Patterns)
			if err != nil {
				add("%s: %v", label, err)
			} else {
				tc.rules = &rs
			}
		}
	}
	if len(problems) > 0 {
		return &ConfigurationError{Problems: problems}
	}
	return nil
}

func structProblems(label string, v any) []string {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return []string{fmt.Sprintf("%s: %v", label, err)}
	}
	out := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Namespace()
		if _, rest, ok := strings.Cut(field, "."); ok {
			field = rest
		}
		out = append(out, fmt.Sprintf("%s: %s %s", label, field, describe(fe)))
	}
	return out
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return fmt.Sprintf("must be one of [%s], got %q", fe.Param(), fmt.Sprint(fe.Value()))
	case "gte", "lte":
		return fmt.Sprintf("must be within [0, 1], got %v", fe.Value())
	default:
		return "failed " + fe.Tag()
	}
}
