package judge

import (
	"regexp"
	"strings"

	"github.com/Laisky/errors/v2"

	"github.com/danshapiro/voicetest/internal/transcript"
)

type Status string

const (
	StatusPass  Status = "pass"
	StatusFail  Status = "fail"
	StatusError Status = "error"
)

// Verdict is the aggregate outcome of one test.
type Verdict struct {
	Status  Status      `json:"status"`
	Metrics []Result    `json:"metrics,omitempty"`
	Rule    *RuleResult `json:"rule,omitempty"`
}

// Aggregate is fail when any scored or unparseable metric failed, otherwise error
// when any metric could not be evaluated, otherwise pass. Confidence is ignored.
func Aggregate(results []Result) Verdict {
	v := Verdict{Status: StatusPass, Metrics: results}
	errored := false
	for _, r := range results {
		switch r.Status {
		case MetricError:
			errored = true
		default:
			if !r.Passed {
				v.Status = StatusFail
			}
		}
	}
	if v.Status == StatusPass && errored {
		v.Status = StatusError
	}
	return v
}

// RuleSet is the compiled form of a rule test.
type RuleSet struct {
	Includes []string
	Excludes []string
	Patterns []*regexp.Regexp
}

// CompileRules compiles patterns up front. A bad pattern is a configuration error.
func CompileRules(includes, excludes, patterns []string) (RuleSet, error) {
	rs := RuleSet{Includes: includes, Excludes: excludes}
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return RuleSet{}, errors.Wrapf(err, "pattern %q", p)
		}
		rs.Patterns = append(rs.Patterns, re)
	}
	return rs, nil
}

type RuleResult struct {
	Passed     bool     `json:"passed"`
	Confidence float64  `json:"confidence"`
	Failures   []string `json:"failures,omitempty"`
}

// Check runs the rule set against the transcript text. No model is involved.
// Matching is case-sensitive.
func (rs RuleSet) Check(tr *transcript.Transcript) RuleResult {
	text := tr.Text()
	res := RuleResult{Confidence: 1.0}
	for _, s := range rs.Includes {
		if !strings.Contains(text, s) {
			res.Failures = append(res.Failures, "missing required text "+quote(s))
		}
	}
	for _, s := range rs.Excludes {
		if strings.Contains(text, s) {
			res.Failures = append(res.Failures, "contains forbidden text "+quote(s))
		}
	}
	for _, re := range rs.Patterns {
		if !re.MatchString(text) {
			res.Failures = append(res.Failures, "no match for pattern "+quote(re.String()))
		}
	}
	res.Passed = len(res.Failures) == 0
	return res
}

// RuleVerdict wraps a rule result as a test verdict.
func RuleVerdict(r RuleResult) Verdict {
	v := Verdict{Status: StatusFail, Rule: &r}
	if r.Passed {
		v.Status = StatusPass
	}
	return v
}

func quote(s string) string { return "\"" + s + "\"" }
