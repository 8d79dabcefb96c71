// Package judge scores finished transcripts against metrics and rule checks.
package judge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Laisky/errors/v2"
	glog "github.com/Laisky/go-utils/v5/log"
	"github.com/Laisky/zap"

	"github.com/danshapiro/voicetest/internal/llm"
	"github.com/danshapiro/voicetest/internal/logging"
	"github.com/danshapiro/voicetest/internal/transcript"
)

const (
	RoleJudge = "judge"

	DefaultThreshold = 0.7

	// thresholdEpsilon absorbs float noise so a score equal to its threshold passes.
	thresholdEpsilon = 1e-9
)

// Metric is one natural-language success criterion.
type Metric struct {
	Name     string
	Criteria string
	// Threshold overrides every other threshold source when set.
	Threshold *float64
	Global    bool
}

type MetricStatus string

const (
	MetricScored     MetricStatus = "scored"
	MetricParseError MetricStatus = "parse_error"
	MetricError      MetricStatus = "error"
)

// Result is the judge's structured answer for one metric plus the pass decision.
type Result struct {
	Metric     string       `json:"metric"`
	Global     bool         `json:"global,omitempty"`
	Analysis   string       `json:"analysis"`
	Score      float64      `json:"score"`
	Reasoning  string       `json:"reasoning"`
	Confidence float64      `json:"confidence"`
	Threshold  float64      `json:"threshold"`
	Passed     bool         `json:"passed"`
	Status     MetricStatus `json:"status"`
	Error      string       `json:"error,omitempty"`
}

// ParseError is judge output that could not be read as the four required fields.
type ParseError struct {
	Raw string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("judge output not parseable: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Passes applies the threshold comparison used for every metric.
func Passes(score, threshold float64) bool {
	return score >= threshold-thresholdEpsilon
}

// Thresholds holds the run-level threshold sources. Default is used as given, so a
// zero value means every local metric passes.
type Thresholds struct {
	Default  float64
	PerAgent map[string]float64
}

// Resolve returns the effective threshold of a local metric: per-metric override,
// then per-agent override, then the default. Global metrics carry their own.
func (t Thresholds) Resolve(m Metric, agent string) float64 {
	if m.Threshold != nil {
		return *m.Threshold
	}
	if m.Global {
		return DefaultThreshold
	}
	if v, ok := t.PerAgent[agent]; ok {
		return v
	}
	return t.Default
}

type Config struct {
	Model      llm.ModelRef
	Retry      llm.RetryPolicy
	Thresholds Thresholds
	Logger     glog.Logger
	OnRetry    func(role string)
}

type Judge struct {
	gen    llm.Generator
	cfg    Config
	schema *llm.Schema
	log    glog.Logger
}

func New(gen llm.Generator, cfg Config) (*Judge, error) {
	schema, err := llm.CompileSchema("judge_result", resultSchema)
	if err != nil {
		return nil, errors.Wrap(err, "compile judge schema")
	}
	return &Judge{gen: gen, cfg: cfg, schema: schema, log: logging.OrDefault(cfg.Logger)}, nil
}

// Evaluate scores one metric. A parse failure yields score 0 and a failed metric; a
// model failure after retries yields status error.
func (j *Judge) Evaluate(ctx context.Context, tr *transcript.Transcript, m Metric, threshold float64) Result {
	res := Result{Metric: m.Name, Global: m.Global, Threshold: threshold}
	req := j.cfg.Model.Apply(llm.Request{
		Role: RoleJudge,
		Messages: []llm.Message{
			llm.System(judgeInstructions),
			llm.User(judgePrompt(tr, m)),
		},
		ResponseFormat: &llm.ResponseFormat{Type: llm.ResponseFormatJSON, Schema: resultSchema},
	})
	policy := j.cfg.Retry
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		j.log.Warn("retrying judge call",
			zap.String("metric", m.Name), zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))
		if j.cfg.OnRetry != nil {
			j.cfg.OnRetry(RoleJudge)
		}
	}
	resp, err := llm.CompleteWithRetry(ctx, j.gen, policy, req)
	if err != nil {
		res.Status = MetricError
		res.Error = err.Error()
		j.log.Error("judge invocation failed", zap.String("metric", m.Name), zap.Error(err))
		return res
	}
	out, err := j.parse(resp.Text)
	if err != nil {
		res.Status = MetricParseError
		res.Error = err.Error()
		res.Reasoning = "judge output could not be parsed; metric recorded as failed: " + err.Error()
		j.log.Warn("judge output not parseable", zap.String("metric", m.Name), zap.Error(err))
		return res
	}
	res.Status = MetricScored
	res.Analysis = out.analysis
	res.Score = out.Score
	res.Reasoning = out.Reasoning
	res.Confidence = out.Confidence
	res.Passed = Passes(out.Score, threshold)
	return res
}

type parsedResult struct {
	Analysis   json.RawMessage `json:"analysis"`
	Score      float64         `json:"score"`
	Reasoning  string          `json:"reasoning"`
	Confidence float64         `json:"confidence"`
	analysis   string
}

func (j *Judge) parse(text string) (parsedResult, error) {
	var out parsedResult
	if err := j.schema.Decode(text, &out); err != nil {
		return parsedResult{}, &ParseError{Raw: text, Err: err}
	}
	out.analysis = flattenAnalysis(out.Analysis)
	return out, nil
}

// flattenAnalysis accepts the analysis as a string or a list of findings.
func flattenAnalysis(raw json.RawMessage) string {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var items []any
	if json.Unmarshal(raw, &items) == nil {
		lines := make([]string, 0, len(items))
		for _, it := range items {
			switch v := it.(type) {
			case string:
				lines = append(lines, "- "+v)
			default:
				b, _ := json.Marshal(v)
				lines = append(lines, "- "+string(b))
			}
		}
		return strings.Join(lines, "\n")
	}
	return string(raw)
}

// Score evaluates every local metric then every global metric, in order.
func (j *Judge) Score(ctx context.Context, tr *transcript.Transcript, local, global []Metric, agent string) Verdict {
	results := make([]Result, 0, len(local)+len(global))
	for _, m := range local {
		m.Global = false
		results = append(results, j.Evaluate(ctx, tr, m, j.cfg.Thresholds.Resolve(m, agent)))
	}
	for _, m := range global {
		m.Global = true
		results = append(results, j.Evaluate(ctx, tr, m, j.cfg.Thresholds.Resolve(m, agent)))
	}
	return Aggregate(results)
}
