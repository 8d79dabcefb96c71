// Package metrics holds the Prometheus collectors for model calls and test outcomes.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/danshapiro/voicetest/internal/llm"
)

// Collectors is registered on its own registry so textfile export and tests never
// see process-global state.
type Collectors struct {
	Registry      *prometheus.Registry
	ModelCalls    *prometheus.CounterVec
	ModelLatency  *prometheus.HistogramVec
	ModelTokens   *prometheus.CounterVec
	Retries       *prometheus.CounterVec
	TestOutcomes  *prometheus.CounterVec
	Terminations  *prometheus.CounterVec
	TurnCount     prometheus.Histogram
	TestDuration  prometheus.Histogram
	DuplicateHits *prometheus.CounterVec
}

func New() *Collectors {
	c := &Collectors{
		Registry: prometheus.NewRegistry(),
		ModelCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voicetest",
			Name:      "model_calls_total",
			Help:      "Model invocations by role, provider and outcome.",
		}, []string{"role", "provider", "outcome"}),
		ModelLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "voicetest",
			Name:      "model_call_seconds",
			Help:      "Model invocation latency.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"role", "provider"}),
		ModelTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voicetest",
			Name:      "model_tokens_total",
			Help:      "Tokens consumed by role and direction.",
		}, []string{"role", "direction"}),
		Retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voicetest",
			Name:      "model_retries_total",
			Help:      "Retries of transient model failures by role.",
		}, []string{"role"}),
		TestOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voicetest",
			Name:      "test_results_total",
			Help:      "Test results by status.",
		}, []string{"status"}),
		Terminations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voicetest",
			Name:      "conversation_terminations_total",
			Help:      "Conversations by termination reason.",
		}, []string{"reason"}),
		TurnCount: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "voicetest",
			Name:      "conversation_turns",
			Help:      "Simulator utterances per conversation.",
			Buckets:   prometheus.LinearBuckets(1, 2, 12),
		}),
		TestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "voicetest",
			Name:      "test_duration_seconds",
			Help:      "Wall-clock time per test.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
		DuplicateHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voicetest",
			Name:      "duplicate_text_findings_total",
			Help:      "Duplicate text findings by match kind.",
		}, []string{"kind"}),
	}
	c.Registry.MustRegister(
		c.ModelCalls, c.ModelLatency, c.ModelTokens, c.Retries,
		c.TestOutcomes, c.Terminations, c.TurnCount, c.TestDuration, c.DuplicateHits,
	)
	return c
}

// Middleware records every model call passing through an llm.Client.
func (c *Collectors) Middleware() llm.Middleware {
	return func(next llm.CompleteFunc) llm.CompleteFunc {
		return func(ctx context.Context, req llm.Request) (llm.Response, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			c.ObserveCall(req.Role, req.Provider, time.Since(start), resp.Usage, err)
			return resp, err
		}
	}
}

func (c *Collectors) ObserveCall(role, provider string, d time.Duration, usage llm.Usage, err error) {
	if c == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
		if llm.IsRetryable(err) {
			outcome = "transient_error"
		}
	}
	c.ModelCalls.WithLabelValues(role, provider, outcome).Inc()
	c.ModelLatency.WithLabelValues(role, provider).Observe(d.Seconds())
	if usage.InputTokens > 0 {
		c.ModelTokens.WithLabelValues(role, "input").Add(float64(usage.InputTokens))
	}
	if usage.OutputTokens > 0 {
		c.ModelTokens.WithLabelValues(role, "output").Add(float64(usage.OutputTokens))
	}
}

func (c *Collectors) ObserveRetry(role string) {
	if c == nil {
		return
	}
	c.Retries.WithLabelValues(role).Inc()
}

func (c *Collectors) ObserveTest(status, reason string, turns int, d time.Duration) {
	if c == nil {
		return
	}
	c.TestOutcomes.WithLabelValues(status).Inc()
	if reason != "" {
		c.Terminations.WithLabelValues(reason).Inc()
	}
	c.TurnCount.Observe(float64(turns))
	c.TestDuration.Observe(d.Seconds())
}

func (c *Collectors) ObserveDuplicates(exact, fuzzy int) {
	if c == nil {
		return
	}
	c.DuplicateHits.WithLabelValues("exact").Add(float64(exact))
	c.DuplicateHits.WithLabelValues("fuzzy").Add(float64(fuzzy))
}

// WriteTextfile writes the registry in the node-exporter textfile format.
func (c *Collectors) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, c.Registry)
}
