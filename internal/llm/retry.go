package llm

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/Laisky/errors/v2"
)

// RetryPolicy bounds retries of transient model failures.
type RetryPolicy struct {
	MaxRetries     int
	InitialDelayMS int
	BackoffFactor  float64
	MaxDelayMS     int
	Jitter         bool
	// OnRetry is called before each sleep.
	OnRetry func(attempt int, delay time.Duration, err error)
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:     3,
		InitialDelayMS: 500,
		BackoffFactor:  2.0,
		MaxDelayMS:     30_000,
	}
}

// DelayForAttempt returns the sleep before retry number attempt (1-indexed). Jitter
// is derived from seed so reruns of the same call sleep the same amount.
func (p RetryPolicy) DelayForAttempt(attempt int, seed string) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if p.InitialDelayMS <= 0 {
		return 0
	}
	factor := p.BackoffFactor
	if factor <= 0 {
		factor = 1.0
	}
	baseMS := float64(p.InitialDelayMS) * math.Pow(factor, float64(attempt-1))
	if p.MaxDelayMS > 0 {
		baseMS = math.Min(baseMS, float64(p.MaxDelayMS))
	}
	if p.Jitter {
		baseMS *= 0.5 + jitterUnit(seed) // [0.5, 1.5]
	}
	if baseMS < 0 {
		baseMS = 0
	}
	return time.Duration(baseMS * float64(time.Millisecond))
}

func jitterUnit(seed string) float64 {
	sum := sha256.Sum256([]byte(seed))
	u := binary.BigEndian.Uint64(sum[:8])
	return float64(u) / float64(^uint64(0))
}

// Retry calls fn until it succeeds, returns a non-retryable error, or the retry
// budget is spent. A server-provided Retry-After replaces the backoff delay but is
// capped at MaxDelayMS.
func Retry[T any](ctx context.Context, p RetryPolicy, seed string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	for attempt := 0; ; attempt++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		if !IsRetryable(err) || attempt >= p.MaxRetries {
			return zero, err
		}
		delay := p.DelayForAttempt(attempt+1, fmt.Sprintf("%s:%d", seed, attempt+1))
		var le Error
		if errors.As(err, &le) && le.RetryAfter() != nil {
			delay = *le.RetryAfter()
			if ceiling := time.Duration(p.MaxDelayMS) * time.Millisecond; p.MaxDelayMS > 0 && delay > ceiling {
				delay = ceiling
			}
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt+1, delay, err)
		}
		if delay > 0 {
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return zero, WrapContextError("", ctx.Err())
			case <-t.C:
			}
		}
	}
}

// CompleteWithRetry runs one completion under the policy.
func CompleteWithRetry(ctx context.Context, g Generator, p RetryPolicy, req Request) (Response, error) {
	seed := req.Provider + "/" + req.Model + ":" + req.Role
	return Retry(ctx, p, seed, func(ctx context.Context) (Response, error) {
		return g.Complete(ctx, req)
	})
}
