package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	llmclient "copyflow/internal/llmClient"
)

const (
	maxBackoff = 20 * time.Second
	// maxRateLimitWait caps how long a provider may ask us to hold off.
	maxRateLimitWait = time.Minute
)

// AttemptsError records how many tries a retried call consumed.
type AttemptsError struct {
	Attempts int
	Err      error
}

func (e *AttemptsError) Error() string {
	return fmt.Sprintf("gave up after %d attempt(s): %v", e.Attempts, e.Err)
}
func (e *AttemptsError) Unwrap() error { return e.Err }

// Retry retries GenerateJSON up to maxAttempts with exponential backoff
// starting at baseDelay. A throttled call waits at least as long as the
// provider's rate-limit signals ask for. If context is canceled, it stops
// immediately.
func Retry(maxAttempts int, baseDelay time.Duration) Middleware {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if baseDelay <= 0 {
		baseDelay = 300 * time.Millisecond
	}
	return func(next LLMClient) LLMClient {
		return &retrying{next: next, max: maxAttempts, base: baseDelay, adapter: llmclient.HeaderRateLimitControlAdapter{}}
	}
}

type retrying struct {
	next    LLMClient
	max     int
	base    time.Duration
	adapter llmclient.RateLimitControlAdapter
}

func (r *retrying) Name() string { return r.next.Name() }
func (r *retrying) Close() error { return r.next.Close() }

func (r *retrying) GenerateJSON(ctx context.Context, req Request) (json.RawMessage, error) {
	var last error
	for i := 0; i < r.max; i++ {
		resp, err := r.next.GenerateJSON(ctx, req)
		if err == nil {
			return resp, nil
		}
		// Permanent errors and unparseable output are not transport problems.
		if llmclient.IsPermanent(err) || errors.Is(err, llmclient.ErrInvalidJSON) {
			return nil, &AttemptsError{Attempts: i + 1, Err: err}
		}
		last = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if i == r.max-1 {
			break
		}
		if err := sleepCtx(ctx, r.wait(i, err)); err != nil {
			return nil, err
		}
	}
	return nil, &AttemptsError{Attempts: r.max, Err: last}
}

func (r *retrying) backoff(attempt int) time.Duration {
	d := r.base * time.Duration(1<<attempt)
	if d > maxBackoff || d <= 0 {
		d = maxBackoff
	}
	return d
}

// wait is the pause before the next attempt: the backoff, or the provider's
// requested delay when that is longer.
func (r *retrying) wait(attempt int, err error) time.Duration {
	d := r.backoff(attempt)
	h, ok := llmclient.RateLimitOf(err)
	if !ok || r.adapter == nil {
		return d
	}
	if hint := min(r.adapter.NextWait(h), maxRateLimitWait); hint > d {
		return hint
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
