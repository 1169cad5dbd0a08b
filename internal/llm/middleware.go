package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	llmclient "copyflow/internal/llmClient"
	"copyflow/internal/logging"
	"copyflow/internal/metrics"
)

// LLMClient is re-exported so callers only import this package.
type LLMClient = llmclient.LLMClient

// Request is re-exported for the same reason.
type Request = llmclient.Request

// ErrCallTimeout marks a single call that ran past its deadline while the
// caller's context was still alive.
var ErrCallTimeout = errors.New("generation call timed out")

// Middleware decorates an LLMClient to inject cross-cutting concerns
// (rate limiting, retries, deadlines, logging, metrics).
type Middleware func(LLMClient) LLMClient

// Wrap applies middlewares in left-to-right order.
// Example: Wrap(inner, A, B) => A(B(inner))
func Wrap(inner LLMClient, mws ...Middleware) LLMClient {
	out := inner
	for i := len(mws) - 1; i >= 0; i-- {
		out = mws[i](out)
	}
	return out
}

// -------- Rate limiting --------

// RateLimit limits request rate with a token bucket shared by every caller
// of the returned client. If rps <= 0, the limiter is disabled.
func RateLimit(rps float64, burst int) Middleware {
	return func(next LLMClient) LLMClient {
		if rps <= 0 {
			return next
		}
		if burst < 1 {
			burst = 1
		}
		return &rateLimited{next: next, rl: rate.NewLimiter(rate.Limit(rps), burst)}
	}
}

type rateLimited struct {
	next LLMClient
	rl   *rate.Limiter
}

func (c *rateLimited) Name() string { return c.next.Name() }
func (c *rateLimited) Close() error { return c.next.Close() }
func (c *rateLimited) GenerateJSON(ctx context.Context, req Request) (json.RawMessage, error) {
	if err := c.rl.Wait(ctx); err != nil {
		return nil, err
	}
	return c.next.GenerateJSON(ctx, req)
}

// -------- Concurrency --------

// Concurrency caps in-flight calls across all runs. n <= 0 disables it.
func Concurrency(n int64) Middleware {
	return func(next LLMClient) LLMClient {
		if n <= 0 {
			return next
		}
		return &bounded{next: next, sem: semaphore.NewWeighted(n)}
	}
}

type bounded struct {
	next LLMClient
	sem  *semaphore.Weighted
}

func (b *bounded) Name() string { return b.next.Name() }
func (b *bounded) Close() error { return b.next.Close() }
func (b *bounded) GenerateJSON(ctx context.Context, req Request) (json.RawMessage, error) {
	if err := b.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer b.sem.Release(1)
	return b.next.GenerateJSON(ctx, req)
}

// -------- Deadline --------

// Timeout gives every call its own deadline. A call that runs out of time
// while the parent context is alive fails with ErrCallTimeout.
func Timeout(d time.Duration) Middleware {
	return func(next LLMClient) LLMClient {
		if d <= 0 {
			return next
		}
		return &deadlined{next: next, d: d}
	}
}

type deadlined struct {
	next LLMClient
	d    time.Duration
}

func (t *deadlined) Name() string { return t.next.Name() }
func (t *deadlined) Close() error { return t.next.Close() }
func (t *deadlined) GenerateJSON(ctx context.Context, req Request) (json.RawMessage, error) {
	callCtx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	raw, err := t.next.GenerateJSON(callCtx, req)
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w after %s: %v", ErrCallTimeout, t.d, err)
	}
	return raw, err
}

// -------- Logging & metrics --------

// WithLogging logs request size, latency and errors.
func WithLogging(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next LLMClient) LLMClient {
		return &logged{next: next, log: logger}
	}
}

type logged struct {
	next LLMClient
	log  *zap.Logger
}

func (l *logged) Name() string { return l.next.Name() }
func (l *logged) Close() error { return l.next.Close() }
func (l *logged) GenerateJSON(ctx context.Context, req Request) (json.RawMessage, error) {
	log := logging.For(ctx, l.log).With(zap.String("provider", l.next.Name()), zap.String("call", CallFrom(ctx)))
	start := time.Now()
	log.Debug("generation request", zap.Int("bytes", len(req.Instructions)+len(req.Prompt)+len(req.Schema)))
	raw, err := l.next.GenerateJSON(ctx, req)
	if err != nil {
		log.Warn("generation error", zap.Duration("elapsed", time.Since(start)), zap.Error(err))
		return raw, err
	}
	log.Debug("generation response", zap.Duration("elapsed", time.Since(start)), zap.Int("bytes", len(raw)))
	return raw, err
}

// WithMetrics records call outcomes and latency.
func WithMetrics(m *metrics.Metrics) Middleware {
	return func(next LLMClient) LLMClient {
		if m == nil {
			return next
		}
		return &measured{next: next, m: m}
	}
}

type measured struct {
	next LLMClient
	m    *metrics.Metrics
}

func (c *measured) Name() string { return c.next.Name() }
func (c *measured) Close() error { return c.next.Close() }
func (c *measured) GenerateJSON(ctx context.Context, req Request) (json.RawMessage, error) {
	phase := PhaseFrom(ctx)
	start := time.Now()
	raw, err := c.next.GenerateJSON(ctx, req)
	c.m.GenerationLatency.WithLabelValues(c.next.Name(), phase).Observe(time.Since(start).Seconds())
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrCallTimeout):
		outcome = "timeout"
	case llmclient.IsPermanent(err):
		outcome = "permanent"
	default:
		outcome = "error"
	}
	c.m.GenerationCalls.WithLabelValues(c.next.Name(), phase, outcome).Inc()
	return raw, err
}
