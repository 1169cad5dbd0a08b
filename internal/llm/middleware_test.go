package llm

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	llmclient "copyflow/internal/llmClient"
	"copyflow/internal/metrics"
)

// fast fake client that returns immediately
type fastClient struct{}

func (f *fastClient) Name() string { return "fast" }
func (f *fastClient) Close() error { return nil }
func (f *fastClient) GenerateJSON(ctx context.Context, req Request) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}

// spy records timestamps when requests reach the inner client
type spyingClient struct {
	next  LLMClient
	mu    sync.Mutex
	times []time.Time
}

func (s *spyingClient) Name() string { return s.next.Name() }
func (s *spyingClient) Close() error { return s.next.Close() }
func (s *spyingClient) GenerateJSON(ctx context.Context, req Request) (json.RawMessage, error) {
	s.mu.Lock()
	s.times = append(s.times, time.Now())
	s.mu.Unlock()
	return s.next.GenerateJSON(ctx, req)
}

// flaky fails the first n calls with err.
type flakyClient struct {
	n     int32
	err   error
	calls atomic.Int32
}

func (f *flakyClient) Name() string { return "flaky" }
func (f *flakyClient) Close() error { return nil }
func (f *flakyClient) GenerateJSON(ctx context.Context, req Request) (json.RawMessage, error) {
	if f.calls.Add(1) <= f.n {
		return nil, f.err
	}
	return json.RawMessage(`{"ok":true}`), nil
}

type slowClient struct{ d time.Duration }

func (s *slowClient) Name() string { return "slow" }
func (s *slowClient) Close() error { return nil }
func (s *slowClient) GenerateJSON(ctx context.Context, req Request) (json.RawMessage, error) {
	select {
	case <-time.After(s.d):
		return json.RawMessage(`{}`), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestRate_RPS_2PerSecond_Burst1_Spacing(t *testing.T) {
	rec := &spyingClient{next: &fastClient{}}
	cli := Wrap(rec, RateLimit(2, 1))
	t.Cleanup(func() { _ = cli.Close() })

	ctx := context.Background()
	start := time.Now()
	_, err := cli.GenerateJSON(ctx, Request{Prompt: "p"})
	require.NoError(t, err)
	_, err = cli.GenerateJSON(ctx, Request{Prompt: "p"})
	require.NoError(t, err)

	assert.GreaterOrEqual(t, time.Since(start), 450*time.Millisecond, "second call should be throttled")
	assert.Len(t, rec.times, 2)
}

func TestRate_ZeroDisables(t *testing.T) {
	base := &fastClient{}
	cli := RateLimit(0, 0)(base)
	assert.Same(t, base, cli)
}

func TestRate_WaitHonoursContext(t *testing.T) {
	cli := RateLimit(0.1, 1)(&fastClient{})
	_, err := cli.GenerateJSON(context.Background(), Request{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = cli.GenerateJSON(ctx, Request{})
	assert.Error(t, err)
}

func TestConcurrency_CapsInFlight(t *testing.T) {
	var inFlight, peak atomic.Int32
	inner := clientFunc(func(ctx context.Context, req Request) (json.RawMessage, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		return json.RawMessage(`{}`), nil
	})
	cli := Concurrency(2)(inner)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = cli.GenerateJSON(context.Background(), Request{})
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestRetry_RecoversFromTransientErrors(t *testing.T) {
	inner := &flakyClient{n: 2, err: errors.New("503")}
	cli := Retry(3, time.Millisecond)(inner)

	raw, err := cli.GenerateJSON(context.Background(), Request{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(raw))
	assert.Equal(t, int32(3), inner.calls.Load())
}

func TestRetry_ExhaustionReportsAttempts(t *testing.T) {
	inner := &flakyClient{n: 10, err: errors.New("503")}
	cli := Retry(3, time.Millisecond)(inner)

	_, err := cli.GenerateJSON(context.Background(), Request{})
	var ae *AttemptsError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, 3, ae.Attempts)
	assert.Equal(t, int32(3), inner.calls.Load())
}

func TestRetry_PermanentErrorStopsImmediately(t *testing.T) {
	inner := &flakyClient{n: 10, err: llmclient.NewPermanentError(errors.New("401"))}
	cli := Retry(5, time.Millisecond)(inner)

	_, err := cli.GenerateJSON(context.Background(), Request{})
	require.Error(t, err)
	assert.True(t, llmclient.IsPermanent(err))
	assert.Equal(t, int32(1), inner.calls.Load())
}

func TestRetry_InvalidJSONIsNotRetried(t *testing.T) {
	inner := &flakyClient{n: 10, err: llmclient.ErrInvalidJSON}
	cli := Retry(5, time.Millisecond)(inner)

	_, err := cli.GenerateJSON(context.Background(), Request{})
	assert.ErrorIs(t, err, llmclient.ErrInvalidJSON)
	assert.Equal(t, int32(1), inner.calls.Load())
}

func TestRetry_BackoffIsCapped(t *testing.T) {
	r := &retrying{base: time.Second, max: 40}
	assert.Equal(t, time.Second, r.backoff(0))
	assert.Equal(t, 4*time.Second, r.backoff(2))
	assert.Equal(t, maxBackoff, r.backoff(10))
	assert.Equal(t, maxBackoff, r.backoff(39))
}

func TestRetry_WaitsForProviderRetryAfter(t *testing.T) {
	throttled := &llmclient.RateLimitedError{
		Headers: llmclient.RateLimitHeaders{RetryAfter: 60 * time.Millisecond},
		Err:     errors.New("429"),
	}
	inner := &flakyClient{n: 1, err: throttled}
	cli := Retry(2, time.Millisecond)(inner)

	start := time.Now()
	_, err := cli.GenerateJSON(context.Background(), Request{})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
	assert.Equal(t, int32(2), inner.calls.Load())
}

func TestRetry_WaitPrefersLongerSignal(t *testing.T) {
	r := &retrying{base: time.Second, max: 3, adapter: llmclient.HeaderRateLimitControlAdapter{}}
	plain := errors.New("503")
	assert.Equal(t, time.Second, r.wait(0, plain))

	short := &llmclient.RateLimitedError{Headers: llmclient.RateLimitHeaders{RetryAfter: 10 * time.Millisecond}, Err: plain}
	assert.Equal(t, time.Second, r.wait(0, short))

	long := &llmclient.RateLimitedError{Headers: llmclient.RateLimitHeaders{RemainingTokens: 0, ResetTokens: 7 * time.Second}, Err: plain}
	assert.Equal(t, 7*time.Second, r.wait(0, long))

	huge := &llmclient.RateLimitedError{Headers: llmclient.RateLimitHeaders{RetryAfter: time.Hour}, Err: plain}
	assert.Equal(t, maxRateLimitWait, r.wait(0, huge))
}

func TestTimeout_MarksCallTimeout(t *testing.T) {
	cli := Timeout(10 * time.Millisecond)(&slowClient{d: time.Second})

	_, err := cli.GenerateJSON(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrCallTimeout)
}

func TestTimeout_ParentCancelIsNotACallTimeout(t *testing.T) {
	cli := Timeout(time.Second)(&slowClient{d: time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := cli.GenerateJSON(ctx, Request{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrCallTimeout)
}

func TestWrap_RetryAroundTimeout(t *testing.T) {
	inner := &flakyClient{n: 1, err: errors.New("reset")}
	cli := Wrap(inner, Retry(2, time.Millisecond), Timeout(time.Second))

	_, err := cli.GenerateJSON(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, int32(2), inner.calls.Load())
}

func TestWithMetrics_CountsOutcomes(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	cli := Wrap(&flakyClient{n: 1, err: errors.New("boom")}, WithMetrics(m))
	ctx := WithPhase(context.Background(), "write")

	_, _ = cli.GenerateJSON(ctx, Request{})
	_, _ = cli.GenerateJSON(ctx, Request{})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.GenerationCalls.WithLabelValues("flaky", "write", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.GenerationCalls.WithLabelValues("flaky", "write", "ok")))
}

func TestWithLogging_LogsErrors(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	cli := Wrap(&flakyClient{n: 1, err: errors.New("boom")}, WithLogging(zap.New(core)))

	_, _ = cli.GenerateJSON(WithCall(context.Background(), "critic"), Request{Prompt: "x"})

	warn := logs.FilterMessage("generation error").All()
	require.Len(t, warn, 1)
	assert.Equal(t, "critic", warn[0].ContextMap()["call"])
}

type clientFunc func(ctx context.Context, req Request) (json.RawMessage, error)

func (f clientFunc) Name() string { return "func" }
func (f clientFunc) Close() error { return nil }
func (f clientFunc) GenerateJSON(ctx context.Context, req Request) (json.RawMessage, error) {
	return f(ctx, req)
}
