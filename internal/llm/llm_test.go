package llm

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"copyflow/internal/metrics"
	"copyflow/internal/pipelineerr"
)

type headline struct {
	Text  string `json:"text"`
	Score int    `json:"score"`
}

func (h *headline) Validate() error {
	if h.Text == "" {
		return fmt.Errorf("text is required")
	}
	return nil
}

func TestCall_DecodesAndValidates(t *testing.T) {
	fake := NewFakeClient(nil).Push("write", headline{Text: "Ship today", Score: 3})
	gw := Gateway{Client: fake, RepairAttempts: 1}

	out, err := Call[headline](WithPhase(context.Background(), "write"), gw, Request{Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, "Ship today", out.Text)
	assert.Len(t, fake.Calls("write"), 1)
}

func TestCall_RepairsSchemaInvalidOutput(t *testing.T) {
	fake := NewFakeClient(nil).
		PushRaw("write", `{"score": 2}`).
		Push("write", headline{Text: "fixed"})
	m := metrics.New(prometheus.NewRegistry())
	gw := Gateway{Client: fake, RepairAttempts: 2, Metrics: m}

	out, err := Call[headline](WithPhase(context.Background(), "write"), gw, Request{Prompt: "base"})
	require.NoError(t, err)
	assert.Equal(t, "fixed", out.Text)

	calls := fake.Calls("write")
	require.Len(t, calls, 2)
	assert.Contains(t, calls[1].Request.Prompt, "[REPAIR]")
	assert.Contains(t, calls[1].Request.Prompt, "text is required")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SchemaRepairs.WithLabelValues("write")))
}

func TestCall_RepairBudgetExhausted(t *testing.T) {
	fake := NewFakeClient(nil).
		PushRaw("analyze", `not json`).
		PushRaw("analyze", `{"text": ""}`)
	gw := Gateway{Client: fake, RepairAttempts: 1}

	_, err := Call[headline](WithPhase(context.Background(), "analyze"), gw, Request{})
	var pe *pipelineerr.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, pipelineerr.CodeSchema, pe.Code)
	assert.Equal(t, "analyze", pe.Phase)
	assert.Equal(t, 2, pe.Attempts)
	assert.Len(t, fake.Calls(""), 2)
}

func TestCall_ProviderFailureIsNotRepaired(t *testing.T) {
	fake := NewFakeClient(nil).PushError("write", errors.New("503"))
	gw := Gateway{Client: Wrap(fake, Retry(1, time.Millisecond)), RepairAttempts: 3}

	_, err := Call[headline](WithPhase(context.Background(), "write"), gw, Request{})
	var pe *pipelineerr.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, pipelineerr.CodeProvider, pe.Code)
	assert.Equal(t, 1, pe.Attempts)
	assert.Equal(t, "FakeLLM", pe.Provider)
	assert.Len(t, fake.Calls(""), 1)
}

func TestCall_TimeoutMapsToTimeoutCode(t *testing.T) {
	gw := Gateway{Client: Wrap(&slowClient{d: time.Second}, Timeout(5*time.Millisecond))}

	_, err := Call[headline](context.Background(), gw, Request{})
	assert.Equal(t, pipelineerr.CodeTimeout, pipelineerr.CodeOf(err))
}

func TestFakeClient_CallLabelOverridesPhase(t *testing.T) {
	fake := NewFakeClient(nil).Push("critic", headline{Text: "c"}).Push("write", headline{Text: "w"})
	ctx := WithPhase(context.Background(), "write")

	out, err := Call[headline](WithCall(ctx, "critic"), Gateway{Client: fake}, Request{})
	require.NoError(t, err)
	assert.Equal(t, "c", out.Text)

	out, err = Call[headline](ctx, Gateway{Client: fake}, Request{})
	require.NoError(t, err)
	assert.Equal(t, "w", out.Text)

	calls := fake.Calls("critic")
	require.Len(t, calls, 1)
	assert.Equal(t, "write", calls[0].Phase)
}

func TestFakeClient_UnscriptedCallIsPermanent(t *testing.T) {
	_, err := NewFakeClient(nil).GenerateJSON(context.Background(), Request{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"unknown"`)
}
