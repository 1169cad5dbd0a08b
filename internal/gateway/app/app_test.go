package app

import (
	"context"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"copyflow/internal/gateway/config"
	"copyflow/internal/gateway/handler/rpc"
	"copyflow/internal/task"
)

func TestAppServesRunsHealthAndMetrics(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Server.TraceDir = t.TempDir()

	a, err := New(ctx, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	served := make(chan error, 1)
	go func() { served <- a.Serve(ctx, ln) }()
	t.Cleanup(func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		assert.NoError(t, a.Shutdown(shutdownCtx))
		assert.NoError(t, <-served)
	})
	base := "http://" + ln.Addr().String()

	resp, err := http.Get(base + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	client := rpc.NewRunServiceClient(http.DefaultClient, base)
	out, err := client.StartRun(ctx, &rpc.StartRunRequest{
		Spec: task.Specification{
			ContentType: "social_post",
			Goal:        "Announce the Ledgerly launch",
			RawInputs:   []string{"Insight: most late payments come from approval queues, not cash."},
		},
		Wait: true,
	})
	require.NoError(t, err)
	require.NotNil(t, out.Result)
	assert.True(t, out.Result.Suspended)

	metricsResp, err := http.Get(base + "/metrics")
	require.NoError(t, err)
	defer metricsResp.Body.Close()
	body, err := io.ReadAll(metricsResp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "copyflow_generation_calls_total")
	assert.Contains(t, string(body), "copyflow_suspended_runs 1")
}

func TestNewGatewayRejectsUnknownProvider(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.LLM.Provider = "nope"
	_, err = NewGateway(context.Background(), cfg.LLM, nil, zaptest.NewLogger(t))
	require.Error(t, err)
}
