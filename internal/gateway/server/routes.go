package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"copyflow/internal/gateway/handler"
	"copyflow/internal/gateway/handler/rpc"
	"copyflow/internal/gateway/middleware"
)

func NewMux(
	runHandler *rpc.RunHandler,
	restHandler *handler.Handler,
	gatherer prometheus.Gatherer,
	allowedOrigins []string,
	logger *zap.Logger,
) http.Handler {
	mux := http.NewServeMux()

	// RPC Handlers
	mux.Handle(rpc.NewRunServiceHandler(runHandler))

	// REST and streaming
	restHandler.Register(mux)

	// Ops
	if gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	})

	// Middleware
	return middleware.CORS(allowedOrigins)(middleware.AccessLog(logger)(mux))
}
