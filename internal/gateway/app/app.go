package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"copyflow/internal/critic"
	"copyflow/internal/gateway/config"
	"copyflow/internal/gateway/handler"
	"copyflow/internal/gateway/handler/rpc"
	"copyflow/internal/gateway/run"
	"copyflow/internal/gateway/server"
	"copyflow/internal/metrics"
	"copyflow/internal/regen"
	"copyflow/internal/rules"
	"copyflow/internal/runner"
	"copyflow/internal/validator"
)

type App struct {
	cfg      *config.Config
	logger   *zap.Logger
	registry *prometheus.Registry
	stores   *gatewayStores
	nats     *run.NATSSink
	svc      *run.Service
	server   *server.Server
}

// New wires stores, the generation gateway, the run service and the HTTP
// server from cfg. Nothing listens until Start.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if name := strings.TrimSpace(cfg.Telemetry.ServiceName); name != "" {
		logger = logger.With(zap.String("service", name))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	stores, err := initStores(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init stores: %w", err)
	}
	a := &App{cfg: cfg, logger: logger, registry: reg, stores: stores}

	gw, err := NewGateway(ctx, cfg.LLM, m, logger)
	if err != nil {
		_ = a.closeStores()
		return nil, fmt.Errorf("failed to init generation gateway: %w", err)
	}

	var sinks []run.Sink
	var trace *run.TraceLogger
	if dir := strings.TrimSpace(cfg.Server.TraceDir); dir != "" {
		trace, err = run.NewTraceLogger(dir)
		if err != nil {
			_ = a.closeStores()
			return nil, err
		}
		sinks = append(sinks, trace)
	}
	if url := strings.TrimSpace(cfg.Events.NATSURL); url != "" {
		a.nats, err = run.ConnectNATS(url, cfg.Events.SubjectPrefix)
		if err != nil {
			_ = a.closeStores()
			return nil, err
		}
		sinks = append(sinks, a.nats)
		logger.Info("publishing run events to nats", zap.String("url", url))
	}

	registry := rules.Default()
	val := validator.New(registry)
	crit := critic.New(gw, registry)
	a.svc, err = run.New(run.Options{
		Runs:      stores.runs,
		Artifacts: stores.artifact,
		Gateway:   gw,
		Registry:  registry,
		Critic:    crit,
		Regen: regen.New(crit, val, regen.Config{
			CriticAttempts:    cfg.Pipeline.CriticAttempts,
			ValidatorAttempts: cfg.Pipeline.ValidatorAttempts,
			TopK:              cfg.Pipeline.TopKViolations,
		}, m, logger),
		Validator: val,
		Events:    run.NewEventBroker(cfg.Events.Retention, logger, sinks...),
		Trace:     trace,
		Config: run.Config{
			SuspendTTL:   cfg.Pipeline.SuspendTTL,
			ReapInterval: cfg.Pipeline.ReapInterval,
			Settings: runner.Settings{
				InsightCandidates: cfg.Pipeline.InsightCandidates,
				InsightKeep:       cfg.Pipeline.InsightKeep,
				AutoConfirm:       cfg.Pipeline.AutoConfirm,
			},
			DepsUsage: runner.ParseDepsUsage(cfg.Pipeline.DepsUsage),
		},
		Metrics: m,
		Logger:  logger,
	})
	if err != nil {
		a.nats.Close()
		_ = a.closeStores()
		return nil, err
	}

	mux := server.NewMux(rpc.NewRunHandler(a.svc, logger), handler.New(a.svc, logger).WithOrigins(cfg.Server.CORSOrigins), reg, cfg.Server.CORSOrigins, logger)
	a.server = server.New(cfg.Server.Addr, mux, logger)
	return a, nil
}

// Service returns the run service, for in-process callers such as the CLI.
func (a *App) Service() *run.Service { return a.svc }

// Start runs the expiry reaper and serves HTTP until Shutdown.
func (a *App) Start(ctx context.Context) error {
	a.svc.StartReaper(ctx)
	return a.server.Start()
}

// Serve is Start on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	a.svc.StartReaper(ctx)
	return a.server.Serve(ln)
}

// Shutdown stops the server, then background runs, then releases the
// stores and the NATS connection.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	if a.server != nil {
		errs = append(errs, a.server.Shutdown(ctx))
	}
	if a.svc != nil {
		a.svc.Close()
	}
	a.nats.Close()
	errs = append(errs, a.closeStores())
	return errors.Join(errs...)
}

func (a *App) closeStores() error {
	if a.stores == nil || a.stores.close == nil {
		return nil
	}
	return a.stores.close()
}
