package app

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"copyflow/internal/gateway/config"
	"copyflow/internal/llm"
	llmclient "copyflow/internal/llmClient"
	"copyflow/internal/metrics"
	"copyflow/internal/workers/content"
)

// newClient builds the provider client without middleware.
func newClient(ctx context.Context, cfg config.LLMConfig) (llm.LLMClient, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", "fake":
		return llm.NewFakeClient(content.DemoResponder), nil
	case "gemini":
		return llmclient.NewGeminiClient(ctx, cfg.APIKey, cfg.Model)
	case "openai":
		return llmclient.NewOpenAIClient(llmclient.OpenAIConfig{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
		})
	}
	return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
}

// NewGateway builds the generation gateway: the provider client wrapped in
// metrics, logging, retry, rate limiting, a concurrency cap and the
// per-call deadline, outermost first.
func NewGateway(ctx context.Context, cfg config.LLMConfig, m *metrics.Metrics, logger *zap.Logger) (llm.Gateway, error) {
	inner, err := newClient(ctx, cfg)
	if err != nil {
		return llm.Gateway{}, err
	}
	client := wrapClient(inner, cfg, m, logger)
	logger.Info("generation gateway ready", zap.String("client", client.Name()))
	return llm.Gateway{
		Client:         client,
		RepairAttempts: cfg.RepairAttempts,
		Metrics:        m,
		Logger:         logger,
	}, nil
}

// wrapClient applies the gateway middleware chain to inner. max_retries
// counts retries, so a call gets max_retries+1 tries in total.
func wrapClient(inner llm.LLMClient, cfg config.LLMConfig, m *metrics.Metrics, logger *zap.Logger) llm.LLMClient {
	return llm.Wrap(inner,
		llm.WithMetrics(m),
		llm.WithLogging(logger),
		llm.Retry(max(cfg.MaxRetries, 0)+1, cfg.RetryBase),
		llm.RateLimit(cfg.RPS, cfg.Burst),
		llm.Concurrency(cfg.Concurrency),
		llm.Timeout(cfg.CallTimeout),
	)
}
