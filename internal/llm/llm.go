package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	llmclient "copyflow/internal/llmClient"
	"copyflow/internal/logging"
	"copyflow/internal/metrics"
	"copyflow/internal/pipelineerr"
)

// Gateway is the schema-checked entry point phases call. It owns the
// middleware-wrapped client and the bounded repair cycle.
type Gateway struct {
	Client         LLMClient
	RepairAttempts int
	Metrics        *metrics.Metrics
	Logger         *zap.Logger
}

// Call runs req and decodes the answer into T. When T (or *T) has a
// Validate() error method it is called after decoding. Output that fails to
// decode or validate is re-prompted with the error, at most RepairAttempts
// times; after that the call fails with a schema ProviderError.
func Call[T any](ctx context.Context, gw Gateway, req Request) (T, error) {
	var zero T
	if gw.Client == nil {
		return zero, &pipelineerr.ProviderError{Phase: PhaseFrom(ctx), Cause: fmt.Errorf("llm client is nil")}
	}
	tries := 1 + max(gw.RepairAttempts, 0)
	cur := req
	var lastErr error
	for i := 0; i < tries; i++ {
		raw, err := gw.Client.GenerateJSON(ctx, cur)
		var out T
		switch {
		case errors.Is(err, llmclient.ErrInvalidJSON):
			// unparseable text is repaired like any other schema failure
		case err != nil:
			return zero, providerError(ctx, gw.Client.Name(), err)
		default:
			out, err = decode[T](raw)
		}
		if err == nil {
			return out, nil
		}
		lastErr = err
		if i == tries-1 {
			break
		}
		if gw.Metrics != nil {
			gw.Metrics.SchemaRepairs.WithLabelValues(PhaseFrom(ctx)).Inc()
		}
		logging.For(ctx, gw.Logger).Info("re-prompting after schema-invalid output", zap.Int("repair", i+1), zap.Error(err))
		cur = repairRequest(req, raw, err)
	}
	return zero, &pipelineerr.ProviderError{
		Code:     pipelineerr.CodeSchema,
		Provider: gw.Client.Name(),
		Phase:    PhaseFrom(ctx),
		Attempts: tries,
		Cause:    fmt.Errorf("%w: %v", llmclient.ErrInvalidJSON, lastErr),
	}
}

func decode[T any](raw json.RawMessage) (T, error) {
	var out T
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	if err := dec.Decode(&out); err != nil {
		return out, fmt.Errorf("decode: %w", err)
	}
	if v, ok := any(&out).(interface{ Validate() error }); ok {
		if err := v.Validate(); err != nil {
			return out, fmt.Errorf("validate: %w", err)
		}
	}
	return out, nil
}

func repairRequest(orig Request, raw json.RawMessage, cause error) Request {
	var b strings.Builder
	b.WriteString(orig.Prompt)
	b.WriteString("\n\n[REPAIR]\nYour previous answer was rejected: ")
	b.WriteString(cause.Error())
	b.WriteString("\nPrevious answer:\n")
	b.Write(raw)
	b.WriteString("\nReturn the corrected JSON object only, matching the schema exactly.\n")
	return Request{Schema: orig.Schema, Instructions: orig.Instructions, Prompt: b.String()}
}

func providerError(ctx context.Context, provider string, err error) error {
	pe := &pipelineerr.ProviderError{Provider: provider, Phase: PhaseFrom(ctx), Cause: err}
	var ae *AttemptsError
	if errors.As(err, &ae) {
		pe.Attempts = ae.Attempts
	}
	switch {
	case errors.Is(err, ErrCallTimeout), errors.Is(err, context.DeadlineExceeded):
		pe.Code = pipelineerr.CodeTimeout
	default:
		pe.Code = pipelineerr.CodeProvider
	}
	return pe
}
