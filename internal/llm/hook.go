package llm

import (
	"context"

	"copyflow/internal/logging"
)

type ctxKeyCall struct{}

// WithPhase tags ctx with the pipeline phase issuing generation calls.
func WithPhase(ctx context.Context, phase string) context.Context {
	return logging.WithPhase(ctx, phase)
}

// PhaseFrom returns the phase string stored in the context.
func PhaseFrom(ctx context.Context) string {
	if p := logging.PhaseFrom(ctx); p != "" {
		return p
	}
	return "unknown"
}

// WithCall labels a single call inside a phase (e.g. "critic").
func WithCall(ctx context.Context, call string) context.Context {
	return context.WithValue(ctx, ctxKeyCall{}, call)
}

// CallFrom returns the call label, falling back to the phase.
func CallFrom(ctx context.Context) string {
	if s, ok := ctx.Value(ctxKeyCall{}).(string); ok && s != "" {
		return s
	}
	return PhaseFrom(ctx)
}
