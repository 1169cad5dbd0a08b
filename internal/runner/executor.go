package runner

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"copyflow/internal/artifact"
	"copyflow/internal/llm"
	"copyflow/internal/logging"
)

// Execute builds the phase input from persisted artifacts, runs the phase and
// checks the payload it returns. Persisting the payload is the caller's job.
func Execute(ctx context.Context, spec PhaseSpec, env *Env) (PhaseOutput, error) {
	var zero PhaseOutput
	if env == nil {
		return zero, fmt.Errorf("runner: env is nil")
	}
	if spec.BuildInput == nil || spec.Run == nil {
		return zero, fmt.Errorf("phase %s: BuildInput and Run are required", spec.Key)
	}
	ctx = llm.WithPhase(ctx, spec.Key)

	deps := newDeps(env, spec.Key, spec.Requires, spec.Uses)
	in, err := spec.BuildInput(ctx, deps)
	if err != nil {
		return zero, fmt.Errorf("build input: %w", err)
	}

	if unused := deps.verifyUsage(); len(unused) > 0 {
		switch env.DepsUsage {
		case DepsUsageIgnore:
			// no-op
		case DepsUsageWarn:
			logging.For(ctx, env.Logger).Warn("phase declared but did not use", zap.Strings("unused", unused))
		default:
			return zero, fmt.Errorf("phase %s declared but did not use: %v", spec.Key, unused)
		}
	}

	out, err := spec.Run(ctx, in, env)
	if err != nil {
		return zero, err
	}
	if out.Payload == nil {
		return zero, fmt.Errorf("%w: phase %s returned no payload", artifact.ErrInvalidPayload, spec.Key)
	}
	if spec.Kind != "" && out.Payload.Kind() != spec.Kind {
		return zero, fmt.Errorf("%w: phase %s returned %q, want %q", artifact.ErrKindMismatch, spec.Key, out.Payload.Kind(), spec.Kind)
	}
	if err := out.Payload.Validate(); err != nil {
		return zero, fmt.Errorf("%w: phase %s: %v", artifact.ErrInvalidPayload, spec.Key, err)
	}
	if out.Suspend && !spec.Gate {
		return zero, fmt.Errorf("phase %s is not a gate and cannot suspend", spec.Key)
	}
	return out, nil
}
