package runner

import (
	"context"

	"go.uber.org/zap"

	"copyflow/internal/artifact"
	"copyflow/internal/critic"
	"copyflow/internal/llm"
	"copyflow/internal/regen"
	"copyflow/internal/rules"
	"copyflow/internal/task"
	"copyflow/internal/validator"
)

// Settings are the pipeline knobs phases read at run time.
type Settings struct {
	InsightCandidates int
	InsightKeep       int
	// AutoConfirm continues past a gate whose questions are all optional.
	AutoConfirm bool
}

// ArtifactSource reads persisted phase outputs of a run.
type ArtifactSource interface {
	// Latest returns the highest version stored for phase.
	Latest(ctx context.Context, runID, phase string) (artifact.PhaseArtifact, bool, error)
}

// Env is the per-run environment passed to builders and phases. The
// orchestrator owns it; PhaseIndex and Record change as the run advances.
type Env struct {
	RunID      string
	PhaseIndex int
	Spec       task.Specification
	Rules      rules.RuleSet
	Registry   *rules.Registry

	Gateway   llm.Gateway
	Critic    *critic.Critic
	Regen     *regen.Controller
	Validator *validator.Validator
	Settings  Settings

	Artifacts ArtifactSource
	// Record persists an intermediate version for the current phase.
	Record func(ctx context.Context, p artifact.Payload) error

	Resolver  SpecResolver
	DepsUsage DepsUsageMode
	Logger    *zap.Logger
}

// PhaseOutput is what a phase hands back to the orchestrator.
type PhaseOutput struct {
	Payload artifact.Payload
	// Suspend asks the orchestrator to stop and wait for answers.
	Suspend bool
}

// PhaseSpec declares "what" a phase needs, not "how" the orchestrator calls it.
type PhaseSpec struct {
	Description string

	Key        string
	BuildInput func(ctx context.Context, deps Deps) (any, error)
	Run        func(ctx context.Context, in any, env *Env) (PhaseOutput, error)
	// Kind is the payload kind Run must return.
	Kind     artifact.Kind
	Requires []string
	// Uses lists optional inputs that may be absent from the plan.
	Uses []string
	// Provides lists extra artifacts stored on the phase's behalf.
	Provides []string
	Gate     bool
	// Downstream is computed by MergeRegistries.
	Downstream []string
}
