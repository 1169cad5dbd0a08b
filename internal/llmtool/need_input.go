package llmtool

import (
	"context"
	"strings"
)

// NeedInputState is a transport-neutral view of one question put to the user.
type NeedInputState struct {
	NeedMoreInput bool
	Question      string
	Rationale     string
	ExampleAnswer string
}

// NeedInputAdapter maps worker-specific output structs to/from NeedInputState.
type NeedInputAdapter[T any] interface {
	Extract(out T) NeedInputState
	Apply(out T, state NeedInputState) T
}

// NeedInputPolicy defines reusable normalization rules.
type NeedInputPolicy struct {
	RequireRationale     bool
	RequireExampleAnswer bool
	DefaultRationale     string
	DefaultExampleAnswer string
	// AskAsQuestion ends the question with a question mark.
	AskAsQuestion bool
}

// NeedInputHooks allows worker-specific adjustments around generic normalization.
type NeedInputHooks[T any] struct {
	BeforeNormalize func(ctx context.Context, out T, state NeedInputState) NeedInputState
	AfterNormalize  func(ctx context.Context, out T, state NeedInputState) NeedInputState
}

// NormalizeNeedInput applies policy-driven normalization to a model-written
// question: whitespace is collapsed, missing rationale and example answers
// get defaults, and the text is phrased as a question.
func NormalizeNeedInput[T any](
	ctx context.Context,
	out T,
	adapter NeedInputAdapter[T],
	policy NeedInputPolicy,
	hooks *NeedInputHooks[T],
) T {
	if adapter == nil {
		return out
	}

	state := adapter.Extract(out)
	if hooks != nil && hooks.BeforeNormalize != nil {
		state = hooks.BeforeNormalize(ctx, out, state)
	}

	state.Question = collapseSpace(state.Question)
	state.Rationale = collapseSpace(state.Rationale)
	state.ExampleAnswer = collapseSpace(state.ExampleAnswer)

	if policy.RequireRationale && state.Rationale == "" {
		state.Rationale = policy.DefaultRationale
	}
	if policy.RequireExampleAnswer && state.ExampleAnswer == "" {
		state.ExampleAnswer = policy.DefaultExampleAnswer
	}
	if policy.AskAsQuestion && state.Question != "" && !strings.HasSuffix(state.Question, "?") {
		state.Question = strings.TrimRight(state.Question, ".!:; ") + "?"
	}

	if hooks != nil && hooks.AfterNormalize != nil {
		state = hooks.AfterNormalize(ctx, out, state)
	}

	return adapter.Apply(out, state)
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
