package runner

import (
	"context"
	"fmt"

	"copyflow/internal/artifact"
	"copyflow/internal/workers/content"
)

// Phase keys of the copy pipeline. PhaseAnswers is not a phase; the gate
// provides it when the run is resumed.
const (
	PhaseAnalyze   = "analyze"
	PhaseInsights  = "insights"
	PhaseQuestions = "questions"
	PhaseWrite     = "write"
	PhaseVariants  = "variants"
	PhaseAnswers   = "answers"
)

// BuildRegistryContent builds the phases of the copy pipeline.
func BuildRegistryContent() map[string]PhaseSpec {
	reg := map[string]PhaseSpec{}

	reg[PhaseAnalyze] = PhaseSpec{
		Key:         PhaseAnalyze,
		Description: "Extracts categorised facts from the raw inputs.",
		Kind:        artifact.KindFactSheet,
		BuildInput: func(ctx context.Context, deps Deps) (any, error) {
			env := deps.Env()
			return content.NewAnalyzeIn(env.Spec, env.Rules), nil
		},
		Run: func(ctx context.Context, in any, env *Env) (PhaseOutput, error) {
			p := content.Analyze{Gateway: env.Gateway}
			out, err := p.Run(ctx, in.(content.AnalyzeIn))
			if err != nil {
				return PhaseOutput{}, err
			}
			return PhaseOutput{Payload: out}, nil
		},
	}

	reg[PhaseInsights] = PhaseSpec{
		Key:         PhaseInsights,
		Description: "Generates insight candidates concurrently and keeps the best.",
		Kind:        artifact.KindInsightSet,
		Requires:    []string{PhaseAnalyze},
		BuildInput: func(ctx context.Context, deps Deps) (any, error) {
			facts, err := Load[artifact.FactSheet](ctx, deps, PhaseAnalyze)
			if err != nil {
				return nil, err
			}
			return content.InsightsIn{Spec: deps.Env().Spec, Facts: facts}, nil
		},
		Run: func(ctx context.Context, in any, env *Env) (PhaseOutput, error) {
			p := content.Insights{
				Gateway:    env.Gateway,
				Validator:  env.Validator,
				Candidates: env.Settings.InsightCandidates,
				Keep:       env.Settings.InsightKeep,
			}
			out, err := p.Run(ctx, in.(content.InsightsIn))
			if err != nil {
				return PhaseOutput{}, err
			}
			return PhaseOutput{Payload: out}, nil
		},
	}

	reg[PhaseQuestions] = PhaseSpec{
		Key:         PhaseQuestions,
		Description: "Checks the facts against the content type's needs and asks the user for what is missing.",
		Kind:        artifact.KindQuestionSet,
		Requires:    []string{PhaseAnalyze},
		Uses:        []string{PhaseInsights},
		Provides:    []string{PhaseAnswers},
		Gate:        true,
		BuildInput: func(ctx context.Context, deps Deps) (any, error) {
			facts, err := Load[artifact.FactSheet](ctx, deps, PhaseAnalyze)
			if err != nil {
				return nil, err
			}
			insights, err := LoadOptional[artifact.InsightSet](ctx, deps, PhaseInsights)
			if err != nil {
				return nil, err
			}
			env := deps.Env()
			return content.QuestionsIn{Spec: env.Spec, Facts: facts, Insights: insights, Required: env.Rules.RequiredFactCategories}, nil
		},
		Run: func(ctx context.Context, in any, env *Env) (PhaseOutput, error) {
			p := content.Questions{Gateway: env.Gateway}
			out, err := p.Run(ctx, in.(content.QuestionsIn))
			if err != nil {
				return PhaseOutput{}, err
			}
			return PhaseOutput{Payload: out, Suspend: !(env.Settings.AutoConfirm && out.OnlyOptional())}, nil
		},
	}

	reg[PhaseWrite] = PhaseSpec{
		Key:         PhaseWrite,
		Description: "Writes the segmented copy under the critic and validator loops.",
		Kind:        artifact.KindDraft,
		Requires:    []string{PhaseAnalyze, PhaseQuestions, PhaseAnswers},
		Uses:        []string{PhaseInsights},
		BuildInput: func(ctx context.Context, deps Deps) (any, error) {
			facts, err := Load[artifact.FactSheet](ctx, deps, PhaseAnalyze)
			if err != nil {
				return nil, err
			}
			questions, err := Load[artifact.QuestionSet](ctx, deps, PhaseQuestions)
			if err != nil {
				return nil, err
			}
			answers, err := Load[artifact.AnswerSet](ctx, deps, PhaseAnswers)
			if err != nil {
				return nil, err
			}
			insights, err := LoadOptional[artifact.InsightSet](ctx, deps, PhaseInsights)
			if err != nil {
				return nil, err
			}
			env := deps.Env()
			var forbidden []string
			if env.Registry != nil {
				forbidden = env.Registry.ForbiddenTerms(env.Rules.ContentType)
			}
			return content.WriteIn{
				Spec:      env.Spec,
				Rules:     env.Rules,
				Facts:     facts,
				Insights:  insights,
				Questions: questions,
				Answers:   answers,
				Forbidden: forbidden,
			}, nil
		},
		Run: func(ctx context.Context, in any, env *Env) (PhaseOutput, error) {
			if env.Regen == nil {
				return PhaseOutput{}, fmt.Errorf("write: regeneration controller is not configured")
			}
			p := content.Write{Gateway: env.Gateway, Controller: env.Regen}
			emit := EmitterFrom(ctx)
			out, err := p.Run(ctx, env.RunID, in.(content.WriteIn), func(ctx context.Context, d artifact.Draft) error {
				emit.Emit(Event{
					Type:       EventAttempt,
					Phase:      PhaseWrite,
					PhaseIndex: env.PhaseIndex,
					Message:    fmt.Sprintf("%s draft, attempt %d", d.Loop, d.Attempt),
					Data:       map[string]any{"loop": d.Loop, "attempt": d.Attempt, "feedback": d.Feedback},
				})
				if env.Record == nil {
					return nil
				}
				return env.Record(ctx, d)
			})
			if err != nil {
				return PhaseOutput{}, err
			}
			settled := out.Draft
			q := out.Summary()
			settled.Quality = &q
			return PhaseOutput{Payload: settled}, nil
		},
	}

	reg[PhaseVariants] = PhaseSpec{
		Key:         PhaseVariants,
		Description: "Derives the shorter and warmer variants and the subject lines.",
		Kind:        artifact.KindCopySet,
		Requires:    []string{PhaseWrite},
		BuildInput: func(ctx context.Context, deps Deps) (any, error) {
			draft, err := Load[artifact.Draft](ctx, deps, PhaseWrite)
			if err != nil {
				return nil, err
			}
			env := deps.Env()
			return content.VariantsIn{Spec: env.Spec, Rules: env.Rules, Draft: draft}, nil
		},
		Run: func(ctx context.Context, in any, env *Env) (PhaseOutput, error) {
			p := content.Variants{Gateway: env.Gateway, Validator: env.Validator}
			out, err := p.Run(ctx, in.(content.VariantsIn))
			if err != nil {
				return PhaseOutput{}, err
			}
			return PhaseOutput{Payload: out}, nil
		},
	}

	return reg
}
