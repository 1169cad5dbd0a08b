package runner

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"copyflow/internal/artifact"
	"copyflow/internal/critic"
	"copyflow/internal/llm"
	"copyflow/internal/regen"
	"copyflow/internal/rules"
	"copyflow/internal/task"
	"copyflow/internal/workers/content"
)

// memSource is an in-memory ArtifactSource keyed by phase.
type memSource struct {
	mu      sync.Mutex
	byPhase map[string][]artifact.PhaseArtifact
}

func newMemSource() *memSource {
	return &memSource{byPhase: map[string][]artifact.PhaseArtifact{}}
}

func (m *memSource) put(t *testing.T, runID string, idx int, phase string, p artifact.Payload) {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := artifact.New(runID, idx, phase, len(m.byPhase[phase])+1, p)
	require.NoError(t, err)
	m.byPhase[phase] = append(m.byPhase[phase], a)
}

func (m *memSource) Latest(ctx context.Context, runID, phase string) (artifact.PhaseArtifact, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.byPhase[phase]
	if len(list) == 0 {
		return artifact.PhaseArtifact{}, false, nil
	}
	return list[len(list)-1], true, nil
}

func testFacts() artifact.FactSheet {
	return artifact.FactSheet{Summary: "s", Facts: []artifact.Fact{{Category: artifact.CategoryOffer, Statement: "A free trial."}}}
}

func TestPlan_ContentTypesResolve(t *testing.T) {
	resolver := MergeRegistries(BuildRegistryContent())
	reg := rules.Default()
	for _, ct := range reg.ContentTypes() {
		plan, err := Plan(resolver, reg.Lookup(ct).Phases)
		require.NoError(t, err, ct)
		assert.Equal(t, len(reg.Lookup(ct).Phases), len(plan))
		assert.Equal(t, PhaseVariants, plan[len(plan)-1].Key)
	}
	plan, err := Plan(resolver, reg.Lookup("email").Phases)
	require.NoError(t, err)
	assert.Equal(t, 2, Index(plan, "QUESTIONS"))
	assert.Equal(t, -1, Index(plan, "nope"))
}

func TestPlan_RejectsBadOrders(t *testing.T) {
	resolver := MergeRegistries(BuildRegistryContent())
	cases := map[string][]string{
		"write before gate": {PhaseAnalyze, PhaseWrite, PhaseQuestions},
		"unknown phase":     {PhaseAnalyze, "translate"},
		"duplicate":         {PhaseAnalyze, PhaseAnalyze},
		"answers as phase":  {PhaseAnalyze, PhaseAnswers},
		"empty":             {},
	}
	for name, phases := range cases {
		_, err := Plan(resolver, phases)
		assert.Error(t, err, name)
	}
}

func TestMergeRegistries_ComputesDownstream(t *testing.T) {
	resolver := MergeRegistries(BuildRegistryContent())
	analyze, ok := resolver.Get(" Analyze ")
	require.True(t, ok)
	assert.Equal(t, []string{PhaseInsights, PhaseQuestions, PhaseWrite}, analyze.Downstream)
	write, _ := resolver.Get(PhaseWrite)
	assert.Equal(t, []string{PhaseVariants}, write.Downstream)
	assert.Len(t, resolver.List(), 5)
}

func TestDeps_EnforcesDeclarations(t *testing.T) {
	src := newMemSource()
	src.put(t, "r1", 0, PhaseAnalyze, testFacts())
	env := &Env{RunID: "r1", Artifacts: src}
	deps := newDeps(env, PhaseWrite, []string{PhaseAnalyze}, []string{PhaseInsights})
	ctx := context.Background()

	_, err := deps.Artifact(ctx, PhaseQuestions)
	assert.ErrorContains(t, err, "not declared in Requires")

	_, _, err = deps.Optional(ctx, PhaseVariants)
	assert.ErrorContains(t, err, "not declared in Uses")

	ins, err := LoadOptional[artifact.InsightSet](ctx, deps, PhaseInsights)
	require.NoError(t, err)
	assert.Nil(t, ins)

	assert.Equal(t, []string{PhaseAnalyze}, deps.verifyUsage())
	facts, err := Load[artifact.FactSheet](ctx, deps, PhaseAnalyze)
	require.NoError(t, err)
	assert.Equal(t, "s", facts.Summary)
	assert.Empty(t, deps.verifyUsage())

	_, err = Load[artifact.Draft](ctx, deps, PhaseAnalyze)
	assert.ErrorIs(t, err, artifact.ErrKindMismatch)
}

func TestDeps_MissingRequiredArtifact(t *testing.T) {
	deps := newDeps(&Env{RunID: "r1", Artifacts: newMemSource()}, PhaseInsights, []string{PhaseAnalyze}, nil)
	_, err := deps.Artifact(context.Background(), PhaseAnalyze)
	assert.ErrorContains(t, err, "has not been produced")
}

func stubSpec(kind artifact.Kind, requires []string, out PhaseOutput) PhaseSpec {
	return PhaseSpec{
		Key:        "stub",
		Kind:       kind,
		Requires:   requires,
		BuildInput: func(ctx context.Context, deps Deps) (any, error) { return nil, nil },
		Run: func(ctx context.Context, in any, env *Env) (PhaseOutput, error) {
			return out, nil
		},
	}
}

func TestExecute_UnusedRequiresModes(t *testing.T) {
	spec := stubSpec(artifact.KindFactSheet, []string{PhaseAnalyze}, PhaseOutput{Payload: testFacts()})

	_, err := Execute(context.Background(), spec, &Env{})
	assert.ErrorContains(t, err, "declared but did not use: [analyze]")

	core, logs := observer.New(zapcore.WarnLevel)
	_, err = Execute(context.Background(), spec, &Env{DepsUsage: DepsUsageWarn, Logger: zap.New(core)})
	require.NoError(t, err)
	assert.Equal(t, 1, logs.FilterMessage("phase declared but did not use").Len())

	_, err = Execute(context.Background(), spec, &Env{DepsUsage: DepsUsageIgnore})
	assert.NoError(t, err)
}

func TestExecute_ChecksPayload(t *testing.T) {
	ctx := context.Background()

	_, err := Execute(ctx, stubSpec(artifact.KindDraft, nil, PhaseOutput{Payload: testFacts()}), &Env{})
	assert.ErrorIs(t, err, artifact.ErrKindMismatch)

	_, err = Execute(ctx, stubSpec(artifact.KindFactSheet, nil, PhaseOutput{Payload: artifact.FactSheet{}}), &Env{})
	assert.ErrorIs(t, err, artifact.ErrInvalidPayload)

	_, err = Execute(ctx, stubSpec(artifact.KindFactSheet, nil, PhaseOutput{}), &Env{})
	assert.ErrorIs(t, err, artifact.ErrInvalidPayload)

	_, err = Execute(ctx, stubSpec(artifact.KindFactSheet, nil, PhaseOutput{Payload: testFacts(), Suspend: true}), &Env{})
	assert.ErrorContains(t, err, "not a gate")
}

func TestExecute_TagsPhaseOnContext(t *testing.T) {
	var seen string
	spec := PhaseSpec{
		Key:        PhaseAnalyze,
		Kind:       artifact.KindFactSheet,
		BuildInput: func(ctx context.Context, deps Deps) (any, error) { return nil, nil },
		Run: func(ctx context.Context, in any, env *Env) (PhaseOutput, error) {
			seen = llm.PhaseFrom(ctx)
			return PhaseOutput{Payload: testFacts()}, nil
		},
	}
	_, err := Execute(context.Background(), spec, &Env{})
	require.NoError(t, err)
	assert.Equal(t, PhaseAnalyze, seen)
}

func TestExecute_RunErrorPassesThrough(t *testing.T) {
	boom := errors.New("boom")
	spec := stubSpec(artifact.KindFactSheet, nil, PhaseOutput{})
	spec.Run = func(ctx context.Context, in any, env *Env) (PhaseOutput, error) { return PhaseOutput{}, boom }
	_, err := Execute(context.Background(), spec, &Env{})
	assert.ErrorIs(t, err, boom)
}

// TestContentRegistry_EndToEnd drives every email phase through Execute with
// the offline demo responder, persisting outputs the way the orchestrator does.
func TestContentRegistry_EndToEnd(t *testing.T) {
	reg := rules.Default()
	rs := reg.Lookup("email")
	gw := llm.Gateway{Client: llm.NewFakeClient(content.DemoResponder), RepairAttempts: 1}
	src := newMemSource()
	env := &Env{
		RunID: "run-1",
		Spec: task.Specification{
			ContentType: "email",
			Goal:        "Book a demo of Ledgerly",
			RawInputs:   []string{"Ledgerly scans invoices for finance teams. Acme cut invoice processing by 40% in March."},
		},
		Rules:     rs,
		Registry:  reg,
		Gateway:   gw,
		Regen:     regen.New(critic.New(gw, reg), nil, regen.Config{CriticAttempts: 1, ValidatorAttempts: 1}, nil, nil),
		Settings:  Settings{InsightCandidates: 2, InsightKeep: 1},
		Artifacts: src,
	}
	plan, err := Plan(MergeRegistries(BuildRegistryContent()), rs.Phases)
	require.NoError(t, err)

	var events []Event
	ctx := WithEmitter(context.Background(), EmitterFunc(func(ev Event) { events = append(events, ev) }))
	for i, spec := range plan {
		env.PhaseIndex = i
		env.Record = func(ctx context.Context, p artifact.Payload) error {
			src.put(t, env.RunID, i, spec.Key, p)
			return nil
		}
		out, err := Execute(ctx, spec, env)
		require.NoError(t, err, spec.Key)
		src.put(t, env.RunID, i, spec.Key, out.Payload)
		if spec.Gate {
			assert.True(t, out.Suspend, "gate suspends without auto-confirm")
			src.put(t, env.RunID, i, PhaseAnswers, artifact.AnswerSet{})
		}
	}

	last, ok, err := src.Latest(ctx, "run-1", PhaseVariants)
	require.NoError(t, err)
	require.True(t, ok)
	set, err := artifact.Decode[artifact.CopySet](last)
	require.NoError(t, err)
	assert.NotEmpty(t, set.Main)
	assert.NotEmpty(t, set.Shorter)
	assert.NotEmpty(t, set.Warmer)
	assert.NotEmpty(t, set.SubjectLines)
	assert.Equal(t, set.Quality.CriticAttempts+set.Quality.ValidatorAttempts, set.Quality.TotalAttempts)

	drafts := src.byPhase[PhaseWrite]
	assert.Len(t, drafts, 1+set.Quality.TotalAttempts+1, "each attempt plus the settled draft")
	settled, err := artifact.Decode[artifact.Draft](drafts[len(drafts)-1])
	require.NoError(t, err)
	require.NotNil(t, settled.Quality)

	require.NotEmpty(t, events)
	for _, ev := range events {
		assert.Equal(t, EventAttempt, ev.Type)
		assert.Equal(t, PhaseWrite, ev.Phase)
		assert.Equal(t, Index(plan, PhaseWrite), ev.PhaseIndex)
	}
}

func TestQuestionsGate_AutoConfirmSkipsOptionalGate(t *testing.T) {
	src := newMemSource()
	src.put(t, "r", 0, PhaseAnalyze, artifact.FactSheet{Summary: "s", Facts: []artifact.Fact{
		{Category: artifact.CategoryInsight, Statement: "38% of invoices wait on one approver."},
	}})
	gw := llm.Gateway{Client: llm.NewFakeClient(content.DemoResponder)}
	env := &Env{
		RunID:     "r",
		Spec:      task.Specification{ContentType: "social_post", Goal: "Share the approval insight", RawInputs: []string{"x"}},
		Rules:     rules.Default().Lookup("social_post"),
		Gateway:   gw,
		Settings:  Settings{AutoConfirm: true},
		Artifacts: src,
	}
	spec, _ := MergeRegistries(BuildRegistryContent()).Get(PhaseQuestions)

	out, err := Execute(context.Background(), spec, env)
	require.NoError(t, err)
	qs := out.Payload.(artifact.QuestionSet)
	assert.True(t, qs.Satisfied)
	assert.False(t, out.Suspend)
}

func TestParseDepsUsage(t *testing.T) {
	assert.Equal(t, DepsUsageWarn, ParseDepsUsage(" WARN "))
	assert.Equal(t, DepsUsageIgnore, ParseDepsUsage("ignore"))
	assert.Equal(t, DepsUsageError, ParseDepsUsage("fail"))
	assert.Equal(t, DepsUsageError, ParseDepsUsage(""))
}
