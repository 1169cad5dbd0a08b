package content

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"copyflow/internal/artifact"
	"copyflow/internal/critic"
	"copyflow/internal/llm"
	llmclient "copyflow/internal/llmClient"
	"copyflow/internal/pipelineerr"
	"copyflow/internal/regen"
	"copyflow/internal/rules"
	"copyflow/internal/task"
)

func emailSpec() task.Specification {
	return task.Specification{
		ContentType: "email",
		Audience:    "finance leads at mid-size retailers",
		Goal:        "Book a demo of Ledgerly",
		RawInputs:   []string{"Ledgerly scans invoices for finance teams. Acme cut invoice processing by 40% in March."},
	}
}

func emailFacts() artifact.FactSheet {
	return artifact.FactSheet{
		Summary: "Ledgerly automates invoice entry for finance teams.",
		Facts: []artifact.Fact{
			{Category: artifact.CategoryOffer, Statement: "Ledgerly scans invoices for finance teams."},
			{Category: artifact.CategoryProof, Statement: "Acme cut invoice processing by 40% in March."},
		},
	}
}

func validEmail() []artifact.Segment {
	return []artifact.Segment{
		{Name: "hook", Text: "Maria, your Denver warehouse shipped 40 late orders last week."},
		{Name: "context", Text: "You run fulfilment for 3 regional stores."},
		{Name: "proof", Text: "Ridgeline cut late orders by 62% in 6 weeks with RouteKit."},
		{Name: "action", Text: "Book a 15-minute call on Thursday."},
	}
}

func phaseCtx(phase string) context.Context {
	return llm.WithPhase(context.Background(), phase)
}

func gateway(fake *llm.FakeClient) llm.Gateway {
	return llm.Gateway{Client: fake, RepairAttempts: 1}
}

func allPassVerdict(contentType string) map[string]any {
	var crit []map[string]any
	for _, c := range rules.Default().Rubric(contentType) {
		crit = append(crit, map[string]any{"name": c.Name, "passed": true})
	}
	return map[string]any{"criteria": crit, "overallPass": true}
}

func TestAnalyze_DedupesFacts(t *testing.T) {
	fake := llm.NewFakeClient(nil).Push("analyze", artifact.FactSheet{
		Summary: "Ledgerly automates invoice entry.",
		Facts: []artifact.Fact{
			{Category: artifact.CategoryOffer, Statement: "Ledgerly scans invoices."},
			{Category: artifact.CategoryOffer, Statement: " ledgerly scans invoices. "},
			{Category: artifact.CategoryProof, Statement: "Acme cut processing by 40%."},
		},
	})
	p := &Analyze{Gateway: gateway(fake)}

	out, err := p.Run(phaseCtx("analyze"), NewAnalyzeIn(emailSpec(), rules.Default().Lookup("email")))
	require.NoError(t, err)
	assert.Len(t, out.Facts, 2)
	assert.Equal(t, []string{"Acme cut processing by 40%."}, out.ByCategory(artifact.CategoryProof))

	calls := fake.Calls("analyze")
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].Request.Prompt, `"needs": [`)
	assert.Contains(t, calls[0].Request.Prompt, `"proof"`)
}

func TestAnalyze_RejectsUnknownCategoryAfterRepair(t *testing.T) {
	bad := artifact.FactSheet{Summary: "s", Facts: []artifact.Fact{{Category: "rumour", Statement: "x"}}}
	fake := llm.NewFakeClient(nil).Push("analyze", bad).Push("analyze", bad)
	p := &Analyze{Gateway: gateway(fake)}

	_, err := p.Run(phaseCtx("analyze"), NewAnalyzeIn(emailSpec(), rules.Default().Lookup("email")))
	var pe *pipelineerr.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, pipelineerr.CodeSchema, pe.Code)
	assert.Equal(t, "analyze", pe.Phase)
	assert.Len(t, fake.Calls("analyze"), 2)
}

func TestInsights_FanOutAndFilter(t *testing.T) {
	good := artifact.Insight{Angle: "numbers", Statement: "Acme cut invoice processing by 40% in March.", Supports: []string{"Acme cut invoice processing by 40% in March."}}
	dup := good
	dup.Angle = "before and after"
	weak := artifact.Insight{Angle: "hype", Statement: "We are thrilled about invoices.", Supports: []string{"invented claim"}}
	fake := llm.NewFakeClient(nil).Push("insights", weak).Push("insights", good).Push("insights", dup)
	p := &Insights{Gateway: gateway(fake), Candidates: 3, Keep: 2}

	out, err := p.Run(phaseCtx("insights"), InsightsIn{Spec: emailSpec(), Facts: emailFacts()})
	require.NoError(t, err)
	require.NoError(t, out.Validate())
	assert.Equal(t, 3, out.Candidates)
	require.Len(t, out.Insights, 2, "duplicate statement dropped")
	assert.Equal(t, good.Statement, out.Insights[0].Statement)
	assert.Equal(t, weak.Statement, out.Insights[1].Statement)
	assert.Greater(t, out.Insights[0].Score, out.Insights[1].Score)

	calls := fake.Calls("insights")
	require.Len(t, calls, 3)
	var prompts strings.Builder
	for _, c := range calls {
		prompts.WriteString(c.Request.Prompt)
	}
	for _, a := range angles[:3] {
		assert.Contains(t, prompts.String(), a)
	}
}

func TestInsights_AnyCandidateFailureFailsThePhase(t *testing.T) {
	ok := artifact.Insight{Angle: "a", Statement: "Acme cut invoice processing by 40% in March."}
	fake := llm.NewFakeClient(nil).
		Push("insights", ok).
		PushError("insights", llmclient.NewPermanentError(errors.New("quota exceeded"))).
		Push("insights", ok)
	p := &Insights{Gateway: gateway(fake), Candidates: 3, Keep: 1}

	_, err := p.Run(phaseCtx("insights"), InsightsIn{Spec: emailSpec(), Facts: emailFacts()})
	var pe *pipelineerr.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, pipelineerr.CodeProvider, pe.Code)
	assert.ErrorContains(t, err, "quota exceeded")
}

func TestQuestions_SatisfiedAsksOneOptionalConfirmation(t *testing.T) {
	fake := llm.NewFakeClient(nil).Push("questions", questionsOut{Questions: []questionDraft{
		{Gap: "confirmation", Text: "Anything else to mention?", Rationale: "last check", ExampleAnswer: "No"},
		{Gap: "offer", Text: "Second question the gate must drop?"},
	}})
	p := &Questions{Gateway: gateway(fake)}

	out, err := p.Run(phaseCtx("questions"), QuestionsIn{Spec: emailSpec(), Facts: emailFacts(), Required: []string{"offer", "proof"}})
	require.NoError(t, err)
	require.NoError(t, out.Validate())
	assert.True(t, out.Satisfied)
	require.Len(t, out.Questions, 1)
	assert.Equal(t, "confirm", out.Questions[0].ID)
	assert.True(t, out.Questions[0].Optional)
	assert.True(t, out.OnlyOptional())
}

func TestQuestions_MissingProofYieldsGapGroundedQuestions(t *testing.T) {
	facts := emailFacts()
	facts.Facts = facts.Facts[:1]
	fake := llm.NewFakeClient(nil).Push("questions", questionsOut{Questions: []questionDraft{
		{Gap: "Proof", Text: "Which customer result can we quote?", Rationale: "no proof", ExampleAnswer: "Acme, 40% faster"},
		{Gap: "budget", Text: "What is your budget?"},
	}})
	p := &Questions{Gateway: gateway(fake)}

	out, err := p.Run(phaseCtx("questions"), QuestionsIn{Spec: emailSpec(), Facts: facts, Required: []string{"offer", "proof"}})
	require.NoError(t, err)
	require.NoError(t, out.Validate())
	assert.False(t, out.Satisfied)
	assert.Equal(t, []string{"proof"}, out.Missing)
	require.Len(t, out.Questions, 2)
	assert.Equal(t, "q1", out.Questions[0].ID)
	assert.Equal(t, "Which customer result can we quote?", out.Questions[0].Text)
	assert.Equal(t, "q2", out.Questions[1].ID)
	for _, q := range out.Questions {
		assert.Equal(t, "proof", q.Gap)
		assert.False(t, q.Optional)
		assert.NotEmpty(t, q.ExampleAnswer)
	}
}

func TestQuestions_CapsAtThreeAndFillsUncoveredGaps(t *testing.T) {
	fake := llm.NewFakeClient(nil).Push("questions", questionsOut{Questions: []questionDraft{
		{Gap: "audience pain", Text: "What does the problem cost them?"},
	}})
	p := &Questions{Gateway: gateway(fake)}
	required := []string{"offer", "proof", "audience_pain", "insight"}

	out, err := p.Run(phaseCtx("questions"), QuestionsIn{Spec: emailSpec(), Facts: artifact.FactSheet{Summary: "s"}, Required: required})
	require.NoError(t, err)
	require.NoError(t, out.Validate())
	require.Len(t, out.Questions, 3)
	assert.Equal(t, "audience_pain", out.Questions[0].Gap)
	assert.Equal(t, "What does the problem cost them?", out.Questions[0].Text)
	assert.Equal(t, "offer", out.Questions[1].Gap)
	assert.Equal(t, "proof", out.Questions[2].Gap)
}

func writeIn() WriteIn {
	reg := rules.Default()
	return WriteIn{
		Spec:      emailSpec(),
		Rules:     reg.Lookup("email"),
		Facts:     emailFacts(),
		Questions: artifact.QuestionSet{Questions: []artifact.Question{{ID: "q1", Text: "Which result?"}, {ID: "q2", Text: "Which deadline?"}}},
		Answers:   artifact.AnswerSet{Answers: map[string]string{"q1": "40% faster close"}},
		Forbidden: reg.ForbiddenTerms("email"),
	}
}

func TestWrite_GeneratorCarriesGuidanceAndRules(t *testing.T) {
	fake := llm.NewFakeClient(nil).Push("write", draftOut{Segments: []artifact.Segment{
		{Name: "Hook", Text: "  Acme closed March 40% faster. "},
		{Name: "context", Text: "You still key invoices by hand."},
	}})
	gen := (&Write{Gateway: gateway(fake)}).Generator(writeIn())

	segs, err := gen(phaseCtx("write"), regen.Guidance{
		Loop:     regen.LoopValidator,
		Attempt:  1,
		Feedback: []string{`[specificity] Replace "great results": name the 40%`},
		MustFix:  []string{`[forbidden_term] forbidden term "thrilled"`},
		Previous: validEmail(),
	})
	require.NoError(t, err)
	require.Len(t, segs, 2)
	assert.Equal(t, "hook", segs[0].Name)
	assert.Equal(t, "Acme closed March 40% faster.", segs[0].Text)

	calls := fake.Calls("write")
	require.Len(t, calls, 1)
	req := calls[0].Request
	assert.Contains(t, req.Instructions, "Emit exactly these segments in this order: hook, context, proof, action.")
	assert.Contains(t, req.Instructions, "Never use these words or phrases: thrilled")
	assert.Contains(t, req.Instructions, "circle back")
	assert.Contains(t, req.Prompt, "[FEEDBACK]\n- [specificity]")
	assert.Contains(t, req.Prompt, "[MUST_FIX]\n- [forbidden_term]")
	assert.Contains(t, req.Prompt, "Which result? 40% faster close")
	assert.NotContains(t, req.Prompt, "Which deadline?", "unanswered questions are not passed on")
	assert.Contains(t, req.Prompt, "Ridgeline", "previous draft is shown")
}

func TestWrite_RunSettlesThroughController(t *testing.T) {
	fake := llm.NewFakeClient(nil).
		Push("write", draftOut{Segments: validEmail()}).
		Push("critic", allPassVerdict("email"))
	gw := gateway(fake)
	ctrl := regen.New(critic.New(gw, nil), nil, regen.Config{CriticAttempts: 2, ValidatorAttempts: 2}, nil, nil)
	p := &Write{Gateway: gw, Controller: ctrl}

	var recorded []artifact.Draft
	out, err := p.Run(phaseCtx("write"), "run-1", writeIn(), func(ctx context.Context, d artifact.Draft) error {
		recorded = append(recorded, d)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 0, out.TotalAttempts)
	assert.True(t, out.Critique.OverallPass)
	assert.True(t, out.Report.IsValid, "%v", out.Report.Violations)
	require.Len(t, recorded, 1)
	assert.Equal(t, validEmail(), recorded[0].Segments)

	crit := fake.Calls("critic")
	require.Len(t, crit, 1)
	assert.Contains(t, crit[0].Request.Prompt, "Which result? 40% faster close", "answers ground the critic")
}

func TestWrite_RequiresController(t *testing.T) {
	p := &Write{Gateway: gateway(llm.NewFakeClient(nil))}
	_, err := p.Run(phaseCtx("write"), "run-1", writeIn(), nil)
	assert.Error(t, err)
}

func TestVariants_BuildsCopySet(t *testing.T) {
	draft := artifact.Draft{
		Segments: validEmail(),
		Text:     artifact.JoinSegments(validEmail()),
		Attempt:  1,
		Quality:  &artifact.QualitySummary{CriticAttempts: 1, TotalAttempts: 1},
	}
	fake := llm.NewFakeClient(nil).Push("variants", variantsOut{
		Shorter:      "Ridgeline cut late orders by 62%. Book a call Thursday.",
		Warmer:       "Maria, we are thrilled to share that Ridgeline cut late orders by 62%.",
		SubjectLines: []string{`"62% fewer late orders"`, "62% fewer late orders", " ", "Your Denver backlog"},
	})
	p := &Variants{Gateway: gateway(fake)}

	out, err := p.Run(phaseCtx("variants"), VariantsIn{Spec: emailSpec(), Rules: rules.Default().Lookup("email"), Draft: draft})
	require.NoError(t, err)
	require.NoError(t, out.Validate())
	assert.Equal(t, draft.Text, out.Main)
	assert.Equal(t, []string{"62% fewer late orders", "Your Denver backlog"}, out.SubjectLines)
	assert.Equal(t, 1, out.Quality.CriticAttempts)
	assert.Equal(t, 1, out.Quality.TotalAttempts)
	require.Len(t, out.Quality.Warnings, 1)
	assert.Contains(t, out.Quality.Warnings[0], "warmer variant: [forbidden_term]")
}

func TestDemoResponder_RunsEveryPhase(t *testing.T) {
	reg := rules.Default()
	rs := reg.Lookup("email")
	gw := gateway(llm.NewFakeClient(DemoResponder))
	spec := emailSpec()

	facts, err := (&Analyze{Gateway: gw}).Run(phaseCtx("analyze"), NewAnalyzeIn(spec, rs))
	require.NoError(t, err)
	assert.Equal(t, []string{"Ledgerly scans invoices for finance teams."}, facts.ByCategory(artifact.CategoryOffer))
	assert.Len(t, facts.ByCategory(artifact.CategoryProof), 1)

	ins, err := (&Insights{Gateway: gw, Candidates: 2, Keep: 1}).Run(phaseCtx("insights"), InsightsIn{Spec: spec, Facts: facts})
	require.NoError(t, err)
	require.NoError(t, ins.Validate())

	qs, err := (&Questions{Gateway: gw}).Run(phaseCtx("questions"), QuestionsIn{Spec: spec, Facts: facts, Insights: &ins, Required: rs.RequiredFactCategories})
	require.NoError(t, err)
	assert.True(t, qs.Satisfied)

	ctrl := regen.New(critic.New(gw, reg), nil, regen.Config{CriticAttempts: 1, ValidatorAttempts: 1}, nil, nil)
	out, err := (&Write{Gateway: gw, Controller: ctrl}).Run(phaseCtx("write"), "demo", WriteIn{
		Spec: spec, Rules: rs, Facts: facts, Insights: &ins, Questions: qs, Forbidden: reg.ForbiddenTerms("email"),
	}, nil)
	require.NoError(t, err)
	assert.Len(t, out.Draft.Segments, len(rs.RequiredSegmentSequence))
	assert.Equal(t, out.CriticAttempts+out.ValidatorAttempts, out.TotalAttempts)

	settled := out.Draft
	q := out.Summary()
	settled.Quality = &q
	set, err := (&Variants{Gateway: gw}).Run(phaseCtx("variants"), VariantsIn{Spec: spec, Rules: rs, Draft: settled})
	require.NoError(t, err)
	require.NoError(t, set.Validate())
	assert.NotEmpty(t, set.SubjectLines)
}

func TestPromptInput(t *testing.T) {
	assert.JSONEq(t, `{"a":1}`, string(promptInput("[INPUT]\n{\"a\":1}\n\n[OUTPUT]\n- x\n")))
	assert.Equal(t, "null", string(promptInput("no sections")))
}

func TestQuestions_NormalizesModelDrafts(t *testing.T) {
	facts := emailFacts()
	facts.Facts = facts.Facts[:1]
	fake := llm.NewFakeClient(nil).Push("questions", questionsOut{Questions: []questionDraft{
		{Gap: "proof", Text: "  Which customer   result can we quote.  "},
	}})
	p := &Questions{Gateway: gateway(fake)}

	out, err := p.Run(phaseCtx("questions"), QuestionsIn{Spec: emailSpec(), Facts: facts, Required: []string{"offer", "proof"}})
	require.NoError(t, err)
	require.NotEmpty(t, out.Questions)
	q := out.Questions[0]
	assert.Equal(t, "Which customer result can we quote?", q.Text)
	assert.Equal(t, fallbackQuestion("proof", 0).Rationale, q.Rationale)
	assert.Equal(t, fallbackQuestion("proof", 0).ExampleAnswer, q.ExampleAnswer)
}

func TestGapQuestions_UntemplatedCategoryGetsDistinctQuestions(t *testing.T) {
	out := gapQuestions(nil, []string{"pricing_model"})
	require.Len(t, out, 2)
	assert.NotEqual(t, out[0].Text, out[1].Text)
	for _, q := range out {
		assert.Contains(t, q.Text, "pricing model")
		assert.Equal(t, "pricing_model", q.Gap)
	}

	two := gapQuestions(nil, []string{"pricing", "guarantee"})
	require.Len(t, two, 2)
	assert.Contains(t, two[0].Text, "pricing")
	assert.Contains(t, two[1].Text, "guarantee")
}
