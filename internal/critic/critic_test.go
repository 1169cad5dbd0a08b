package critic

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"copyflow/internal/llm"
	"copyflow/internal/pipelineerr"
	"copyflow/internal/rules"
	"copyflow/internal/validator"
)

func allPass(reg *rules.Registry, contentType string) verdict {
	var v verdict
	for _, c := range reg.Rubric(contentType) {
		v.Criteria = append(v.Criteria, verdictCriterion{Name: c.Name, Passed: true})
	}
	v.OverallPass = true
	return v
}

func emailDraft() []validator.Segment {
	return []validator.Segment{
		{Name: "hook", Text: "Acme cut invoice time by 40% in March."},
		{Name: "context", Text: "Your finance team still keys invoices by hand."},
		{Name: "proof", Text: "Ledgerly processed 12,000 invoices for Acme last quarter."},
		{Name: "action", Text: "Book a 15 minute call this week."},
	}
}

func newCritic(fake *llm.FakeClient) *Critic {
	return New(llm.Gateway{Client: fake, RepairAttempts: 1}, nil)
}

func TestCritique_AllPass(t *testing.T) {
	reg := rules.Default()
	fake := llm.NewFakeClient(nil).Push("critic", allPass(reg, "email"))

	res, err := newCritic(fake).CritiqueDraft(context.Background(), emailDraft(), "email", Context{Goal: "book a call"})
	require.NoError(t, err)
	assert.True(t, res.OverallPass)
	assert.Equal(t, 100, res.Score)
	assert.Empty(t, res.RegenerationInstructions)
	assert.NoError(t, res.Err())
	assert.Equal(t, CriterionSegmentSequence, res.Criteria[len(res.Criteria)-1].Name)

	calls := fake.Calls("critic")
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].Request.Instructions, "maximally strict")
	assert.Contains(t, calls[0].Request.Prompt, "subject_fit")
}

func TestCritique_MissingActionSegmentFails(t *testing.T) {
	reg := rules.Default()
	// the model claims everything passes; the local structural check disagrees
	fake := llm.NewFakeClient(nil).Push("critic", allPass(reg, "email"))
	draft := emailDraft()[:3]

	res, err := newCritic(fake).CritiqueDraft(context.Background(), draft, "email", Context{})
	require.NoError(t, err)
	assert.False(t, res.OverallPass)
	assert.Equal(t, []string{CriterionSegmentSequence}, res.Failed())
	require.NotEmpty(t, res.RegenerationInstructions)
	assert.Contains(t, res.RegenerationInstructions[0], `"action"`)

	var cf *pipelineerr.CritiqueFailure
	require.ErrorAs(t, res.Err(), &cf)
	assert.Equal(t, []string{CriterionSegmentSequence}, cf.FailedCriteria)
}

func TestCritique_OverallPassRecomputedFromCriticalCriteria(t *testing.T) {
	reg := rules.Default()

	// model says fail, but only a nice_to_have criterion failed
	v := allPass(reg, "social_post")
	v.OverallPass = false
	for i := range v.Criteria {
		if v.Criteria[i].Name == "rhythm" {
			v.Criteria[i].Passed = false
			v.Criteria[i].Feedback = "vary sentence length"
		}
	}
	res, err := newCritic(llm.NewFakeClient(nil).Push("critic", v)).Critique(context.Background(), "text", "social_post", Context{})
	require.NoError(t, err)
	assert.True(t, res.OverallPass)
	assert.Less(t, res.Score, 100)
	assert.Equal(t, []string{"[rhythm] vary sentence length"}, res.RegenerationInstructions)

	// model says pass, but a critical criterion failed
	v = allPass(reg, "social_post")
	v.Criteria[0].Passed = false
	v.Criteria[0].Quote = "great results"
	v.Criteria[0].Feedback = "name the 40% drop"
	res, err = newCritic(llm.NewFakeClient(nil).Push("critic", v)).Critique(context.Background(), "text", "social_post", Context{})
	require.NoError(t, err)
	assert.False(t, res.OverallPass)
	assert.Equal(t, []string{`[specificity] Replace "great results": name the 40% drop`}, res.RegenerationInstructions)
}

func TestCritique_UnevaluatedCriterionCountsAsFailed(t *testing.T) {
	v := verdict{Criteria: []verdictCriterion{{Name: "specificity", Passed: true}}, OverallPass: true}
	res, err := newCritic(llm.NewFakeClient(nil).Push("critic", v)).Critique(context.Background(), "text", "default", Context{})
	require.NoError(t, err)
	assert.False(t, res.OverallPass)
	assert.Contains(t, res.Failed(), "grounding")
}

func TestCritique_ModelInstructionsKept(t *testing.T) {
	v := allPass(rules.Default(), "default")
	v.Criteria[1].Passed = false
	v.Criteria[1].Quote = "trusted by thousands"
	v.RegenerationInstructions = []string{`Replace "trusted by thousands" with the 212 customers figure.`}

	res, err := newCritic(llm.NewFakeClient(nil).Push("critic", v)).Critique(context.Background(), "text", "default", Context{})
	require.NoError(t, err)
	assert.Equal(t, v.RegenerationInstructions, res.RegenerationInstructions)
}

func TestCritique_SchemaRepairThenProviderError(t *testing.T) {
	fake := llm.NewFakeClient(nil).PushRaw("critic", `{"criteria": []}`).PushRaw("critic", `{}`)
	_, err := newCritic(fake).Critique(context.Background(), "text", "default", Context{})
	assert.Equal(t, pipelineerr.CodeSchema, pipelineerr.CodeOf(err))
}
