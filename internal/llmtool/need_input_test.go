package llmtool

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

type ask struct {
	Text, Why, Example string
}

type askAdapter struct{}

func (askAdapter) Extract(a ask) NeedInputState {
	return NeedInputState{NeedMoreInput: true, Question: a.Text, Rationale: a.Why, ExampleAnswer: a.Example}
}

func (askAdapter) Apply(a ask, st NeedInputState) ask {
	a.Text, a.Why, a.Example = st.Question, st.Rationale, st.ExampleAnswer
	return a
}

func TestNormalizeNeedInput_AppliesPolicy(t *testing.T) {
	policy := NeedInputPolicy{
		RequireRationale:     true,
		RequireExampleAnswer: true,
		DefaultRationale:     "needed for the proof segment",
		DefaultExampleAnswer: "Acme, 40% faster",
		AskAsQuestion:        true,
	}
	got := NormalizeNeedInput[ask](context.Background(), ask{Text: " Which result\n can we quote. "}, askAdapter{}, policy, nil)
	assert.Equal(t, ask{Text: "Which result can we quote?", Why: "needed for the proof segment", Example: "Acme, 40% faster"}, got)

	kept := NormalizeNeedInput[ask](context.Background(), ask{Text: "Which result?", Why: "own", Example: "mine"}, askAdapter{}, policy, nil)
	assert.Equal(t, ask{Text: "Which result?", Why: "own", Example: "mine"}, kept)
}

func TestNormalizeNeedInput_HooksRunAroundPolicy(t *testing.T) {
	var order []string
	hooks := &NeedInputHooks[ask]{
		BeforeNormalize: func(_ context.Context, _ ask, st NeedInputState) NeedInputState {
			order = append(order, "before")
			st.Question = "What changed"
			return st
		},
		AfterNormalize: func(_ context.Context, _ ask, st NeedInputState) NeedInputState {
			order = append(order, "after:"+st.Question)
			return st
		},
	}
	got := NormalizeNeedInput[ask](context.Background(), ask{Text: "ignored"}, askAdapter{}, NeedInputPolicy{AskAsQuestion: true}, hooks)
	assert.Equal(t, "What changed?", got.Text)
	assert.Equal(t, []string{"before", "after:What changed?"}, order)
}

func TestNormalizeNeedInput_NilAdapterKeepsOutput(t *testing.T) {
	in := ask{Text: "  as is "}
	assert.Equal(t, in, NormalizeNeedInput[ask](context.Background(), in, nil, NeedInputPolicy{AskAsQuestion: true}, nil))
}
