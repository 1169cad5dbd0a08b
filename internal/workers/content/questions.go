package content

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"copyflow/internal/artifact"
	"copyflow/internal/llm"
	"copyflow/internal/llmtool"
	"copyflow/internal/task"
)

// QuestionsIn is the input of the question/answer gate.
type QuestionsIn struct {
	Spec     task.Specification   `json:"spec"`
	Facts    artifact.FactSheet   `json:"facts"`
	Insights *artifact.InsightSet `json:"insights,omitempty"`
	Required []string             `json:"required"`
}

type questionRequest struct {
	Goal      string   `json:"goal"`
	Audience  string   `json:"audience,omitempty"`
	Known     []string `json:"known"`
	Missing   []string `json:"missing"`
	Satisfied bool     `json:"satisfied"`
	MaxCount  int      `json:"maxCount"`
}

type questionDraft struct {
	Gap           string `json:"gap" jsonschema:"the missing category this question fills"`
	Text          string `json:"text" jsonschema:"the question, one sentence"`
	Rationale     string `json:"rationale" jsonschema:"why the copy cannot be written well without it"`
	ExampleAnswer string `json:"exampleAnswer" jsonschema:"a short answer that could be pasted into the copy"`
}

type questionsOut struct {
	Questions []questionDraft `json:"questions"`
}

func (q *questionsOut) Validate() error {
	if len(q.Questions) == 0 {
		return fmt.Errorf("questions must not be empty")
	}
	for i, d := range q.Questions {
		if strings.TrimSpace(d.Text) == "" {
			return fmt.Errorf("questions[%d].text is empty", i)
		}
	}
	return nil
}

var questionsPromptSpec = llmtool.ApplyPresets(llmtool.StructuredPromptSpec{
	Purpose:    "Ask the user for the facts the copy still lacks.",
	Background: "Phase questions pauses the pipeline until the user answers. Every question costs the user time.",
	Constraints: []string{
		"When satisfied is true, ask exactly one optional confirmation question and set gap to \"confirmation\".",
		"When satisfied is false, ask one question per missing category (at most maxCount), and set gap to that category.",
		"Ask for content that can go straight into the copy (a number, a name, a result), never for background metadata.",
	},
	Language: "English",
}, llmtool.PresetStrictJSON())

// Questions decides whether the extracted facts cover the content type's
// informational need and phrases the questions the user must answer.
type Questions struct {
	Gateway llm.Gateway
}

// Run always yields a valid gate: one optional confirmation when satisfied,
// otherwise two or three gap-grounded questions.
func (p *Questions) Run(ctx context.Context, in QuestionsIn) (artifact.QuestionSet, error) {
	if p == nil || p.Gateway.Client == nil {
		return artifact.QuestionSet{}, fmt.Errorf("questions: llm client is nil")
	}
	missing := in.Facts.Missing(in.Required)
	satisfied := len(missing) == 0

	known := in.Facts.Statements()
	if in.Insights != nil {
		for _, ins := range in.Insights.Insights {
			known = append(known, ins.Statement)
		}
	}
	req, err := llmtool.Build[questionsOut](questionsPromptSpec, llmtool.PromptInput{Data: questionRequest{
		Goal:      in.Spec.Goal,
		Audience:  in.Spec.Audience,
		Known:     known,
		Missing:   missing,
		Satisfied: satisfied,
		MaxCount:  3,
	}})
	if err != nil {
		return artifact.QuestionSet{}, err
	}
	out, err := llm.Call[questionsOut](ctx, p.Gateway, req)
	if err != nil {
		return artifact.QuestionSet{}, err
	}

	if satisfied {
		d := normalizeDraft(ctx, out.Questions[0], false)
		return artifact.QuestionSet{
			Satisfied: true,
			Questions: []artifact.Question{{
				ID:            "confirm",
				Text:          strings.TrimSpace(d.Text),
				Rationale:     strings.TrimSpace(d.Rationale),
				Gap:           "confirmation",
				ExampleAnswer: strings.TrimSpace(d.ExampleAnswer),
				Optional:      true,
			}},
		}, nil
	}
	drafts := make([]questionDraft, 0, len(out.Questions))
	for _, d := range out.Questions {
		d.Gap = normalizeGap(d.Gap)
		drafts = append(drafts, normalizeDraft(ctx, d, true))
	}
	return artifact.QuestionSet{Missing: missing, Questions: gapQuestions(drafts, missing)}, nil
}

// draftInput adapts model question drafts to the shared need-input
// normalization.
type draftInput struct{ required bool }

func (a draftInput) Extract(d questionDraft) llmtool.NeedInputState {
	return llmtool.NeedInputState{
		NeedMoreInput: a.required,
		Question:      d.Text,
		Rationale:     d.Rationale,
		ExampleAnswer: d.ExampleAnswer,
	}
}

func (draftInput) Apply(d questionDraft, st llmtool.NeedInputState) questionDraft {
	d.Text = st.Question
	d.Rationale = st.Rationale
	d.ExampleAnswer = st.ExampleAnswer
	return d
}

// normalizeDraft fills a draft's missing rationale and example answer from
// the gap's template and phrases it as a question.
func normalizeDraft(ctx context.Context, d questionDraft, required bool) questionDraft {
	policy := llmtool.NeedInputPolicy{
		RequireRationale:     true,
		RequireExampleAnswer: true,
		AskAsQuestion:        true,
	}
	if required {
		fb := fallbackQuestion(d.Gap, 0)
		policy.DefaultRationale = fb.Rationale
		policy.DefaultExampleAnswer = fb.ExampleAnswer
	} else {
		policy.DefaultRationale = "The inputs already cover what the copy needs; this is a last chance to add a detail."
		policy.DefaultExampleAnswer = "No, go ahead."
	}
	return llmtool.NormalizeNeedInput[questionDraft](ctx, d, draftInput{required: required}, policy, nil)
}

// gapQuestions keeps model questions that name a missing category, then tops
// the set up from fallback templates so there are always 2-3 of them.
func gapQuestions(drafts []questionDraft, missing []string) []artifact.Question {
	var out []artifact.Question
	covered := map[string]int{}
	add := func(d questionDraft) {
		out = append(out, artifact.Question{
			ID:            fmt.Sprintf("q%d", len(out)+1),
			Text:          strings.TrimSpace(d.Text),
			Rationale:     strings.TrimSpace(d.Rationale),
			Gap:           d.Gap,
			ExampleAnswer: strings.TrimSpace(d.ExampleAnswer),
		})
		covered[d.Gap]++
	}
	for _, d := range drafts {
		d.Gap = normalizeGap(d.Gap)
		if len(out) == 3 || !slices.Contains(missing, d.Gap) || covered[d.Gap] > 0 {
			continue
		}
		add(d)
	}
	for _, gap := range missing {
		if len(out) == 3 {
			break
		}
		if covered[gap] == 0 {
			add(fallbackQuestion(gap, 0))
		}
	}
	for i := 1; len(out) < 2; i++ {
		add(fallbackQuestion(missing[0], i))
	}
	return out
}

var fallbacks = map[string][]questionDraft{
	artifact.CategoryOffer: {
		{Text: "What exactly are you offering the reader, in one sentence?", Rationale: "The copy needs a concrete offer to ask for.", ExampleAnswer: "A 14-day free trial of the invoice scanner."},
		{Text: "What does the reader get in the first week after saying yes?", Rationale: "A concrete first outcome makes the offer tangible.", ExampleAnswer: "Their March invoices are matched automatically by Friday."},
	},
	artifact.CategoryProof: {
		{Text: "What measurable result has a named customer seen?", Rationale: "Without proof every claim reads as generic.", ExampleAnswer: "Acme cut invoice processing from 6 days to 2."},
		{Text: "Which number best shows that this works?", Rationale: "A single specific figure anchors the proof segment.", ExampleAnswer: "12,000 invoices processed last quarter."},
	},
	artifact.CategoryAudiencePain: {
		{Text: "What does the reader's problem cost them today, in their own words?", Rationale: "The copy has to name the reader's situation before offering anything.", ExampleAnswer: "Two people spend every Monday keying invoices."},
		{Text: "What have readers already tried that did not work?", Rationale: "Naming failed alternatives makes the pain specific.", ExampleAnswer: "Outsourcing data entry, which doubled errors."},
	},
	artifact.CategoryInsight: {
		{Text: "What do you know about this problem that most people get wrong?", Rationale: "A post needs one non-obvious observation to be worth reading.", ExampleAnswer: "Most late payments are caused by approval queues, not cash."},
		{Text: "Which surprising number from your work would make a peer stop scrolling?", Rationale: "A specific figure makes the insight credible.", ExampleAnswer: "38% of invoices wait on a single approver."},
	},
}

func normalizeGap(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.NewReplacer(" ", "_", "-", "_").Replace(s)
}

// genericFallbacks phrase questions for categories without their own
// templates; %s is the category name.
var genericFallbacks = []questionDraft{
	{Text: "What concrete detail about %s should the copy include?", Rationale: "No %s was found in the inputs.", ExampleAnswer: "One sentence with a number or a name."},
	{Text: "Which number or name best shows the %s?", Rationale: "A specific figure makes the %s credible.", ExampleAnswer: "A figure with its source, such as \"3 of 5 pilots renewed\"."},
	{Text: "How would a customer describe the %s in one sentence?", Rationale: "The reader's own words make the %s concrete.", ExampleAnswer: "A short quote from a customer."},
}

func fallbackQuestion(gap string, variant int) questionDraft {
	list, ok := fallbacks[gap]
	if !ok {
		name := strings.ReplaceAll(gap, "_", " ")
		t := genericFallbacks[variant%len(genericFallbacks)]
		return questionDraft{
			Gap:           gap,
			Text:          fmt.Sprintf(t.Text, name),
			Rationale:     fmt.Sprintf(t.Rationale, name),
			ExampleAnswer: t.ExampleAnswer,
		}
	}
	d := list[variant%len(list)]
	d.Gap = gap
	return d
}
