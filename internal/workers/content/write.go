package content

import (
	"context"
	"fmt"
	"strings"

	"copyflow/internal/artifact"
	"copyflow/internal/critic"
	"copyflow/internal/llm"
	"copyflow/internal/llmtool"
	"copyflow/internal/regen"
	"copyflow/internal/rules"
	"copyflow/internal/task"
)

// WriteIn is the input of the write phase.
type WriteIn struct {
	Spec      task.Specification   `json:"spec"`
	Rules     rules.RuleSet        `json:"-"`
	Facts     artifact.FactSheet   `json:"facts"`
	Insights  *artifact.InsightSet `json:"insights,omitempty"`
	Questions artifact.QuestionSet `json:"-"`
	Answers   artifact.AnswerSet   `json:"-"`

	// Forbidden is the full lexicon for the content type, universal terms first.
	Forbidden []string `json:"-"`
}

// writeRequest is what the model sees for one attempt.
type writeRequest struct {
	Goal        string             `json:"goal"`
	Audience    string             `json:"audience,omitempty"`
	Channel     string             `json:"channel,omitempty"`
	Voice       task.VoiceProfile  `json:"voice"`
	TargetWords int                `json:"targetWords"`
	Segments    []string           `json:"segments"`
	Facts       []string           `json:"facts"`
	Answers     []string           `json:"answers,omitempty"`
	Insights    []string           `json:"insights,omitempty"`
	Previous    []artifact.Segment `json:"previous,omitempty"`
}

type draftOut struct {
	Segments []artifact.Segment `json:"segments" jsonschema:"the copy, one entry per required segment, in order"`
}

func (d *draftOut) Validate() error {
	if len(d.Segments) == 0 {
		return fmt.Errorf("segments must not be empty")
	}
	for i, s := range d.Segments {
		if strings.TrimSpace(s.Name) == "" || strings.TrimSpace(s.Text) == "" {
			return fmt.Errorf("segments[%d] needs a name and text", i)
		}
	}
	return nil
}

var writeBase = llmtool.StructuredPromptSpec{
	Purpose:    "Write the copy, segment by segment, using only the facts and answers provided.",
	Background: "Phase write. Your draft is checked by a strict editor and by a rule checker; [FEEDBACK] and [MUST_FIX], when present, come from them and override your previous choices.",
	Language:   "English",
}

// Write produces segmented drafts under the regeneration controller.
type Write struct {
	Gateway    llm.Gateway
	Controller *regen.Controller
}

// Generator returns the generation callback the controller drives.
func (p *Write) Generator(in WriteIn) regen.Generator {
	spec := llmtool.ApplyPresets(writeBase, llmtool.PresetStrictJSON(), llmtool.PresetNoInvent(), llmtool.PresetPlainVoice())
	spec.Constraints = append(spec.Constraints, in.Rules.Instructions()...)
	if len(in.Forbidden) > 0 {
		spec.Constraints = append(spec.Constraints, "Never use these words or phrases: "+strings.Join(in.Forbidden, ", ")+".")
	}
	if len(in.Spec.Voice.Avoid) > 0 {
		spec.Constraints = append(spec.Constraints, "Also avoid: "+strings.Join(in.Spec.Voice.Avoid, ", ")+".")
	}

	base := writeRequest{
		Goal:        in.Spec.Goal,
		Audience:    in.Spec.Audience,
		Channel:     in.Spec.Channel,
		Voice:       in.Spec.Voice,
		TargetWords: in.Spec.TargetWords(in.Rules),
		Segments:    in.Rules.RequiredSegmentSequence,
		Facts:       in.Facts.Statements(),
		Answers:     in.Answers.Pairs(in.Questions),
	}
	if in.Insights != nil {
		for _, ins := range in.Insights.Insights {
			base.Insights = append(base.Insights, ins.Statement)
		}
	}

	return func(ctx context.Context, g regen.Guidance) ([]artifact.Segment, error) {
		data := base
		data.Previous = g.Previous
		req, err := llmtool.Build[draftOut](spec, llmtool.PromptInput{Data: data, Feedback: g.Feedback, MustFix: g.MustFix})
		if err != nil {
			return nil, err
		}
		out, err := llm.Call[draftOut](ctx, p.Gateway, req)
		if err != nil {
			return nil, err
		}
		segs := make([]artifact.Segment, 0, len(out.Segments))
		for _, s := range out.Segments {
			segs = append(segs, artifact.Segment{Name: normalizeGap(s.Name), Text: strings.TrimSpace(s.Text)})
		}
		return segs, nil
	}
}

// Run drives the critic and validator loops for the run's draft.
func (p *Write) Run(ctx context.Context, runID string, in WriteIn, record regen.Recorder) (regen.Outcome, error) {
	if p == nil || p.Gateway.Client == nil || p.Controller == nil {
		return regen.Outcome{}, fmt.Errorf("write: llm client or controller is nil")
	}
	facts := in.Facts.Statements()
	facts = append(facts, in.Answers.Pairs(in.Questions)...)
	return p.Controller.Run(ctx, regen.Request{
		Key:         runID + "/write",
		ContentType: in.Rules.ContentType,
		Context: critic.Context{
			Goal:     in.Spec.Goal,
			Audience: in.Spec.Audience,
			Channel:  in.Spec.Channel,
			Voice:    voiceLine(in.Spec.Voice),
			Facts:    facts,
		},
		Generate: p.Generator(in),
		Record:   record,
	})
}

func voiceLine(v task.VoiceProfile) string {
	var parts []string
	if v.Tone != "" {
		parts = append(parts, "tone: "+v.Tone)
	}
	if v.Persona != "" {
		parts = append(parts, "persona: "+v.Persona)
	}
	if len(v.Avoid) > 0 {
		parts = append(parts, "avoid: "+strings.Join(v.Avoid, ", "))
	}
	return strings.Join(parts, "; ")
}
