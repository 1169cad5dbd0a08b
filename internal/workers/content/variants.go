package content

import (
	"context"
	"fmt"
	"strings"

	"copyflow/internal/artifact"
	"copyflow/internal/llm"
	"copyflow/internal/llmtool"
	"copyflow/internal/rules"
	"copyflow/internal/task"
	"copyflow/internal/validator"
)

// VariantsIn is the input of the final phase.
type VariantsIn struct {
	Spec  task.Specification `json:"spec"`
	Rules rules.RuleSet      `json:"-"`
	Draft artifact.Draft     `json:"draft"`
}

type variantsRequest struct {
	Main        string            `json:"main"`
	Goal        string            `json:"goal"`
	Audience    string            `json:"audience,omitempty"`
	Voice       task.VoiceProfile `json:"voice"`
	ShorterMax  int               `json:"shorterMaxWords"`
	SubjectMax  int               `json:"subjectLineCount"`
	ContentType string            `json:"contentType"`
}

type variantsOut struct {
	Shorter      string   `json:"shorter" jsonschema:"the same copy in at most shorterMaxWords words, same ask"`
	Warmer       string   `json:"warmer" jsonschema:"the same copy in a warmer, more personal register, same facts"`
	SubjectLines []string `json:"subjectLines" jsonschema:"headline or subject line options, most specific first"`
}

func (v *variantsOut) Validate() error {
	switch {
	case strings.TrimSpace(v.Shorter) == "":
		return fmt.Errorf("shorter is empty")
	case strings.TrimSpace(v.Warmer) == "":
		return fmt.Errorf("warmer is empty")
	case len(v.SubjectLines) == 0:
		return fmt.Errorf("subjectLines is empty")
	}
	return nil
}

var variantsPromptSpec = llmtool.ApplyPresets(llmtool.StructuredPromptSpec{
	Purpose:    "Rewrite the approved copy into a shorter and a warmer variant and propose subject lines.",
	Background: "Phase variants runs after the copy passed review. The variants must not add claims the main copy does not make.",
	Rules: []string{
		"Keep every number and name from main unchanged.",
		"Keep the single call to action.",
		"Subject lines are at most 9 words and name something specific from main.",
	},
	Language: "English",
}, llmtool.PresetStrictJSON(), llmtool.PresetNoInvent(), llmtool.PresetPlainVoice())

// Variants derives the alternative renditions of the settled draft.
type Variants struct {
	Gateway   llm.Gateway
	Validator *validator.Validator
}

func (p *Variants) Run(ctx context.Context, in VariantsIn) (artifact.CopySet, error) {
	if p == nil || p.Gateway.Client == nil {
		return artifact.CopySet{}, fmt.Errorf("variants: llm client is nil")
	}
	main := in.Draft.Text
	if strings.TrimSpace(main) == "" {
		main = artifact.JoinSegments(in.Draft.Segments)
	}
	req, err := llmtool.Build[variantsOut](variantsPromptSpec, llmtool.PromptInput{Data: variantsRequest{
		Main:        main,
		Goal:        in.Spec.Goal,
		Audience:    in.Spec.Audience,
		Voice:       in.Spec.Voice,
		ShorterMax:  max(in.Spec.TargetWords(in.Rules)/2, 10),
		SubjectMax:  3,
		ContentType: in.Rules.ContentType,
	}})
	if err != nil {
		return artifact.CopySet{}, err
	}
	out, err := llm.Call[variantsOut](ctx, p.Gateway, req)
	if err != nil {
		return artifact.CopySet{}, err
	}

	set := artifact.CopySet{
		Main:         main,
		Shorter:      strings.TrimSpace(out.Shorter),
		Warmer:       strings.TrimSpace(out.Warmer),
		SubjectLines: cleanLines(out.SubjectLines),
		Segments:     in.Draft.Segments,
	}
	if in.Draft.Quality != nil {
		set.Quality = *in.Draft.Quality
	}
	set.Quality.Warnings = append(set.Quality.Warnings, p.variantWarnings(set, in.Rules.ContentType)...)
	if len(set.SubjectLines) == 0 {
		return artifact.CopySet{}, fmt.Errorf("variants: no usable subject lines")
	}
	return set, nil
}

// variantWarnings reports critical validator hits in the variants. They are
// surfaced, never regenerated.
func (p *Variants) variantWarnings(set artifact.CopySet, contentType string) []string {
	v := p.Validator
	if v == nil {
		v = validator.New(nil)
	}
	var out []string
	for _, c := range []struct{ name, text string }{{"shorter", set.Shorter}, {"warmer", set.Warmer}} {
		rep := v.Validate(c.text, contentType)
		for _, vi := range rep.Violations {
			if vi.Severity == validator.SeverityCritical && vi.Kind != "word_budget" {
				out = append(out, fmt.Sprintf("%s variant: [%s] %s", c.name, vi.Kind, vi.Detail))
			}
		}
	}
	return out
}

func cleanLines(lines []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		l = strings.Trim(strings.TrimSpace(l), `"`)
		if l == "" || seen[strings.ToLower(l)] {
			continue
		}
		seen[strings.ToLower(l)] = true
		out = append(out, l)
	}
	return out
}
