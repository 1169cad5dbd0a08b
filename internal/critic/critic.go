// Package critic grades candidate copy against the weighted rubric using the
// generation gateway, then recomputes the verdict locally so that pass/fail
// never depends on the model's own arithmetic.
package critic

import (
	"context"
	"fmt"
	"math"
	"strings"

	"copyflow/internal/llm"
	"copyflow/internal/llmtool"
	"copyflow/internal/pipelineerr"
	"copyflow/internal/rules"
	"copyflow/internal/validator"
)

// CriterionSegmentSequence is evaluated locally, not by the model.
const CriterionSegmentSequence = "segment_sequence"

// CriterionResult is the verdict on one rubric line.
type CriterionResult struct {
	Name     string       `json:"name"`
	Weight   rules.Weight `json:"weight"`
	Passed   bool         `json:"passed"`
	Quote    string       `json:"quote,omitempty"`
	Feedback string       `json:"feedback,omitempty"`
}

// Result is the outcome of one critique.
type Result struct {
	OverallPass              bool              `json:"overallPass"`
	Score                    int               `json:"score"`
	Criteria                 []CriterionResult `json:"criteria"`
	RegenerationInstructions []string          `json:"regenerationInstructions,omitempty"`
	Strengths                []string          `json:"strengths,omitempty"`
	Improvements             []string          `json:"improvements,omitempty"`
}

// Failed returns the names of failed criteria in rubric order.
func (r Result) Failed() []string {
	var out []string
	for _, c := range r.Criteria {
		if !c.Passed {
			out = append(out, c.Name)
		}
	}
	return out
}

// Err returns a CritiqueFailure when the result does not pass.
func (r Result) Err() error {
	if r.OverallPass {
		return nil
	}
	return &pipelineerr.CritiqueFailure{Score: r.Score, FailedCriteria: r.Failed(), Instructions: r.RegenerationInstructions}
}

// Context is the grounding material the critic checks claims against.
type Context struct {
	Goal     string   `json:"goal"`
	Audience string   `json:"audience,omitempty"`
	Channel  string   `json:"channel,omitempty"`
	Voice    string   `json:"voice,omitempty"`
	Facts    []string `json:"facts"`
}

type verdictCriterion struct {
	Name     string `json:"name"`
	Passed   bool   `json:"passed"`
	Quote    string `json:"quote,omitempty" jsonschema:"offending phrase copied verbatim from the copy"`
	Feedback string `json:"feedback,omitempty" jsonschema:"concrete rewrite direction"`
}

type verdict struct {
	Criteria                 []verdictCriterion `json:"criteria" jsonschema:"one entry per rubric criterion, same names"`
	OverallPass              bool               `json:"overallPass"`
	RegenerationInstructions []string           `json:"regenerationInstructions,omitempty" jsonschema:"one instruction per failure: quote, then the rewrite"`
	Strengths                []string           `json:"strengths,omitempty"`
	Improvements             []string           `json:"improvements,omitempty"`
}

func (v *verdict) Validate() error {
	if len(v.Criteria) == 0 {
		return fmt.Errorf("criteria must not be empty")
	}
	for i, c := range v.Criteria {
		if strings.TrimSpace(c.Name) == "" {
			return fmt.Errorf("criteria[%d].name is empty", i)
		}
	}
	return nil
}

type critiqueInput struct {
	ContentType string            `json:"contentType"`
	Rubric      []rules.Criterion `json:"rubric"`
	Context     Context           `json:"context"`
	Copy        string            `json:"copy"`
}

// Critic evaluates copy against the rubric for its content type.
type Critic struct {
	gw  llm.Gateway
	reg *rules.Registry
}

// New returns a critic. A nil registry means rules.Default().
func New(gw llm.Gateway, reg *rules.Registry) *Critic {
	if reg == nil {
		reg = rules.Default()
	}
	return &Critic{gw: gw, reg: reg}
}

var promptSpec = llmtool.ApplyPresets(llmtool.StructuredPromptSpec{
	Purpose:    "Review marketing copy against a weighted rubric and decide, criterion by criterion, whether it ships.",
	Background: "You are the last editor before publication. Most drafts you see should fail at least one criterion.",
	Rules: []string{
		"Evaluate every rubric criterion by name; do not add or skip criteria.",
		"A critical criterion that fails means the copy fails.",
		"Check every fact, number and name in the copy against context.facts; anything not there fails grounding.",
	},
	Language: "English",
}, llmtool.PresetStrictJSON(), llmtool.PresetStrictCritic())

// Critique grades flat text.
func (c *Critic) Critique(ctx context.Context, text, contentType string, cc Context) (Result, error) {
	return c.critique(ctx, text, nil, contentType, cc)
}

// CritiqueDraft grades segmented copy. On top of the rubric it adds the
// critical segment_sequence criterion, checked locally.
func (c *Critic) CritiqueDraft(ctx context.Context, segments []validator.Segment, contentType string, cc Context) (Result, error) {
	return c.critique(ctx, joinSegments(segments), segments, contentType, cc)
}

func (c *Critic) critique(ctx context.Context, text string, segments []validator.Segment, contentType string, cc Context) (Result, error) {
	rubric := c.reg.Rubric(contentType)
	req, err := llmtool.Build[verdict](promptSpec, llmtool.PromptInput{Data: critiqueInput{
		ContentType: rules.NormalizeContentType(contentType),
		Rubric:      rubric,
		Context:     cc,
		Copy:        text,
	}})
	if err != nil {
		return Result{}, err
	}
	v, err := llm.Call[verdict](llm.WithCall(ctx, "critic"), c.gw, req)
	if err != nil {
		return Result{}, err
	}

	res := merge(rubric, v)
	if segments != nil {
		res.Criteria = append(res.Criteria, sequenceCriterion(segments, c.reg.Lookup(contentType)))
	}
	c.finish(&res, v.RegenerationInstructions)
	return res, nil
}

// merge maps the model's verdicts onto the rubric. A criterion the model did
// not evaluate counts as failed.
func merge(rubric []rules.Criterion, v verdict) Result {
	byName := make(map[string]verdictCriterion, len(v.Criteria))
	for _, vc := range v.Criteria {
		byName[strings.ToLower(strings.TrimSpace(vc.Name))] = vc
	}
	res := Result{Strengths: v.Strengths, Improvements: v.Improvements}
	for _, cr := range rubric {
		vc, ok := byName[strings.ToLower(cr.Name)]
		if !ok {
			res.Criteria = append(res.Criteria, CriterionResult{Name: cr.Name, Weight: cr.Weight, Feedback: "criterion was not evaluated"})
			continue
		}
		res.Criteria = append(res.Criteria, CriterionResult{
			Name:     cr.Name,
			Weight:   cr.Weight,
			Passed:   vc.Passed,
			Quote:    strings.TrimSpace(vc.Quote),
			Feedback: strings.TrimSpace(vc.Feedback),
		})
	}
	return res
}

func sequenceCriterion(segments []validator.Segment, rs rules.RuleSet) CriterionResult {
	cr := CriterionResult{Name: CriterionSegmentSequence, Weight: rules.WeightCritical, Passed: true}
	vs := validator.CheckSequence(segments, rs)
	if len(vs) == 0 {
		return cr
	}
	cr.Passed = false
	var missing, extra []string
	for _, v := range vs {
		switch v.Kind {
		case "missing_segment":
			missing = append(missing, v.Segment)
		case "unexpected_segment":
			extra = append(extra, v.Segment)
		}
	}
	var parts []string
	if len(missing) > 0 {
		parts = append(parts, fmt.Sprintf("Add the missing segment(s) %s.", quoteAll(missing)))
	}
	if len(extra) > 0 {
		parts = append(parts, fmt.Sprintf("Remove the segment(s) %s.", quoteAll(extra)))
	}
	parts = append(parts, fmt.Sprintf("Emit segments in exactly this order: %s.", strings.Join(rs.RequiredSegmentSequence, ", ")))
	cr.Feedback = strings.Join(parts, " ")
	return cr
}

// finish recomputes score and verdict from the criteria and fills in
// regeneration instructions for every failure the model left uncovered.
func (c *Critic) finish(res *Result, modelInstructions []string) {
	weights := c.reg.Weights()
	total, earned := 0, 0
	res.OverallPass = true
	for _, cr := range res.Criteria {
		w := weights[cr.Weight]
		total += w
		if cr.Passed {
			earned += w
			continue
		}
		if cr.Weight == rules.WeightCritical {
			res.OverallPass = false
		}
	}
	if total > 0 {
		res.Score = int(math.Round(100 * float64(earned) / float64(total)))
	}

	var out []string
	for _, s := range modelInstructions {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	for _, cr := range res.Criteria {
		if cr.Passed {
			continue
		}
		if cr.Name != CriterionSegmentSequence && len(out) > 0 && coveredBy(out, cr) {
			continue
		}
		out = append(out, instructionFor(cr))
	}
	res.RegenerationInstructions = out
}

func coveredBy(instructions []string, cr CriterionResult) bool {
	for _, s := range instructions {
		ls := strings.ToLower(s)
		if strings.Contains(ls, strings.ToLower(cr.Name)) {
			return true
		}
		if cr.Quote != "" && strings.Contains(ls, strings.ToLower(cr.Quote)) {
			return true
		}
	}
	return false
}

func instructionFor(cr CriterionResult) string {
	fb := cr.Feedback
	if fb == "" {
		fb = "rewrite so this criterion clearly passes"
	}
	if cr.Quote != "" {
		return fmt.Sprintf("[%s] Replace %q: %s", cr.Name, cr.Quote, fb)
	}
	return fmt.Sprintf("[%s] %s", cr.Name, fb)
}

func joinSegments(segments []validator.Segment) string {
	parts := make([]string, 0, len(segments))
	for _, s := range segments {
		if t := strings.TrimSpace(s.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n\n")
}

func quoteAll(names []string) string {
	q := make([]string, len(names))
	for i, n := range names {
		q[i] = fmt.Sprintf("%q", n)
	}
	return strings.Join(q, ", ")
}
