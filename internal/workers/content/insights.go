package content

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"copyflow/internal/artifact"
	"copyflow/internal/llm"
	"copyflow/internal/llmtool"
	"copyflow/internal/rules"
	"copyflow/internal/task"
	"copyflow/internal/validator"
)

// InsightsIn is the input of the insight phase.
type InsightsIn struct {
	Spec  task.Specification `json:"spec"`
	Facts artifact.FactSheet `json:"facts"`
}

type insightRequest struct {
	Spec  task.Specification `json:"spec"`
	Facts artifact.FactSheet `json:"facts"`
	Angle string             `json:"angle"`
}

var insightPromptSpec = llmtool.ApplyPresets(llmtool.StructuredPromptSpec{
	Purpose:    "Propose one insight the copy can be built around, from the requested angle.",
	Background: "Phase insights runs several candidates in parallel; the best ones are kept.",
	Rules: []string{
		"The statement must be something this reader would repeat to a colleague.",
		"List in supports the fact statements the insight rests on, copied exactly.",
	},
	Language: "English",
}, llmtool.PresetStrictJSON(), llmtool.PresetNoInvent(), llmtool.PresetPlainVoice())

// angles seed the candidates so parallel calls do not converge.
var angles = []string{
	"the cost of doing nothing",
	"the most surprising number",
	"before and after",
	"what peers already do",
	"the hidden step everyone skips",
	"the objection a skeptic would raise",
}

// Insights generates candidates concurrently and keeps the best ones.
type Insights struct {
	Gateway    llm.Gateway
	Validator  *validator.Validator
	Candidates int
	Keep       int
}

func (p *Insights) Run(ctx context.Context, in InsightsIn) (artifact.InsightSet, error) {
	if p == nil || p.Gateway.Client == nil {
		return artifact.InsightSet{}, fmt.Errorf("insights: llm client is nil")
	}
	n := max(p.Candidates, 1)
	keep := min(max(p.Keep, 1), n)

	cands := make([]artifact.Insight, n)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			req, err := llmtool.Build[artifact.Insight](insightPromptSpec, llmtool.PromptInput{Data: insightRequest{
				Spec:  in.Spec,
				Facts: in.Facts,
				Angle: angles[i%len(angles)],
			}})
			if err != nil {
				return err
			}
			out, err := llm.Call[artifact.Insight](gctx, p.Gateway, req)
			if err != nil {
				return fmt.Errorf("insight candidate %d: %w", i, err)
			}
			cands[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return artifact.InsightSet{}, err
	}
	return artifact.InsightSet{Insights: p.filter(cands, in, keep), Candidates: n}, nil
}

// filter scores, dedupes and keeps the top candidates. Ties keep generation
// order so the result only depends on the candidate list.
func (p *Insights) filter(cands []artifact.Insight, in InsightsIn, keep int) []artifact.Insight {
	v := p.Validator
	if v == nil {
		v = validator.New(nil)
	}
	known := map[string]bool{}
	for _, s := range in.Facts.Statements() {
		known[strings.ToLower(strings.TrimSpace(s))] = true
	}
	seen := map[string]bool{}
	scored := make([]artifact.Insight, 0, len(cands))
	for _, c := range cands {
		key := strings.ToLower(strings.TrimSpace(c.Statement))
		if seen[key] {
			continue
		}
		seen[key] = true
		c.Score = scoreInsight(v, c, in.Spec.ContentType, known)
		scored = append(scored, c)
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > keep {
		scored = scored[:keep]
	}
	return scored
}

func scoreInsight(v *validator.Validator, c artifact.Insight, contentType string, known map[string]bool) int {
	score := v.Validate(c.Statement, contentType).Score
	if validator.HasElement(c.Statement, rules.ElementNumber) {
		score += 10
	}
	if validator.HasElement(c.Statement, rules.ElementProperNoun) {
		score += 5
	}
	for _, s := range c.Supports {
		if known[strings.ToLower(strings.TrimSpace(s))] {
			score += 5
		} else {
			// a support that is not one of the extracted facts is made up
			score -= 15
		}
	}
	return score
}
