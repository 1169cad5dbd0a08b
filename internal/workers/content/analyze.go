// Package content holds the phase executors of the copy pipeline. Each
// executor is a small struct with a Run method; the runner registry decides
// what they consume and where their output goes.
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
)

// AnalyzeIn is the input of the analysis phase.
type AnalyzeIn struct {
	Spec  task.Specification `json:"spec"`
	Needs []string           `json:"needs"`
}

var analyzePromptSpec = llmtool.ApplyPresets(llmtool.StructuredPromptSpec{
	Purpose:    "Extract every usable fact from the raw inputs and file each one under a category.",
	Background: "Phase analyze feeds a copywriter who may only use facts you extract here.",
	Constraints: []string{
		"Categories: offer (what is sold or asked), proof (results, numbers, customers, quotes), audience_pain (the reader's problem in their words), insight (a non-obvious observation), context (anything else useful).",
		"One fact per entry; split compound sentences.",
		"Keep numbers, names and dates exactly as written.",
	},
	Rules: []string{
		"Pay extra attention to the categories listed in needs; say nothing about them if the inputs do not contain them.",
		"Quote the raw input the fact came from in source.",
	},
	Language: "English",
}, llmtool.PresetStrictJSON(), llmtool.PresetNoInvent())

// Analyze turns raw inputs into a categorised fact sheet.
type Analyze struct {
	Gateway llm.Gateway
}

func (p *Analyze) Run(ctx context.Context, in AnalyzeIn) (artifact.FactSheet, error) {
	if p == nil || p.Gateway.Client == nil {
		return artifact.FactSheet{}, fmt.Errorf("analyze: llm client is nil")
	}
	req, err := llmtool.Build[artifact.FactSheet](analyzePromptSpec, llmtool.PromptInput{Data: in})
	if err != nil {
		return artifact.FactSheet{}, err
	}
	out, err := llm.Call[artifact.FactSheet](ctx, p.Gateway, req)
	if err != nil {
		return artifact.FactSheet{}, err
	}
	out.Facts = dedupeFacts(out.Facts)
	return out, nil
}

func dedupeFacts(facts []artifact.Fact) []artifact.Fact {
	seen := map[string]bool{}
	out := make([]artifact.Fact, 0, len(facts))
	for _, f := range facts {
		f.Statement = strings.TrimSpace(f.Statement)
		key := f.Category + "|" + strings.ToLower(f.Statement)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, f)
	}
	return out
}

// NewAnalyzeIn builds the analysis input for a run.
func NewAnalyzeIn(spec task.Specification, rs rules.RuleSet) AnalyzeIn {
	return AnalyzeIn{Spec: spec, Needs: append([]string(nil), rs.RequiredFactCategories...)}
}
