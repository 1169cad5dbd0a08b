package artifact

import (
	"fmt"
	"slices"
	"strings"
)

// Fact categories the analyzer sorts extracted facts into.
const (
	CategoryOffer        = "offer"
	CategoryProof        = "proof"
	CategoryAudiencePain = "audience_pain"
	CategoryInsight      = "insight"
	CategoryContext      = "context"
)

// FactCategories lists every accepted category.
var FactCategories = []string{CategoryOffer, CategoryProof, CategoryAudiencePain, CategoryInsight, CategoryContext}

type Fact struct {
	Category  string `json:"category" jsonschema:"one of offer, proof, audience_pain, insight, context"`
	Statement string `json:"statement" jsonschema:"the fact restated in one plain sentence"`
	Source    string `json:"source,omitempty" jsonschema:"verbatim excerpt of the raw input it came from"`
}

// FactSheet is the output of the analysis phase.
type FactSheet struct {
	Summary string `json:"summary" jsonschema:"one sentence on what is being promoted and to whom"`
	Facts   []Fact `json:"facts"`
}

func (FactSheet) Kind() Kind { return KindFactSheet }

func (f FactSheet) Validate() error {
	if strings.TrimSpace(f.Summary) == "" {
		return fmt.Errorf("summary is empty")
	}
	for i, fact := range f.Facts {
		if !slices.Contains(FactCategories, fact.Category) {
			return fmt.Errorf("facts[%d].category %q is not one of %s", i, fact.Category, strings.Join(FactCategories, ", "))
		}
		if strings.TrimSpace(fact.Statement) == "" {
			return fmt.Errorf("facts[%d].statement is empty", i)
		}
	}
	return nil
}

// ByCategory returns the statements filed under category, in order.
func (f FactSheet) ByCategory(category string) []string {
	var out []string
	for _, fact := range f.Facts {
		if fact.Category == category {
			out = append(out, fact.Statement)
		}
	}
	return out
}

// Missing returns the categories in required that have no fact.
func (f FactSheet) Missing(required []string) []string {
	var out []string
	for _, c := range required {
		if len(f.ByCategory(c)) == 0 {
			out = append(out, c)
		}
	}
	return out
}

// Statements returns every fact statement in order.
func (f FactSheet) Statements() []string {
	out := make([]string, 0, len(f.Facts))
	for _, fact := range f.Facts {
		out = append(out, fact.Statement)
	}
	return out
}

type Insight struct {
	Angle     string   `json:"angle" jsonschema:"short label for the angle"`
	Statement string   `json:"statement" jsonschema:"the insight as one sentence a reader would repeat"`
	Supports  []string `json:"supports,omitempty" jsonschema:"fact statements this insight rests on"`
	Score     int      `json:"score,omitempty"`
}

func (i Insight) Validate() error {
	if strings.TrimSpace(i.Angle) == "" {
		return fmt.Errorf("angle is empty")
	}
	if strings.TrimSpace(i.Statement) == "" {
		return fmt.Errorf("statement is empty")
	}
	return nil
}

// InsightSet holds the filtered candidates, best first.
type InsightSet struct {
	Insights   []Insight `json:"insights"`
	Candidates int       `json:"candidates"`
}

func (InsightSet) Kind() Kind { return KindInsightSet }

func (s InsightSet) Validate() error {
	if len(s.Insights) == 0 {
		return fmt.Errorf("no insights")
	}
	for i, in := range s.Insights {
		if err := in.Validate(); err != nil {
			return fmt.Errorf("insights[%d]: %w", i, err)
		}
	}
	if s.Candidates < len(s.Insights) {
		return fmt.Errorf("candidates (%d) < insights (%d)", s.Candidates, len(s.Insights))
	}
	return nil
}
