package rules

import (
	"fmt"
	"strings"
)

// Weight ranks rubric criteria.
type Weight string

const (
	WeightCritical   Weight = "critical"
	WeightImportant  Weight = "important"
	WeightNiceToHave Weight = "nice_to_have"
)

func (w Weight) valid() bool {
	switch w {
	case WeightCritical, WeightImportant, WeightNiceToHave:
		return true
	}
	return false
}

// ElementKind is a deterministic, detectable property of a segment's text.
type ElementKind string

const (
	ElementNumber       ElementKind = "number"
	ElementSecondPerson ElementKind = "second_person"
	ElementQuestion     ElementKind = "question"
	ElementLink         ElementKind = "link"
	ElementProperNoun   ElementKind = "proper_noun"
	ElementImperative   ElementKind = "imperative"
)

// WordKind classifies the first word of a segment.
type WordKind string

const (
	WordNumber       WordKind = "number"
	WordPronoun      WordKind = "pronoun"
	WordImperative   WordKind = "imperative"
	WordQuestionWord WordKind = "question_word"
	WordArticle      WordKind = "article"
	WordProperNoun   WordKind = "proper_noun"
	WordOther        WordKind = "other"
)

// Criterion is one rubric line the critic evaluates.
type Criterion struct {
	Name        string `yaml:"name" json:"name"`
	Weight      Weight `yaml:"weight" json:"weight"`
	Description string `yaml:"description" json:"description"`
}

// AntiPattern is a regular expression that marks generic or untrustworthy copy.
type AntiPattern struct {
	Kind    string `yaml:"kind" json:"kind"`
	Detail  string `yaml:"detail" json:"detail"`
	Pattern string `yaml:"pattern" json:"pattern"`
}

// SegmentRule is the per-segment contract.
type SegmentRule struct {
	Name                  string        `yaml:"name" json:"name"`
	MaxWords              int           `yaml:"max_words" json:"maxWords"`
	RequiredElementKinds  []ElementKind `yaml:"required_element_kinds" json:"requiredElementKinds,omitempty"`
	AllowedFirstWordKinds []WordKind    `yaml:"allowed_first_word_kinds" json:"allowedFirstWordKinds,omitempty"`
	ForbiddenTerms        []string      `yaml:"forbidden_terms" json:"forbiddenTerms,omitempty"`
}

// GlobalConstraints apply to the whole text.
type GlobalConstraints struct {
	MaxSentenceWords              int `yaml:"max_sentence_words" json:"maxSentenceWords"`
	MaxAdjectivesPerNoun          int `yaml:"max_adjectives_per_noun" json:"maxAdjectivesPerNoun"`
	SpecificDetailEveryNSentences int `yaml:"specific_detail_every_n_sentences" json:"specificDetailEveryNSentences"`
}

// RuleSet is the structural contract for one content type.
type RuleSet struct {
	ContentType             string            `yaml:"-" json:"contentType"`
	Phases                  []string          `yaml:"phases" json:"phases"`
	MaxTotalWords           int               `yaml:"max_total_words" json:"maxTotalWords"`
	TargetWords             int               `yaml:"target_words" json:"targetWords"`
	RequiredFactCategories  []string          `yaml:"required_fact_categories" json:"requiredFactCategories"`
	RequiredSegmentSequence []string          `yaml:"required_segment_sequence" json:"requiredSegmentSequence"`
	Segments                []SegmentRule     `yaml:"segments" json:"segments"`
	Global                  GlobalConstraints `yaml:"global" json:"global"`
	ForbiddenTerms          []string          `yaml:"forbidden_terms" json:"forbiddenTerms,omitempty"`
	Rubric                  []Criterion       `yaml:"rubric" json:"rubric,omitempty"`

	// Fallback is set when the lookup did not match a registered content type.
	Fallback bool `yaml:"-" json:"fallback,omitempty"`
}

// Segment returns the rule for the named segment.
func (rs RuleSet) Segment(name string) (SegmentRule, bool) {
	for _, s := range rs.Segments {
		if s.Name == name {
			return s, true
		}
	}
	return SegmentRule{}, false
}

// Instructions renders the rule set as generation constraints.
func (rs RuleSet) Instructions() []string {
	out := []string{
		fmt.Sprintf("Write between %d and %d words in total; aim for %d.", rs.TargetWords*3/4, rs.MaxTotalWords, rs.TargetWords),
		fmt.Sprintf("Emit exactly these segments in this order: %s. No other segments.", strings.Join(rs.RequiredSegmentSequence, ", ")),
	}
	for _, name := range rs.RequiredSegmentSequence {
		seg, ok := rs.Segment(name)
		if !ok {
			continue
		}
		parts := []string{fmt.Sprintf("at most %d words", seg.MaxWords)}
		if len(seg.RequiredElementKinds) > 0 {
			parts = append(parts, "must contain: "+joinKinds(seg.RequiredElementKinds))
		}
		if len(seg.AllowedFirstWordKinds) > 0 {
			kinds := make([]string, 0, len(seg.AllowedFirstWordKinds))
			for _, k := range seg.AllowedFirstWordKinds {
				kinds = append(kinds, string(k))
			}
			parts = append(parts, "first word must be one of: "+strings.Join(kinds, ", "))
		}
		if len(seg.ForbiddenTerms) > 0 {
			parts = append(parts, "never use: "+strings.Join(seg.ForbiddenTerms, ", "))
		}
		out = append(out, fmt.Sprintf("Segment %q: %s.", name, strings.Join(parts, "; ")))
	}
	g := rs.Global
	if g.MaxSentenceWords > 0 {
		out = append(out, fmt.Sprintf("No sentence longer than %d words.", g.MaxSentenceWords))
	}
	if g.MaxAdjectivesPerNoun > 0 {
		out = append(out, fmt.Sprintf("At most %d adjective(s) before any noun.", g.MaxAdjectivesPerNoun))
	}
	if g.SpecificDetailEveryNSentences > 0 {
		out = append(out, fmt.Sprintf("Include a specific detail (number, name, date) at least every %d sentences.", g.SpecificDetailEveryNSentences))
	}
	return out
}

func joinKinds(kinds []ElementKind) string {
	out := make([]string, 0, len(kinds))
	for _, k := range kinds {
		out = append(out, string(k))
	}
	return strings.Join(out, ", ")
}

func (rs RuleSet) clone() RuleSet {
	out := rs
	out.Phases = append([]string(nil), rs.Phases...)
	out.RequiredFactCategories = append([]string(nil), rs.RequiredFactCategories...)
	out.RequiredSegmentSequence = append([]string(nil), rs.RequiredSegmentSequence...)
	out.ForbiddenTerms = append([]string(nil), rs.ForbiddenTerms...)
	out.Rubric = append([]Criterion(nil), rs.Rubric...)
	out.Segments = make([]SegmentRule, len(rs.Segments))
	for i, s := range rs.Segments {
		s.RequiredElementKinds = append([]ElementKind(nil), s.RequiredElementKinds...)
		s.AllowedFirstWordKinds = append([]WordKind(nil), s.AllowedFirstWordKinds...)
		s.ForbiddenTerms = append([]string(nil), s.ForbiddenTerms...)
		out.Segments[i] = s
	}
	return out
}
