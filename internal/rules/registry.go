// Package rules holds the structural contracts for every supported content
// type. The registry is loaded once and never mutated; every lookup returns a
// copy so callers cannot change shared state.
package rules

import (
	_ "embed"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed rules.yaml
var embeddedRules []byte

type document struct {
	DefaultContentType string             `yaml:"default_content_type"`
	Weights            map[Weight]int     `yaml:"weights"`
	Universal          universalSection   `yaml:"universal"`
	ContentTypes       map[string]RuleSet `yaml:"content_types"`
}

type universalSection struct {
	ForbiddenTerms []string      `yaml:"forbidden_terms"`
	AntiPatterns   []AntiPattern `yaml:"anti_patterns"`
	Rubric         []Criterion   `yaml:"rubric"`
}

// CompiledPattern is an anti-pattern with its compiled expression.
type CompiledPattern struct {
	AntiPattern
	Re *regexp.Regexp
}

// Registry is an immutable, content-type keyed table of rule sets.
type Registry struct {
	defaultType     string
	weights         map[Weight]int
	sets            map[string]RuleSet
	universalTerms  []string
	universalRubric []Criterion
	patterns        []CompiledPattern
}

var (
	defaultOnce sync.Once
	defaultReg  *Registry
)

// Default returns the registry built from the embedded rule table.
// The embedded table is part of the binary, so a parse failure panics.
func Default() *Registry {
	defaultOnce.Do(func() {
		reg, err := Load(embeddedRules)
		if err != nil {
			panic(fmt.Sprintf("rules: embedded rule table is invalid: %v", err))
		}
		defaultReg = reg
	})
	return defaultReg
}

// Load parses and checks a rule table.
func Load(data []byte) (*Registry, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	if len(doc.ContentTypes) == 0 {
		return nil, fmt.Errorf("rules: no content types declared")
	}
	def := NormalizeContentType(doc.DefaultContentType)
	if def == "" {
		def = "default"
	}
	reg := &Registry{
		defaultType:     def,
		weights:         map[Weight]int{WeightCritical: 3, WeightImportant: 2, WeightNiceToHave: 1},
		sets:            make(map[string]RuleSet, len(doc.ContentTypes)),
		universalTerms:  normalizeTerms(doc.Universal.ForbiddenTerms),
		universalRubric: append([]Criterion(nil), doc.Universal.Rubric...),
	}
	for w, n := range doc.Weights {
		if !w.valid() {
			return nil, fmt.Errorf("rules: unknown weight %q", w)
		}
		reg.weights[w] = n
	}
	for _, c := range reg.universalRubric {
		if !c.Weight.valid() {
			return nil, fmt.Errorf("rules: criterion %q has unknown weight %q", c.Name, c.Weight)
		}
	}
	for _, ap := range doc.Universal.AntiPatterns {
		re, err := regexp.Compile(ap.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rules: anti-pattern %s: %w", ap.Kind, err)
		}
		reg.patterns = append(reg.patterns, CompiledPattern{AntiPattern: ap, Re: re})
	}
	for key, rs := range doc.ContentTypes {
		name := NormalizeContentType(key)
		rs.ContentType = name
		rs.ForbiddenTerms = normalizeTerms(rs.ForbiddenTerms)
		if err := checkRuleSet(rs); err != nil {
			return nil, fmt.Errorf("rules: %s: %w", name, err)
		}
		reg.sets[name] = rs
	}
	if _, ok := reg.sets[def]; !ok {
		return nil, fmt.Errorf("rules: default content type %q is not declared", def)
	}
	return reg, nil
}

func checkRuleSet(rs RuleSet) error {
	if rs.MaxTotalWords <= 0 {
		return fmt.Errorf("max_total_words must be positive")
	}
	if rs.TargetWords <= 0 || rs.TargetWords > rs.MaxTotalWords {
		return fmt.Errorf("target_words must be in 1..max_total_words")
	}
	if len(rs.RequiredSegmentSequence) == 0 {
		return fmt.Errorf("required_segment_sequence is empty")
	}
	seen := map[string]bool{}
	for _, name := range rs.RequiredSegmentSequence {
		if seen[name] {
			return fmt.Errorf("segment %q listed twice", name)
		}
		seen[name] = true
		if _, ok := rs.Segment(name); !ok {
			return fmt.Errorf("segment %q has no rule", name)
		}
	}
	if len(rs.Phases) == 0 {
		return fmt.Errorf("phases is empty")
	}
	for _, c := range rs.Rubric {
		if !c.Weight.valid() {
			return fmt.Errorf("criterion %q has unknown weight %q", c.Name, c.Weight)
		}
	}
	return nil
}

// Lookup returns the rule set for contentType, falling back to the default set
// for unknown types.
func (r *Registry) Lookup(contentType string) RuleSet {
	key := NormalizeContentType(contentType)
	if rs, ok := r.sets[key]; ok {
		return rs.clone()
	}
	rs := r.sets[r.defaultType].clone()
	rs.Fallback = true
	return rs
}

// Has reports whether contentType has its own rule set.
func (r *Registry) Has(contentType string) bool {
	_, ok := r.sets[NormalizeContentType(contentType)]
	return ok
}

// DefaultContentType is the fallback key.
func (r *Registry) DefaultContentType() string { return r.defaultType }

// ContentTypes lists registered content types in sorted order.
func (r *Registry) ContentTypes() []string {
	out := make([]string, 0, len(r.sets))
	for k := range r.sets {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ForbiddenTerms is the universal lexicon followed by the type-specific additions.
func (r *Registry) ForbiddenTerms(contentType string) []string {
	rs := r.Lookup(contentType)
	out := make([]string, 0, len(r.universalTerms)+len(rs.ForbiddenTerms))
	out = append(out, r.universalTerms...)
	out = append(out, rs.ForbiddenTerms...)
	return out
}

// Rubric is the universal rubric followed by the type-specific criteria.
func (r *Registry) Rubric(contentType string) []Criterion {
	rs := r.Lookup(contentType)
	out := make([]Criterion, 0, len(r.universalRubric)+len(rs.Rubric))
	out = append(out, r.universalRubric...)
	out = append(out, rs.Rubric...)
	return out
}

// AntiPatterns returns the compiled anti-pattern list. Compiled expressions
// are safe for concurrent use.
func (r *Registry) AntiPatterns() []CompiledPattern {
	return append([]CompiledPattern(nil), r.patterns...)
}

// Weights returns the points awarded per criterion weight.
func (r *Registry) Weights() map[Weight]int {
	out := make(map[Weight]int, len(r.weights))
	for k, v := range r.weights {
		out[k] = v
	}
	return out
}

// NormalizeContentType lower-cases and snake-cases a content type key.
func NormalizeContentType(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.NewReplacer("-", "_", " ", "_").Replace(s)
	return s
}

func normalizeTerms(terms []string) []string {
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}
