// Package validator is the deterministic quality gate. It scores candidate
// copy against the rule registry without calling any model; identical input
// always yields an identical report.
package validator

import (
	"fmt"
	"sort"
	"strings"

	"copyflow/internal/pipelineerr"
	"copyflow/internal/rules"
)

// Severity of a violation.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
)

const (
	criticalPenalty = 20
	warningPenalty  = 5
)

// Violation is one finding.
type Violation struct {
	Kind     string   `json:"kind"`
	Detail   string   `json:"detail"`
	Severity Severity `json:"severity"`
	Segment  string   `json:"segment,omitempty"`
}

// Report is the outcome of a validation pass.
type Report struct {
	ContentType string      `json:"contentType"`
	WordCount   int         `json:"wordCount"`
	Violations  []Violation `json:"violations"`
	Score       int         `json:"score"`
	IsValid     bool        `json:"isValid"`
}

// CriticalCount is the number of critical violations.
func (r Report) CriticalCount() int { return r.count(SeverityCritical) }

// WarningCount is the number of warning violations.
func (r Report) WarningCount() int { return r.count(SeverityWarning) }

func (r Report) count(s Severity) int {
	n := 0
	for _, v := range r.Violations {
		if v.Severity == s {
			n++
		}
	}
	return n
}

// Top returns at most k violations, critical ones first, in report order.
func (r Report) Top(k int) []Violation {
	out := append([]Violation(nil), r.Violations...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Severity == SeverityCritical && out[j].Severity != SeverityCritical
	})
	if k > 0 && len(out) > k {
		out = out[:k]
	}
	return out
}

// Err returns a StructuralViolation when the report is not valid.
func (r Report) Err() error {
	if r.IsValid {
		return nil
	}
	vs := make([]pipelineerr.Violation, 0, len(r.Violations))
	for _, v := range r.Violations {
		vs = append(vs, pipelineerr.Violation{Kind: v.Kind, Detail: v.Detail, Severity: string(v.Severity)})
	}
	return &pipelineerr.StructuralViolation{Score: r.Score, Violations: vs}
}

func (r *Report) finish() {
	c, w := r.CriticalCount(), r.WarningCount()
	r.Score = 100 - criticalPenalty*c - warningPenalty*w
	if r.Score < 0 {
		r.Score = 0
	}
	r.IsValid = c == 0
	if r.Violations == nil {
		r.Violations = []Violation{}
	}
}

// Segment is a named unit of a draft.
type Segment struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

// Validator checks text against a rule registry.
type Validator struct {
	reg *rules.Registry
}

// New returns a validator backed by reg, or the embedded registry when nil.
func New(reg *rules.Registry) *Validator {
	if reg == nil {
		reg = rules.Default()
	}
	return &Validator{reg: reg}
}

// Validate checks free text using the default registry.
func Validate(text, contentType string) Report {
	return New(nil).Validate(text, contentType)
}

// Validate checks free text: lexicon, anti-patterns, punctuation, word budget
// and the global sentence constraints.
func (v *Validator) Validate(text, contentType string) Report {
	rs := v.reg.Lookup(contentType)
	plain := PlainText(text)
	rep := Report{ContentType: rs.ContentType, WordCount: WordCount(plain)}
	rep.Violations = v.textViolations(plain, rs)
	rep.finish()
	return rep
}

// ValidateDraft checks a segmented draft. On top of the free-text checks it
// enforces the exact segment sequence and every per-segment contract.
func (v *Validator) ValidateDraft(segments []Segment, contentType string) Report {
	rs := v.reg.Lookup(contentType)
	parts := make([]string, 0, len(segments))
	for _, s := range segments {
		parts = append(parts, PlainText(s.Text))
	}
	plain := strings.Join(parts, "\n")
	rep := Report{ContentType: rs.ContentType, WordCount: WordCount(plain)}
	rep.Violations = append(rep.Violations, sequenceViolations(segments, rs)...)
	for i, s := range segments {
		seg, ok := rs.Segment(s.Name)
		if !ok {
			continue
		}
		rep.Violations = append(rep.Violations, segmentViolations(seg, parts[i])...)
	}
	rep.Violations = append(rep.Violations, v.textViolations(plain, rs)...)
	rep.finish()
	return rep
}

func (v *Validator) textViolations(plain string, rs rules.RuleSet) []Violation {
	var out []Violation
	lower := strings.ToLower(strings.ReplaceAll(plain, "’", "'"))

	for _, term := range v.reg.ForbiddenTerms(rs.ContentType) {
		if strings.Contains(lower, term) {
			out = append(out, Violation{Kind: "forbidden_term", Detail: fmt.Sprintf("forbidden term %q", term), Severity: SeverityCritical})
		}
	}
	for _, p := range v.reg.AntiPatterns() {
		if m := p.Re.FindString(plain); m != "" {
			out = append(out, Violation{Kind: p.Kind, Detail: fmt.Sprintf("%s: %q", p.Detail, strings.TrimSpace(m)), Severity: SeverityCritical})
		}
	}
	if n := strings.Count(plain, "!"); n > 1 {
		out = append(out, Violation{Kind: "punctuation", Detail: fmt.Sprintf("%d exclamation marks", n), Severity: SeverityWarning})
	}
	if n := countEmDashes(plain); n > 1 {
		out = append(out, Violation{Kind: "punctuation", Detail: fmt.Sprintf("%d em-dashes", n), Severity: SeverityWarning})
	}
	if wc := WordCount(plain); wc > rs.MaxTotalWords {
		out = append(out, Violation{Kind: "word_budget", Detail: fmt.Sprintf("%d words exceeds the %d word ceiling", wc, rs.MaxTotalWords), Severity: SeverityCritical})
	}

	g := rs.Global
	sentences := Sentences(plain)
	if g.MaxSentenceWords > 0 {
		for _, s := range sentences {
			if wc := WordCount(s); wc > g.MaxSentenceWords {
				out = append(out, Violation{Kind: "sentence_length", Detail: fmt.Sprintf("%d-word sentence: %q", wc, truncate(s, 60)), Severity: SeverityWarning})
			}
		}
	}
	if g.MaxAdjectivesPerNoun > 0 {
		for _, s := range sentences {
			if run := longestAdjectiveRun(s); run > g.MaxAdjectivesPerNoun {
				out = append(out, Violation{Kind: "adjective_stack", Detail: fmt.Sprintf("%d stacked adjectives: %q", run, truncate(s, 60)), Severity: SeverityWarning})
			}
		}
	}
	if n := g.SpecificDetailEveryNSentences; n > 0 && len(sentences) >= n {
		for i := 0; i+n <= len(sentences); i++ {
			found := false
			for _, s := range sentences[i : i+n] {
				if hasSpecificDetail(s) {
					found = true
					break
				}
			}
			if !found {
				out = append(out, Violation{Kind: "specific_detail", Detail: fmt.Sprintf("no specific detail in sentences %d-%d", i+1, i+n), Severity: SeverityWarning})
				break
			}
		}
	}
	return out
}

// CheckSequence reports how segments deviate from the required sequence.
// It returns nil when names and order match exactly.
func CheckSequence(segments []Segment, rs rules.RuleSet) []Violation {
	return sequenceViolations(segments, rs)
}

func sequenceViolations(segments []Segment, rs rules.RuleSet) []Violation {
	got := make([]string, 0, len(segments))
	for _, s := range segments {
		got = append(got, s.Name)
	}
	want := rs.RequiredSegmentSequence
	if equalStrings(got, want) {
		return nil
	}
	var out []Violation
	present := map[string]bool{}
	for _, name := range got {
		present[name] = true
	}
	required := map[string]bool{}
	for _, name := range want {
		required[name] = true
		if !present[name] {
			out = append(out, Violation{Kind: "missing_segment", Detail: fmt.Sprintf("missing required segment %q", name), Severity: SeverityCritical, Segment: name})
		}
	}
	for _, name := range got {
		if !required[name] {
			out = append(out, Violation{Kind: "unexpected_segment", Detail: fmt.Sprintf("segment %q is not part of the contract", name), Severity: SeverityCritical, Segment: name})
		}
	}
	out = append(out, Violation{
		Kind:     "segment_order",
		Detail:   fmt.Sprintf("expected segments [%s], got [%s]", strings.Join(want, ", "), strings.Join(got, ", ")),
		Severity: SeverityCritical,
	})
	return out
}

func segmentViolations(seg rules.SegmentRule, text string) []Violation {
	var out []Violation
	if seg.MaxWords > 0 {
		if wc := WordCount(text); wc > seg.MaxWords {
			out = append(out, Violation{Kind: "segment_budget", Detail: fmt.Sprintf("%d words exceeds the %d word limit", wc, seg.MaxWords), Severity: SeverityWarning, Segment: seg.Name})
		}
	}
	for _, kind := range seg.RequiredElementKinds {
		if !HasElement(text, kind) {
			out = append(out, Violation{Kind: "missing_element", Detail: fmt.Sprintf("segment %q needs a %s", seg.Name, kind), Severity: SeverityCritical, Segment: seg.Name})
		}
	}
	if len(seg.AllowedFirstWordKinds) > 0 {
		kind := FirstWordKind(text)
		allowed := false
		for _, k := range seg.AllowedFirstWordKinds {
			if k == kind {
				allowed = true
				break
			}
		}
		if !allowed {
			out = append(out, Violation{Kind: "first_word", Detail: fmt.Sprintf("segment %q opens with a %s word", seg.Name, kind), Severity: SeverityWarning, Segment: seg.Name})
		}
	}
	lower := strings.ToLower(text)
	for _, term := range seg.ForbiddenTerms {
		term = strings.ToLower(strings.TrimSpace(term))
		if term != "" && strings.Contains(lower, term) {
			out = append(out, Violation{Kind: "forbidden_term", Detail: fmt.Sprintf("forbidden term %q in segment %q", term, seg.Name), Severity: SeverityCritical, Segment: seg.Name})
		}
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
