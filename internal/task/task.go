// Package task defines the task specification a pipeline run is started from.
package task

import (
	"strings"

	"copyflow/internal/pipelineerr"
	"copyflow/internal/rules"
)

// VoiceProfile describes how the copy should sound.
type VoiceProfile struct {
	Tone    string   `json:"tone,omitempty" yaml:"tone"`
	Persona string   `json:"persona,omitempty" yaml:"persona"`
	Avoid   []string `json:"avoid,omitempty" yaml:"avoid"`
}

// Specification is the caller's request. It is frozen once a run starts.
type Specification struct {
	ContentType  string       `json:"contentType" yaml:"content_type"`
	Channel      string       `json:"channel,omitempty" yaml:"channel"`
	Audience     string       `json:"audience,omitempty" yaml:"audience"`
	Goal         string       `json:"goal" yaml:"goal"`
	RawInputs    []string     `json:"rawInputs" yaml:"raw_inputs"`
	Voice        VoiceProfile `json:"voice,omitempty" yaml:"voice"`
	LengthBudget int          `json:"lengthBudget,omitempty" yaml:"length_budget"`
}

// Normalize returns a trimmed copy with the content type in registry form.
// Blank raw inputs are dropped.
func (s Specification) Normalize() Specification {
	out := s
	out.ContentType = rules.NormalizeContentType(s.ContentType)
	out.Channel = strings.TrimSpace(s.Channel)
	out.Audience = strings.TrimSpace(s.Audience)
	out.Goal = strings.TrimSpace(s.Goal)
	out.RawInputs = nil
	for _, in := range s.RawInputs {
		if in = strings.TrimSpace(in); in != "" {
			out.RawInputs = append(out.RawInputs, in)
		}
	}
	out.Voice.Tone = strings.TrimSpace(s.Voice.Tone)
	out.Voice.Persona = strings.TrimSpace(s.Voice.Persona)
	out.Voice.Avoid = append([]string(nil), s.Voice.Avoid...)
	return out
}

// Validate checks required fields against the rule set the content type
// resolves to. All problems are reported together.
func (s Specification) Validate(reg *rules.Registry) error {
	if reg == nil {
		reg = rules.Default()
	}
	n := s.Normalize()
	var verr pipelineerr.ValidationError
	if n.ContentType == "" {
		verr.Add("contentType", "is required")
	}
	if n.Goal == "" {
		verr.Add("goal", "is required")
	}
	if len(n.RawInputs) == 0 {
		verr.Add("rawInputs", "at least one non-blank input is required")
	}
	if s.LengthBudget < 0 {
		verr.Add("lengthBudget", "must not be negative (got %d)", s.LengthBudget)
	} else if n.ContentType != "" {
		rs := reg.Lookup(n.ContentType)
		if s.LengthBudget > rs.MaxTotalWords {
			verr.Add("lengthBudget", "must not exceed %d words for %s (got %d)", rs.MaxTotalWords, rs.ContentType, s.LengthBudget)
		}
	}
	for i, a := range n.Voice.Avoid {
		if strings.TrimSpace(a) == "" {
			verr.Add("voice.avoid", "entry %d is blank", i)
		}
	}
	return verr.OrNil()
}

// TargetWords is the effective word target: the explicit budget when set,
// otherwise the rule set's target.
func (s Specification) TargetWords(rs rules.RuleSet) int {
	if s.LengthBudget > 0 {
		return min(s.LengthBudget, rs.MaxTotalWords)
	}
	return rs.TargetWords
}
