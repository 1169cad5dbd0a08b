package artifact

import (
	"fmt"
	"strings"

	"copyflow/internal/critic"
	"copyflow/internal/validator"
)

// Segment is one named beat of a draft.
type Segment = validator.Segment

// Draft is one attempt of the write phase. Each regeneration persists a new
// version; Attempt counts from 0 for the initial generation.
type Draft struct {
	Segments []Segment `json:"segments"`
	Text     string    `json:"text"`
	Attempt  int       `json:"attempt"`
	Loop     string    `json:"loop,omitempty"`
	Feedback []string  `json:"feedback,omitempty"`

	// Quality is set on the settled draft only.
	Quality *QualitySummary `json:"quality,omitempty"`
}

func (Draft) Kind() Kind { return KindDraft }

func (d Draft) Validate() error {
	if len(d.Segments) == 0 {
		return fmt.Errorf("no segments")
	}
	for i, s := range d.Segments {
		if strings.TrimSpace(s.Name) == "" {
			return fmt.Errorf("segments[%d].name is empty", i)
		}
		if strings.TrimSpace(s.Text) == "" {
			return fmt.Errorf("segment %q is empty", s.Name)
		}
	}
	if d.Attempt < 0 {
		return fmt.Errorf("attempt must not be negative")
	}
	return nil
}

// JoinSegments renders segments as paragraphs.
func JoinSegments(segments []Segment) string {
	parts := make([]string, 0, len(segments))
	for _, s := range segments {
		if t := strings.TrimSpace(s.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n\n")
}

// QualitySummary reports how the quality gates settled for the main copy.
type QualitySummary struct {
	CriticAttempts     int               `json:"criticAttempts"`
	ValidatorAttempts  int               `json:"validatorAttempts"`
	TotalAttempts      int               `json:"totalAttempts"`
	CriticExhausted    bool              `json:"criticExhausted"`
	ValidatorExhausted bool              `json:"validatorExhausted"`
	Report             *validator.Report `json:"report,omitempty"`
	Critique           *critic.Result    `json:"critique,omitempty"`
	Warnings           []string          `json:"warnings,omitempty"`
}

// CopySet is the final artifact of a run.
type CopySet struct {
	Main         string         `json:"main"`
	Shorter      string         `json:"shorter"`
	Warmer       string         `json:"warmer"`
	SubjectLines []string       `json:"subjectLines"`
	Segments     []Segment      `json:"segments,omitempty"`
	Quality      QualitySummary `json:"quality"`
}

func (CopySet) Kind() Kind { return KindCopySet }

func (c CopySet) Validate() error {
	switch {
	case strings.TrimSpace(c.Main) == "":
		return fmt.Errorf("main is empty")
	case strings.TrimSpace(c.Shorter) == "":
		return fmt.Errorf("shorter is empty")
	case strings.TrimSpace(c.Warmer) == "":
		return fmt.Errorf("warmer is empty")
	case len(c.SubjectLines) == 0:
		return fmt.Errorf("subjectLines is empty")
	}
	for i, s := range c.SubjectLines {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("subjectLines[%d] is empty", i)
		}
	}
	q := c.Quality
	if q.TotalAttempts != q.CriticAttempts+q.ValidatorAttempts {
		return fmt.Errorf("totalAttempts %d != criticAttempts %d + validatorAttempts %d", q.TotalAttempts, q.CriticAttempts, q.ValidatorAttempts)
	}
	return nil
}
