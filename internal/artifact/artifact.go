// Package artifact holds the tagged phase artifacts. Every payload carries
// its kind and is schema-checked on the way in and on the way out, so a phase
// cannot consume a structurally wrong artifact.
package artifact

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Kind tags an artifact payload.
type Kind string

const (
	KindFactSheet   Kind = "fact_sheet"
	KindInsightSet  Kind = "insight_set"
	KindQuestionSet Kind = "question_set"
	KindAnswerSet   Kind = "answer_set"
	KindDraft       Kind = "draft"
	KindCopySet     Kind = "copy_set"
)

var (
	ErrKindMismatch   = errors.New("artifact kind mismatch")
	ErrInvalidPayload = errors.New("invalid artifact payload")
)

// Payload is implemented by every artifact body.
type Payload interface {
	Kind() Kind
	Validate() error
}

// PhaseArtifact is one write-once phase output. (RunID, PhaseIndex, Phase,
// Version) identifies it; a regeneration is a new version.
type PhaseArtifact struct {
	RunID      string          `json:"runId"`
	PhaseIndex int             `json:"phaseIndex"`
	Phase      string          `json:"phase"`
	Kind       Kind            `json:"kind"`
	Version    int             `json:"version"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// Key is the storage identity of an artifact.
type Key struct {
	RunID      string
	PhaseIndex int
	Phase      string
	Version    int
}

func (a PhaseArtifact) Key() Key {
	return Key{RunID: a.RunID, PhaseIndex: a.PhaseIndex, Phase: a.Phase, Version: a.Version}
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%d-%s/v%d", k.RunID, k.PhaseIndex, k.Phase, k.Version)
}

// New validates p and wraps it. Version starts at 1.
func New(runID string, phaseIndex int, phase string, version int, p Payload) (PhaseArtifact, error) {
	if p == nil {
		return PhaseArtifact{}, fmt.Errorf("%w: nil payload", ErrInvalidPayload)
	}
	if version < 1 {
		return PhaseArtifact{}, fmt.Errorf("%w: version must be >= 1", ErrInvalidPayload)
	}
	if err := p.Validate(); err != nil {
		return PhaseArtifact{}, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, p.Kind(), err)
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return PhaseArtifact{}, fmt.Errorf("encode %s: %w", p.Kind(), err)
	}
	return PhaseArtifact{
		RunID:      runID,
		PhaseIndex: phaseIndex,
		Phase:      phase,
		Kind:       p.Kind(),
		Version:    version,
		Payload:    raw,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

// Decode parses a's payload as T after checking the kind tag, then runs
// T's own validation.
func Decode[T Payload](a PhaseArtifact) (T, error) {
	var out T
	if a.Kind != out.Kind() {
		return out, fmt.Errorf("%w: %s v%d is %q, want %q", ErrKindMismatch, a.Phase, a.Version, a.Kind, out.Kind())
	}
	if err := json.Unmarshal(a.Payload, &out); err != nil {
		return out, fmt.Errorf("%w: decode %s: %v", ErrInvalidPayload, a.Kind, err)
	}
	if err := out.Validate(); err != nil {
		return out, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, a.Kind, err)
	}
	return out, nil
}
