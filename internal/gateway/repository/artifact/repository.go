package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	core "copyflow/internal/artifact"
	"copyflow/internal/task"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrArtifactExists = errors.New("artifact version already exists")
	ErrRunExists      = errors.New("run already exists")
	ErrEventExists    = errors.New("event sequence already recorded")
)

// Status is the lifecycle state of a pipeline run.
type Status string

const (
	StatusPending       Status = "pending"
	StatusRunning       Status = "running"
	StatusAwaitingInput Status = "awaiting_input"
	StatusCompleted     Status = "completed"
	StatusFailed        Status = "failed"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ErrorView is the stored form of a run failure.
type ErrorView struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Phase      string `json:"phase,omitempty"`
	PhaseIndex int    `json:"phaseIndex"`
	Retryable  bool   `json:"retryable"`
}

// Run is one pipeline run. PhaseIndex points at the phase being executed,
// or at the gate while the run awaits input.
type Run struct {
	ID          string               `json:"id"`
	ContentType string               `json:"contentType"`
	Spec        task.Specification   `json:"spec"`
	Status      Status               `json:"status"`
	PhaseIndex  int                  `json:"phaseIndex"`
	PhaseName   string               `json:"phaseName"`
	Phases      []string             `json:"phases"`
	Error       *ErrorView           `json:"error,omitempty"`
	Attempts    *core.QualitySummary `json:"attempts,omitempty"`
	CreatedAt   time.Time            `json:"createdAt"`
	UpdatedAt   time.Time            `json:"updatedAt"`
	SuspendedAt *time.Time           `json:"suspendedAt,omitempty"`
	ExpiresAt   *time.Time           `json:"expiresAt,omitempty"`
}

// RunStore persists run records.
type RunStore interface {
	CreateRun(ctx context.Context, run Run) error
	GetRun(ctx context.Context, id string) (Run, error)
	// UpdateRun applies fn to the stored record atomically. An error from
	// fn aborts the update and is returned unchanged.
	UpdateRun(ctx context.Context, id string, fn func(*Run) error) (Run, error)
	ListRuns(ctx context.Context, status Status) ([]Run, error)
}

// EventRecord is one persisted progress event of a run.
type EventRecord struct {
	RunID   string          `json:"runId"`
	Seq     int64           `json:"seq"`
	Payload json.RawMessage `json:"payload"`
}

// EventLog persists each run's progress events so a run's stream outlives
// the process that produced it. Seq is unique per run.
type EventLog interface {
	AppendEvent(ctx context.Context, rec EventRecord) error
	// ListEvents returns the run's events ordered by Seq.
	ListEvents(ctx context.Context, runID string) ([]EventRecord, error)
}

// Store persists write-once phase artifacts.
type Store interface {
	PutArtifact(ctx context.Context, a core.PhaseArtifact) error
	GetArtifact(ctx context.Context, key core.Key) (core.PhaseArtifact, error)
	// ListArtifacts returns every artifact of the run ordered by phase
	// index, then version.
	ListArtifacts(ctx context.Context, runID string) ([]core.PhaseArtifact, error)
	// Latest returns the highest version stored for phase.
	Latest(ctx context.Context, runID, phase string) (core.PhaseArtifact, bool, error)
}

func checkArtifact(a core.PhaseArtifact) error {
	switch {
	case strings.TrimSpace(a.RunID) == "":
		return fmt.Errorf("run_id is required")
	case strings.TrimSpace(a.Phase) == "":
		return fmt.Errorf("phase is required")
	case a.PhaseIndex < 0:
		return fmt.Errorf("phase index must not be negative")
	case a.Version < 1:
		return fmt.Errorf("version must be >= 1")
	case a.Kind == "":
		return fmt.Errorf("kind is required")
	}
	return nil
}

func checkEvent(rec EventRecord) (EventRecord, error) {
	id, err := checkRunID(rec.RunID)
	if err != nil {
		return rec, err
	}
	if rec.Seq < 1 {
		return rec, fmt.Errorf("event seq must be >= 1")
	}
	if !json.Valid(rec.Payload) {
		return rec, fmt.Errorf("event payload is not valid json")
	}
	rec.RunID = id
	return rec, nil
}

func checkRunID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("run_id is required")
	}
	return id, nil
}

func sortArtifacts(items []core.PhaseArtifact) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.PhaseIndex != b.PhaseIndex {
			return a.PhaseIndex < b.PhaseIndex
		}
		if a.Phase != b.Phase {
			return a.Phase < b.Phase
		}
		return a.Version < b.Version
	})
}

func cloneRun(r Run) Run {
	out := r
	out.Phases = append([]string(nil), r.Phases...)
	out.Spec.RawInputs = append([]string(nil), r.Spec.RawInputs...)
	out.Spec.Voice.Avoid = append([]string(nil), r.Spec.Voice.Avoid...)
	if r.Error != nil {
		e := *r.Error
		out.Error = &e
	}
	if r.Attempts != nil {
		q := *r.Attempts
		out.Attempts = &q
	}
	if r.SuspendedAt != nil {
		t := *r.SuspendedAt
		out.SuspendedAt = &t
	}
	if r.ExpiresAt != nil {
		t := *r.ExpiresAt
		out.ExpiresAt = &t
	}
	return out
}

func sortRuns(runs []Run) {
	sort.SliceStable(runs, func(i, j int) bool {
		if !runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].CreatedAt.Before(runs[j].CreatedAt)
		}
		return runs[i].ID < runs[j].ID
	})
}
