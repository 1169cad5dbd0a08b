package runner

import (
	"context"
	"time"
)

// EventType names a progress record.
type EventType string

const (
	EventRunStarted     EventType = "run_started"
	EventPhaseStarted   EventType = "phase_started"
	EventPhaseCompleted EventType = "phase_completed"
	EventAttempt        EventType = "attempt"
	EventInputRequired  EventType = "input_required"
	EventResumed        EventType = "resumed"
	EventComplete       EventType = "complete"
	EventError          EventType = "error"
	// EventLagged is sent to a live subscriber that fell behind, right
	// before its stream closes. It is never recorded in a run's log.
	EventLagged EventType = "lagged"
)

// Terminal reports whether the type closes a run's stream.
func (t EventType) Terminal() bool {
	return t == EventComplete || t == EventError
}

// Event is one progress record. Seq is assigned by the run's event log and
// is strictly increasing per run.
type Event struct {
	Seq        int64     `json:"seq"`
	RunID      string    `json:"runId"`
	Type       EventType `json:"type"`
	Phase      string    `json:"phase,omitempty"`
	PhaseIndex int       `json:"phaseIndex"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
	Data       any       `json:"data,omitempty"`
}

// Emitter receives events during execution.
type Emitter interface {
	Emit(ev Event)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(Event)

func (f EmitterFunc) Emit(ev Event) { f(ev) }

type emitterKey struct{}

// WithEmitter attaches an emitter to the context.
func WithEmitter(ctx context.Context, emitter Emitter) context.Context {
	return context.WithValue(ctx, emitterKey{}, emitter)
}

// EmitterFrom retrieves the emitter from context, or returns a no-op emitter.
func EmitterFrom(ctx context.Context) Emitter {
	if e, ok := ctx.Value(emitterKey{}).(Emitter); ok && e != nil {
		return e
	}
	return noopEmitter{}
}

// noopEmitter discards all events.
type noopEmitter struct{}

func (noopEmitter) Emit(Event) {}
