package run

import (
	"context"
	"encoding/json"
	"fmt"

	artifactrepo "copyflow/internal/gateway/repository/artifact"
	"copyflow/internal/runner"
)

// EventJournal records run events in the run store so a run's log survives
// a restart of the process. It is both a Sink and a History.
type EventJournal struct {
	log artifactrepo.EventLog
}

func NewEventJournal(log artifactrepo.EventLog) *EventJournal {
	return &EventJournal{log: log}
}

// Publish stores ev under its run and sequence number. The write is not
// tied to the caller's cancellation: a recorded event must not be lost
// because the request that produced it ended.
func (j *EventJournal) Publish(ctx context.Context, ev runner.Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return j.log.AppendEvent(context.WithoutCancel(ctx), artifactrepo.EventRecord{
		RunID:   ev.RunID,
		Seq:     ev.Seq,
		Payload: raw,
	})
}

// Read returns the recorded events of runID in sequence order.
func (j *EventJournal) Read(ctx context.Context, runID string) ([]runner.Event, bool, error) {
	recs, err := j.log.ListEvents(ctx, runID)
	if err != nil {
		return nil, false, err
	}
	if len(recs) == 0 {
		return nil, false, nil
	}
	out := make([]runner.Event, 0, len(recs))
	for _, rec := range recs {
		var ev runner.Event
		if err := json.Unmarshal(rec.Payload, &ev); err != nil {
			return nil, false, fmt.Errorf("decode event %s/%d: %w", rec.RunID, rec.Seq, err)
		}
		ev.Seq = rec.Seq
		out = append(out, ev)
	}
	return out, true, nil
}
