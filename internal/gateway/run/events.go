package run

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"copyflow/internal/runner"
)

const defaultEventRetention = 30 * time.Second

// Sink receives every event appended to any run log.
type Sink interface {
	Publish(ctx context.Context, ev runner.Event) error
}

// History loads the events a run recorded before this process held its log.
// ok is false when nothing was recorded.
type History interface {
	Read(ctx context.Context, runID string) (events []runner.Event, ok bool, err error)
}

// eventLog is the append-only event sequence of one run. It outlives
// suspensions and process restarts, and closes on the first terminal event.
type eventLog struct {
	events  []runner.Event
	closed  bool
	subs    map[int]chan runner.Event
	nextSub int
}

// EventBroker keeps per-run event logs and fans appended events out to live
// subscribers and sinks.
type EventBroker struct {
	mu        sync.Mutex
	logs      map[string]*eventLog
	sinks     []Sink
	history   History
	retention time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

// NewEventBroker creates a broker. Closed logs are dropped after retention.
func NewEventBroker(retention time.Duration, logger *zap.Logger, sinks ...Sink) *EventBroker {
	if retention <= 0 {
		retention = defaultEventRetention
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventBroker{
		logs:      make(map[string]*eventLog),
		sinks:     sinks,
		retention: retention,
		logger:    logger,
		now:       time.Now,
	}
}

// WithHistory makes the broker restore a run's recorded events before it
// first appends to or subscribes to that run.
func (b *EventBroker) WithHistory(h History) *EventBroker {
	b.mu.Lock()
	b.history = h
	b.mu.Unlock()
	return b
}

func (b *EventBroker) hasHistory() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.history != nil
}

// addSink registers s for events appended from now on.
func (b *EventBroker) addSink(s Sink) {
	b.mu.Lock()
	b.sinks = append(b.sinks, s)
	b.mu.Unlock()
}

// restore loads runID's log from history when the broker holds none. With
// create set, an empty log is added for a run that has no history.
func (b *EventBroker) restore(ctx context.Context, runID string, create bool) {
	b.mu.Lock()
	_, held := b.logs[runID]
	history := b.history
	b.mu.Unlock()
	if held {
		return
	}

	var past []runner.Event
	found := false
	if history != nil {
		var err error
		past, found, err = history.Read(ctx, runID)
		if err != nil {
			b.logger.Warn("event history unavailable", zap.String("run_id", runID), zap.Error(err))
			past, found = nil, false
		}
	}
	if !found && !create {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.logs[runID]; ok {
		return
	}
	lg := &eventLog{events: orderedEvents(past), subs: make(map[int]chan runner.Event)}
	if n := len(lg.events); n > 0 && lg.events[n-1].Type.Terminal() {
		lg.closed = true
		b.scheduleCleanup(runID)
	}
	b.logs[runID] = lg
}

// orderedEvents sorts recorded events by Seq and drops repeated numbers.
func orderedEvents(events []runner.Event) []runner.Event {
	sorted := append([]runner.Event(nil), events...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Seq < sorted[j].Seq })
	out := sorted[:0]
	var last int64
	for _, ev := range sorted {
		if ev.Seq <= last {
			continue
		}
		out = append(out, ev)
		last = ev.Seq
	}
	return out
}

// Append assigns the next sequence number and timestamp, records ev and
// delivers it. Events for a closed log are dropped and reported as false.
func (b *EventBroker) Append(ctx context.Context, ev runner.Event) (runner.Event, bool) {
	runID := strings.TrimSpace(ev.RunID)
	if runID == "" {
		return ev, false
	}
	ev.RunID = runID
	b.restore(ctx, runID, true)

	b.mu.Lock()
	lg := b.logs[runID]
	if lg.closed {
		b.mu.Unlock()
		b.logger.Warn("event after terminal event dropped", zap.String("run_id", runID), zap.String("type", string(ev.Type)))
		return ev, false
	}
	ev.Seq = 1
	if n := len(lg.events); n > 0 {
		ev.Seq = lg.events[n-1].Seq + 1
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = b.now().UTC()
	}
	lg.events = append(lg.events, ev)
	for id, ch := range lg.subs {
		// the last slot of every subscriber channel is kept for the lag notice
		if len(ch) < cap(ch)-1 {
			ch <- ev
			continue
		}
		ch <- lagged(runID, ev.Seq-1, b.now().UTC())
		close(ch)
		delete(lg.subs, id)
	}
	if ev.Type.Terminal() {
		lg.closed = true
		for id, ch := range lg.subs {
			close(ch)
			delete(lg.subs, id)
		}
		b.scheduleCleanup(runID)
	}
	sinks := b.sinks
	b.mu.Unlock()

	for _, s := range sinks {
		if err := s.Publish(ctx, ev); err != nil {
			b.logger.Warn("event sink publish failed", zap.String("run_id", runID), zap.Error(err))
		}
	}
	return ev, true
}

// lagged tells a subscriber that fell behind where to resubscribe from. It
// is not part of the run's log and carries no sequence number.
func lagged(runID string, delivered int64, at time.Time) runner.Event {
	return runner.Event{
		RunID:     runID,
		Type:      runner.EventLagged,
		Message:   fmt.Sprintf("subscriber fell behind; resubscribe after seq %d", delivered),
		Timestamp: at,
		Data:      map[string]any{"afterSeq": delivered},
	}
}

// Subscribe returns the events after afterSeq plus a channel of later
// events, restoring the run's recorded history first. The channel is closed
// after the terminal event, by cancel, or after a lagged event when the
// consumer falls behind. ok is false when there is no log for the run.
func (b *EventBroker) Subscribe(ctx context.Context, runID string, afterSeq int64, buffer int) (replay []runner.Event, live <-chan runner.Event, cancel func(), ok bool) {
	runID = strings.TrimSpace(runID)
	if buffer <= 0 {
		buffer = 64
	}
	b.restore(ctx, runID, false)
	b.mu.Lock()
	defer b.mu.Unlock()
	lg, found := b.logs[runID]
	if !found {
		return nil, nil, func() {}, false
	}
	for _, ev := range lg.events {
		if ev.Seq > afterSeq {
			replay = append(replay, ev)
		}
	}
	ch := make(chan runner.Event, buffer+1)
	if lg.closed {
		close(ch)
		return replay, ch, func() {}, true
	}
	id := lg.nextSub
	lg.nextSub++
	lg.subs[id] = ch
	cancel = func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := lg.subs[id]; ok {
			close(c)
			delete(lg.subs, id)
		}
	}
	return replay, ch, cancel, true
}

// Events returns a copy of the run's log.
func (b *EventBroker) Events(runID string) ([]runner.Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	lg, ok := b.logs[strings.TrimSpace(runID)]
	if !ok {
		return nil, false
	}
	return append([]runner.Event(nil), lg.events...), true
}

// scheduleCleanup removes a closed run log after the retention period.
func (b *EventBroker) scheduleCleanup(runID string) {
	time.AfterFunc(b.retention, func() {
		b.mu.Lock()
		if lg, ok := b.logs[runID]; ok && lg.closed {
			delete(b.logs, runID)
		}
		b.mu.Unlock()
	})
}
