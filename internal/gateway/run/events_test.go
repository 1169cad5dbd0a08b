package run

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"copyflow/internal/runner"
)

func TestBrokerAssignsSequenceAndClosesOnTerminal(t *testing.T) {
	ctx := context.Background()
	b := NewEventBroker(time.Hour, nil)

	first, ok := b.Append(ctx, runner.Event{RunID: "r1", Type: runner.EventRunStarted})
	require.True(t, ok)
	assert.Equal(t, int64(1), first.Seq)
	assert.False(t, first.Timestamp.IsZero())

	replay, live, cancel, ok := b.Subscribe(ctx, "r1", 0, 4)
	require.True(t, ok)
	defer cancel()
	require.Len(t, replay, 1)

	b.Append(ctx, runner.Event{RunID: "r1", Type: runner.EventPhaseStarted, Phase: "analyze"})
	done, ok := b.Append(ctx, runner.Event{RunID: "r1", Type: runner.EventComplete})
	require.True(t, ok)
	assert.Equal(t, int64(3), done.Seq)

	_, ok = b.Append(ctx, runner.Event{RunID: "r1", Type: runner.EventError})
	assert.False(t, ok, "nothing follows the terminal event")

	var got []runner.EventType
	for ev := range live {
		got = append(got, ev.Type)
	}
	assert.Equal(t, []runner.EventType{runner.EventPhaseStarted, runner.EventComplete}, got)

	events, ok := b.Events("r1")
	require.True(t, ok)
	assert.Len(t, events, 3)
}

func TestBrokerSubscribeAfterClose(t *testing.T) {
	ctx := context.Background()
	b := NewEventBroker(time.Hour, nil)
	b.Append(ctx, runner.Event{RunID: "r1", Type: runner.EventRunStarted})
	b.Append(ctx, runner.Event{RunID: "r1", Type: runner.EventError})

	replay, live, _, ok := b.Subscribe(ctx, "r1", 1, 0)
	require.True(t, ok)
	require.Len(t, replay, 1)
	assert.Equal(t, runner.EventError, replay[0].Type)
	_, open := <-live
	assert.False(t, open)

	_, _, _, ok = b.Subscribe(ctx, "unknown", 0, 0)
	assert.False(t, ok)
}

func TestBrokerDropsSlowSubscriber(t *testing.T) {
	ctx := context.Background()
	b := NewEventBroker(time.Hour, nil)
	b.Append(ctx, runner.Event{RunID: "r1", Type: runner.EventRunStarted})

	_, live, cancel, ok := b.Subscribe(ctx, "r1", 1, 1)
	require.True(t, ok)
	defer cancel()

	b.Append(ctx, runner.Event{RunID: "r1", Type: runner.EventPhaseStarted})
	b.Append(ctx, runner.Event{RunID: "r1", Type: runner.EventPhaseCompleted})

	ev, open := <-live
	require.True(t, open)
	assert.Equal(t, int64(2), ev.Seq)
	notice, open := <-live
	require.True(t, open, "a lag notice precedes the close")
	assert.Equal(t, runner.EventLagged, notice.Type)
	assert.Equal(t, int64(0), notice.Seq)
	assert.Equal(t, map[string]any{"afterSeq": int64(2)}, notice.Data)
	_, open = <-live
	assert.False(t, open, "subscriber that fell behind is closed")

	replay, _, cancel2, ok := b.Subscribe(ctx, "r1", 2, 4)
	require.True(t, ok)
	defer cancel2()
	require.Len(t, replay, 1, "resubscribing after the notice loses nothing")
	assert.Equal(t, int64(3), replay[0].Seq)
}

func TestBrokerCleansUpClosedLogs(t *testing.T) {
	ctx := context.Background()
	b := NewEventBroker(10*time.Millisecond, nil)
	b.Append(ctx, runner.Event{RunID: "r1", Type: runner.EventRunStarted})
	b.Append(ctx, runner.Event{RunID: "r1", Type: runner.EventComplete})

	assert.Eventually(t, func() bool {
		_, ok := b.Events("r1")
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestNDJSONSink(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer
	b := NewEventBroker(time.Hour, nil, NewNDJSONSink(&buf))
	b.Append(ctx, runner.Event{RunID: "r1", Type: runner.EventRunStarted, Message: "start"})
	b.Append(ctx, runner.Event{RunID: "r1", Type: runner.EventComplete, Data: map[string]any{"main": "copy"}})

	sc := bufio.NewScanner(&buf)
	var lines []runner.Event
	for sc.Scan() {
		var ev runner.Event
		require.NoError(t, json.Unmarshal(sc.Bytes(), &ev))
		lines = append(lines, ev)
	}
	require.Len(t, lines, 2)
	assert.Equal(t, "start", lines[0].Message)
	assert.Equal(t, int64(2), lines[1].Seq)
}

func TestNATSSinkPublishesPerRunSubject(t *testing.T) {
	ns, err := server.NewServer(&server.Options{Host: "127.0.0.1", Port: -1, NoLog: true, NoSigs: true})
	require.NoError(t, err)
	go ns.Start()
	t.Cleanup(ns.Shutdown)
	require.True(t, ns.ReadyForConnections(5*time.Second))

	sink, err := ConnectNATS(ns.ClientURL(), "")
	require.NoError(t, err)
	t.Cleanup(sink.Close)
	assert.Equal(t, "copyflow.runs.r1", sink.Subject("r1"))

	nc, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	sub, err := nc.SubscribeSync("copyflow.runs.*")
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	b := NewEventBroker(time.Hour, nil, sink)
	b.Append(context.Background(), runner.Event{RunID: "r1", Type: runner.EventRunStarted})

	msg, err := sub.NextMsg(5 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "copyflow.runs.r1", msg.Subject)
	var ev runner.Event
	require.NoError(t, json.Unmarshal(msg.Data, &ev))
	assert.Equal(t, runner.EventRunStarted, ev.Type)
	assert.Equal(t, int64(1), ev.Seq)
}

func TestTraceLoggerRoundTrip(t *testing.T) {
	ctx := context.Background()
	l, err := NewTraceLogger(t.TempDir())
	require.NoError(t, err)

	_, ok, err := l.Read(ctx, "r/1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, l.Publish(ctx, runner.Event{Seq: 1, RunID: "r/1", Type: runner.EventRunStarted}))
	require.NoError(t, l.Publish(ctx, runner.Event{Seq: 2, RunID: "r/1", Type: runner.EventComplete}))

	events, ok, err := l.Read(ctx, "r/1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, events, 2)
	assert.Equal(t, runner.EventComplete, events[1].Type)

	_, err = NewTraceLogger(" ")
	require.Error(t, err)
}

type staticHistory map[string][]runner.Event

func (h staticHistory) Read(_ context.Context, runID string) ([]runner.Event, bool, error) {
	evs, ok := h[runID]
	return evs, ok, nil
}

func TestBrokerContinuesFromHistory(t *testing.T) {
	ctx := context.Background()
	b := NewEventBroker(time.Hour, nil).WithHistory(staticHistory{
		"r1": {
			{Seq: 2, RunID: "r1", Type: runner.EventPhaseStarted},
			{Seq: 1, RunID: "r1", Type: runner.EventRunStarted},
			{Seq: 2, RunID: "r1", Type: runner.EventPhaseStarted},
		},
		"done": {
			{Seq: 1, RunID: "done", Type: runner.EventRunStarted},
			{Seq: 2, RunID: "done", Type: runner.EventComplete},
		},
	})

	replay, _, cancel, ok := b.Subscribe(ctx, "r1", 0, 4)
	require.True(t, ok, "recorded runs are watchable before anything new is appended")
	cancel()
	require.Len(t, replay, 2)
	assert.Equal(t, runner.EventRunStarted, replay[0].Type)

	next, ok := b.Append(ctx, runner.Event{RunID: "r1", Type: runner.EventResumed})
	require.True(t, ok)
	assert.Equal(t, int64(3), next.Seq)

	_, ok = b.Append(ctx, runner.Event{RunID: "done", Type: runner.EventError})
	assert.False(t, ok, "a recorded terminal event keeps the log closed")

	fresh, ok := b.Append(ctx, runner.Event{RunID: "new", Type: runner.EventRunStarted})
	require.True(t, ok)
	assert.Equal(t, int64(1), fresh.Seq)
}
