package artifact

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	core "copyflow/internal/artifact"
	"copyflow/internal/task"
)

type fullStore interface {
	RunStore
	Store
	EventLog
}

func draftArtifact(t *testing.T, runID string, index, version int, text string) core.PhaseArtifact {
	t.Helper()
	a, err := core.New(runID, index, "write", version, core.Draft{
		Segments: []core.Segment{{Name: "hook", Text: text}},
		Text:     text,
		Loop:     "initial",
	})
	require.NoError(t, err)
	return a
}

func exerciseStore(t *testing.T, s fullStore) {
	ctx := context.Background()
	runID := uuid.NewString()
	now := time.Now().UTC().Truncate(time.Millisecond)

	run := Run{
		ID:          runID,
		ContentType: "email",
		Spec:        task.Specification{ContentType: "email", Goal: "book demos", RawInputs: []string{"We cut onboarding to 2 days."}},
		Status:      StatusPending,
		Phases:      []string{"analyze", "write"},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	require.NoError(t, s.CreateRun(ctx, run))
	require.ErrorIs(t, s.CreateRun(ctx, run), ErrRunExists)

	got, err := s.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, []string{"analyze", "write"}, got.Phases)

	_, err = s.GetRun(ctx, uuid.NewString())
	require.ErrorIs(t, err, ErrNotFound)

	boom := errors.New("boom")
	_, err = s.UpdateRun(ctx, runID, func(r *Run) error {
		r.Status = StatusFailed
		return boom
	})
	require.ErrorIs(t, err, boom)
	got, err = s.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status, "aborted update must not persist")

	expires := now.Add(time.Hour)
	updated, err := s.UpdateRun(ctx, runID, func(r *Run) error {
		r.Status = StatusAwaitingInput
		r.PhaseIndex = 1
		r.ExpiresAt = &expires
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, StatusAwaitingInput, updated.Status)

	waiting, err := s.ListRuns(ctx, StatusAwaitingInput)
	require.NoError(t, err)
	ids := make([]string, 0, len(waiting))
	for _, r := range waiting {
		ids = append(ids, r.ID)
	}
	assert.Contains(t, ids, runID)

	v1 := draftArtifact(t, runID, 1, 1, "first")
	v2 := draftArtifact(t, runID, 1, 2, "second")
	facts, err := core.New(runID, 0, "analyze", 1, core.FactSheet{Summary: "Faster onboarding for ops teams.", Facts: []core.Fact{{Category: "offer", Statement: "Onboarding takes 2 days."}}})
	require.NoError(t, err)

	require.NoError(t, s.PutArtifact(ctx, v2))
	require.NoError(t, s.PutArtifact(ctx, v1))
	require.NoError(t, s.PutArtifact(ctx, facts))
	require.ErrorIs(t, s.PutArtifact(ctx, v1), ErrArtifactExists)

	latest, ok, err := s.Latest(ctx, runID, "write")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, latest.Version)
	d, err := core.Decode[core.Draft](latest)
	require.NoError(t, err)
	assert.Equal(t, "second", d.Text)

	_, ok, err = s.Latest(ctx, runID, "variants")
	require.NoError(t, err)
	assert.False(t, ok)

	list, err := s.ListArtifacts(ctx, runID)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "analyze", list[0].Phase)
	assert.Equal(t, 1, list[1].Version)
	assert.Equal(t, 2, list[2].Version)

	one, err := s.GetArtifact(ctx, v1.Key())
	require.NoError(t, err)
	assert.Equal(t, core.KindDraft, one.Kind)

	_, err = s.GetArtifact(ctx, core.Key{RunID: runID, PhaseIndex: 9, Phase: "write", Version: 1})
	require.ErrorIs(t, err, ErrNotFound)

	none, err := s.ListEvents(ctx, runID)
	require.NoError(t, err)
	assert.Empty(t, none)
	require.NoError(t, s.AppendEvent(ctx, EventRecord{RunID: runID, Seq: 2, Payload: []byte(`{"type":"phase_started"}`)}))
	require.NoError(t, s.AppendEvent(ctx, EventRecord{RunID: runID, Seq: 1, Payload: []byte(`{"type":"run_started"}`)}))
	require.ErrorIs(t, s.AppendEvent(ctx, EventRecord{RunID: runID, Seq: 2, Payload: []byte(`{}`)}), ErrEventExists)
	require.Error(t, s.AppendEvent(ctx, EventRecord{RunID: runID, Seq: 0, Payload: []byte(`{}`)}))
	events, err := s.ListEvents(ctx, runID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(1), events[0].Seq)
	assert.JSONEq(t, `{"type":"run_started"}`, string(events[0].Payload))
	assert.Equal(t, int64(2), events[1].Seq)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestMemoryStoreRejectsIncompleteArtifacts(t *testing.T) {
	s := NewMemoryStore()
	err := s.PutArtifact(context.Background(), core.PhaseArtifact{RunID: "r", Phase: "write", Version: 0, Kind: core.KindDraft})
	require.Error(t, err)
	_, err = s.ListArtifacts(context.Background(), "  ")
	require.Error(t, err)
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.CreateRun(ctx, Run{ID: "r1", Phases: []string{"analyze"}}))

	got, err := s.GetRun(ctx, "r1")
	require.NoError(t, err)
	got.Phases[0] = "mutated"

	again, err := s.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "analyze", again.Phases[0])
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("COPYFLOW_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("COPYFLOW_TEST_POSTGRES_DSN not set")
	}
	s, err := OpenPostgres(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	exerciseStore(t, s)
}

func TestObjectKeyRoundTrip(t *testing.T) {
	k := core.Key{RunID: "run-1", PhaseIndex: 3, Phase: "write", Version: 12}
	assert.Equal(t, "run-1/003-write/v000012.json", objectKey(k))

	parsed, ok := parseObjectKey(objectKey(k))
	require.True(t, ok)
	assert.Equal(t, k, parsed)

	for _, bad := range []string{"run-1/write/v1.json", "run-1/x-write/v1.json", "run-1/003-write/v0.json", "run-1/003-write"} {
		_, ok := parseObjectKey(bad)
		assert.False(t, ok, bad)
	}
}

func TestLatestKey(t *testing.T) {
	keys := []core.Key{
		{RunID: "r", PhaseIndex: 3, Phase: "write", Version: 1},
		{RunID: "r", PhaseIndex: 3, Phase: "write", Version: 3},
		{RunID: "r", PhaseIndex: 2, Phase: "answers", Version: 1},
		{RunID: "r", PhaseIndex: 3, Phase: "write", Version: 2},
	}
	k, ok := latestKey(keys, "write")
	require.True(t, ok)
	assert.Equal(t, 3, k.Version)

	_, ok = latestKey(keys, "variants")
	assert.False(t, ok)
}
