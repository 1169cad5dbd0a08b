package artifact

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	core "copyflow/internal/artifact"
)

// MemoryStore keeps runs, artifacts and run events in process memory. It
// implements RunStore, Store and EventLog.
type MemoryStore struct {
	mu        sync.RWMutex
	runs      map[string]Run
	artifacts map[string][]core.PhaseArtifact
	events    map[string][]EventRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:      make(map[string]Run),
		artifacts: make(map[string][]core.PhaseArtifact),
		events:    make(map[string][]EventRecord),
	}
}

func (s *MemoryStore) CreateRun(_ context.Context, run Run) error {
	if s == nil {
		return fmt.Errorf("store is nil")
	}
	id, err := checkRunID(run.ID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[id]; ok {
		return fmt.Errorf("%w: %s", ErrRunExists, id)
	}
	run.ID = id
	s.runs[id] = cloneRun(run)
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, id string) (Run, error) {
	if s == nil {
		return Run{}, fmt.Errorf("store is nil")
	}
	id, err := checkRunID(id)
	if err != nil {
		return Run{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return Run{}, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return cloneRun(run), nil
}

func (s *MemoryStore) UpdateRun(_ context.Context, id string, fn func(*Run) error) (Run, error) {
	if s == nil {
		return Run{}, fmt.Errorf("store is nil")
	}
	id, err := checkRunID(id)
	if err != nil {
		return Run{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return Run{}, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	next := cloneRun(run)
	if err := fn(&next); err != nil {
		return Run{}, err
	}
	next.ID = id
	s.runs[id] = cloneRun(next)
	return next, nil
}

func (s *MemoryStore) ListRuns(_ context.Context, status Status) ([]Run, error) {
	if s == nil {
		return nil, fmt.Errorf("store is nil")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Run, 0, len(s.runs))
	for _, run := range s.runs {
		if status != "" && run.Status != status {
			continue
		}
		out = append(out, cloneRun(run))
	}
	sortRuns(out)
	return out, nil
}

func (s *MemoryStore) PutArtifact(_ context.Context, a core.PhaseArtifact) error {
	if s == nil {
		return fmt.Errorf("store is nil")
	}
	if err := checkArtifact(a); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.artifacts[a.RunID] {
		if existing.Key() == a.Key() {
			return fmt.Errorf("%w: %s", ErrArtifactExists, a.Key())
		}
	}
	a.Payload = append([]byte(nil), a.Payload...)
	s.artifacts[a.RunID] = append(s.artifacts[a.RunID], a)
	return nil
}

func (s *MemoryStore) GetArtifact(_ context.Context, key core.Key) (core.PhaseArtifact, error) {
	if s == nil {
		return core.PhaseArtifact{}, fmt.Errorf("store is nil")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.artifacts[key.RunID] {
		if a.Key() == key {
			return copyArtifact(a), nil
		}
	}
	return core.PhaseArtifact{}, fmt.Errorf("artifact %s: %w", key, ErrNotFound)
}

func (s *MemoryStore) ListArtifacts(_ context.Context, runID string) ([]core.PhaseArtifact, error) {
	if s == nil {
		return nil, fmt.Errorf("store is nil")
	}
	runID, err := checkRunID(runID)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.PhaseArtifact, 0, len(s.artifacts[runID]))
	for _, a := range s.artifacts[runID] {
		out = append(out, copyArtifact(a))
	}
	sortArtifacts(out)
	return out, nil
}

func (s *MemoryStore) Latest(_ context.Context, runID, phase string) (core.PhaseArtifact, bool, error) {
	if s == nil {
		return core.PhaseArtifact{}, false, fmt.Errorf("store is nil")
	}
	runID, err := checkRunID(runID)
	if err != nil {
		return core.PhaseArtifact{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best core.PhaseArtifact
	found := false
	for _, a := range s.artifacts[runID] {
		if a.Phase != phase {
			continue
		}
		if !found || a.Version > best.Version {
			best, found = a, true
		}
	}
	if !found {
		return core.PhaseArtifact{}, false, nil
	}
	return copyArtifact(best), true, nil
}

func copyArtifact(a core.PhaseArtifact) core.PhaseArtifact {
	a.Payload = append([]byte(nil), a.Payload...)
	return a
}

func (s *MemoryStore) AppendEvent(_ context.Context, rec EventRecord) error {
	if s == nil {
		return fmt.Errorf("store is nil")
	}
	rec, err := checkEvent(rec)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events[rec.RunID] {
		if e.Seq == rec.Seq {
			return fmt.Errorf("%w: %s#%d", ErrEventExists, rec.RunID, rec.Seq)
		}
	}
	rec.Payload = append(json.RawMessage(nil), rec.Payload...)
	s.events[rec.RunID] = append(s.events[rec.RunID], rec)
	return nil
}

func (s *MemoryStore) ListEvents(_ context.Context, runID string) ([]EventRecord, error) {
	if s == nil {
		return nil, fmt.Errorf("store is nil")
	}
	runID, err := checkRunID(runID)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := append([]EventRecord(nil), s.events[runID]...)
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}
