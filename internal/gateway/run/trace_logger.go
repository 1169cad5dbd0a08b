package run

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"copyflow/internal/runner"
)

var traceRunIDSanitizer = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

// TraceLogger persists every run's events into <dir>/<run>.jsonl so a run's
// progress can be replayed after its in-memory log is gone.
type TraceLogger struct {
	dir string
	mu  sync.Mutex
}

func NewTraceLogger(dir string) (*TraceLogger, error) {
	trimmed := strings.TrimSpace(dir)
	if trimmed == "" {
		return nil, fmt.Errorf("trace dir is required")
	}
	if err := os.MkdirAll(trimmed, 0o755); err != nil {
		return nil, fmt.Errorf("create trace dir: %w", err)
	}
	return &TraceLogger{dir: trimmed}, nil
}

func sanitizeRunID(runID string) string {
	id := strings.TrimSpace(runID)
	if id == "" {
		return "unknown"
	}
	return traceRunIDSanitizer.ReplaceAllString(id, "_")
}

func (l *TraceLogger) filePath(runID string) string {
	return filepath.Join(l.dir, sanitizeRunID(runID)+".jsonl")
}

// Publish appends one line for the event's run.
func (l *TraceLogger) Publish(_ context.Context, ev runner.Event) error {
	if l == nil || strings.TrimSpace(ev.RunID) == "" {
		return nil
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	raw = append(raw, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.OpenFile(l.filePath(ev.RunID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open trace file: %w", err)
	}
	defer f.Close()
	_, err = f.Write(raw)
	return err
}

// Read returns all persisted events for a run. ok is false when the run has
// no trace file.
func (l *TraceLogger) Read(_ context.Context, runID string) (events []runner.Event, ok bool, err error) {
	if l == nil {
		return nil, false, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.Open(l.filePath(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("open trace file: %w", err)
	}
	defer f.Close()

	out := make([]runner.Event, 0, 64)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var ev runner.Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			continue
		}
		out = append(out, ev)
	}
	if err := sc.Err(); err != nil {
		return nil, false, fmt.Errorf("scan trace file: %w", err)
	}
	return out, true, nil
}
