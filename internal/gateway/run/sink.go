package run

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"

	"copyflow/internal/runner"
)

// NDJSONSink writes each event as one JSON line.
type NDJSONSink struct {
	mu sync.Mutex
	w  io.Writer
}

func NewNDJSONSink(w io.Writer) *NDJSONSink {
	return &NDJSONSink{w: w}
}

func (s *NDJSONSink) Publish(_ context.Context, ev runner.Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	raw = append(raw, '\n')
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.w.Write(raw)
	return err
}

// NATSSink publishes events to "<prefix>.<run id>".
type NATSSink struct {
	conn   *nats.Conn
	prefix string
}

func NewNATSSink(conn *nats.Conn, prefix string) *NATSSink {
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = "copyflow.runs"
	}
	return &NATSSink{conn: conn, prefix: prefix}
}

// ConnectNATS dials url and wraps the connection in a sink.
func ConnectNATS(url, prefix string) (*NATSSink, error) {
	nc, err := nats.Connect(url, nats.Name("copyflow"))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return NewNATSSink(nc, prefix), nil
}

// Subject returns the subject events of runID are published on.
func (s *NATSSink) Subject(runID string) string {
	return s.prefix + "." + runID
}

func (s *NATSSink) Publish(_ context.Context, ev runner.Event) error {
	if s == nil || s.conn == nil {
		return fmt.Errorf("nats sink is not connected")
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return s.conn.Publish(s.Subject(ev.RunID), raw)
}

func (s *NATSSink) Close() {
	if s != nil && s.conn != nil {
		s.conn.Close()
	}
}
