package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	llmclient "copyflow/internal/llmClient"
)

// Responder produces a payload for a call that has no scripted response.
type Responder func(call string, req Request) (json.RawMessage, error)

// FakeCall is one recorded request.
type FakeCall struct {
	Call    string
	Phase   string
	Request Request
}

type fakeResponse struct {
	raw json.RawMessage
	err error
}

// FakeClient returns scripted payloads keyed by call label (see CallFrom),
// falling back to a Responder. Used for tests and offline runs.
type FakeClient struct {
	mu       sync.Mutex
	queues   map[string][]fakeResponse
	fallback Responder
	calls    []FakeCall
}

func NewFakeClient(fallback Responder) *FakeClient {
	return &FakeClient{queues: map[string][]fakeResponse{}, fallback: fallback}
}

func (f *FakeClient) Name() string { return "FakeLLM" }
func (f *FakeClient) Close() error { return nil }

// Push queues v (marshaled to JSON) for the next call labelled call.
func (f *FakeClient) Push(call string, v any) *FakeClient {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("fake llm: marshal scripted response: %v", err))
	}
	return f.PushRaw(call, string(raw))
}

// PushRaw queues a raw payload, valid JSON or not.
func (f *FakeClient) PushRaw(call, raw string) *FakeClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queues[call] = append(f.queues[call], fakeResponse{raw: json.RawMessage(raw)})
	return f
}

// PushError queues a failure.
func (f *FakeClient) PushError(call string, err error) *FakeClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queues[call] = append(f.queues[call], fakeResponse{err: err})
	return f
}

func (f *FakeClient) GenerateJSON(ctx context.Context, req Request) (json.RawMessage, error) {
	call := CallFrom(ctx)
	f.mu.Lock()
	f.calls = append(f.calls, FakeCall{Call: call, Phase: PhaseFrom(ctx), Request: req})
	var next *fakeResponse
	if q := f.queues[call]; len(q) > 0 {
		next = &q[0]
		f.queues[call] = q[1:]
	}
	fallback := f.fallback
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if next != nil {
		return next.raw, next.err
	}
	if fallback != nil {
		return fallback(call, req)
	}
	return nil, llmclient.NewPermanentError(fmt.Errorf("fake llm: no scripted response for %q", call))
}

// Calls returns the recorded requests for call, or all when call is "".
func (f *FakeClient) Calls(call string) []FakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]FakeCall, 0, len(f.calls))
	for _, c := range f.calls {
		if call == "" || c.Call == call {
			out = append(out, c)
		}
	}
	return out
}
