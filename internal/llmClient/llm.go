package llmclient

import (
	"context"
	"encoding/json"
	"errors"
)

var ErrInvalidJSON = errors.New("invalid json from LLM")

// Request is one structured generation call: the JSON schema the answer must
// satisfy, the system instructions, and the user prompt.
type Request struct {
	Schema       json.RawMessage `json:"schema,omitempty"`
	Instructions string          `json:"instructions"`
	Prompt       string          `json:"prompt"`
}

// LLMClient is the Generation Gateway. Implementations only perform the call;
// rate limiting, retries, deadlines and logging are added by middleware.
type LLMClient interface {
	Name() string
	GenerateJSON(ctx context.Context, req Request) (json.RawMessage, error)
	Close() error
}

// PermanentError indicates an error that will not resolve with retries.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

func NewPermanentError(err error) error {
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}

// extractJSON trims code fences and prose around the first JSON object.
func extractJSON(txt string) (json.RawMessage, error) {
	start, end := -1, -1
	for i := 0; i < len(txt); i++ {
		if txt[i] == '{' || txt[i] == '[' {
			start = i
			break
		}
	}
	for i := len(txt) - 1; i >= 0; i-- {
		if txt[i] == '}' || txt[i] == ']' {
			end = i
			break
		}
	}
	if start < 0 || end < start {
		return nil, ErrInvalidJSON
	}
	raw := json.RawMessage(txt[start : end+1])
	if !json.Valid(raw) {
		return nil, ErrInvalidJSON
	}
	return raw, nil
}
