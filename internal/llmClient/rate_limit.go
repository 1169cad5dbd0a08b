package llmclient

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RateLimitHeaders represents normalized provider rate-limit signals.
type RateLimitHeaders struct {
	RetryAfter time.Duration

	LimitRequests     int
	LimitTokens       int
	RemainingRequests int
	RemainingTokens   int

	ResetRequests time.Duration
	ResetTokens   time.Duration
}

// RateLimitControlAdapter converts provider rate-limit signals to a wait duration.
// The retry middleware uses it without knowing provider details.
type RateLimitControlAdapter interface {
	NextWait(headers RateLimitHeaders) time.Duration
}

// HeaderRateLimitControlAdapter provides generic control behavior for normalized signals.
type HeaderRateLimitControlAdapter struct{}

func (HeaderRateLimitControlAdapter) NextWait(headers RateLimitHeaders) time.Duration {
	if headers.RetryAfter > 0 {
		return headers.RetryAfter
	}
	if headers.RemainingTokens == 0 && headers.ResetTokens > 0 {
		return headers.ResetTokens
	}
	if headers.RemainingRequests == 0 && headers.ResetRequests > 0 {
		return headers.ResetRequests
	}
	return 0
}

// RateLimitedError is a provider refusal that carries the provider's
// rate-limit signals. It stays retryable.
type RateLimitedError struct {
	Headers RateLimitHeaders
	Err     error
}

func (e *RateLimitedError) Error() string {
	if e.Headers.RetryAfter > 0 {
		return fmt.Sprintf("rate limited (retry after %s): %v", e.Headers.RetryAfter, e.Err)
	}
	return fmt.Sprintf("rate limited: %v", e.Err)
}
func (e *RateLimitedError) Unwrap() error { return e.Err }

// RateLimitOf returns the rate-limit signals attached to err, if any.
func RateLimitOf(err error) (RateLimitHeaders, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl.Headers, true
	}
	return RateLimitHeaders{}, false
}

// ParseRateLimitHeaders reads the retry-after and x-ratelimit-* headers
// OpenAI-compatible APIs send. Request fields count requests, token fields
// count tokens; reset values are Go-style durations ("1s", "6m0s").
func ParseRateLimitHeaders(h http.Header) (RateLimitHeaders, bool) {
	out := RateLimitHeaders{}
	found := false

	readInt := func(key string) (int, bool) {
		v := strings.TrimSpace(h.Get(key))
		if v == "" {
			return 0, false
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, false
		}
		return n, true
	}
	readDur := func(key string) (time.Duration, bool) {
		v := strings.TrimSpace(h.Get(key))
		if v == "" {
			return 0, false
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, false
		}
		return d, true
	}

	if v, ok := readInt("retry-after"); ok {
		out.RetryAfter = time.Duration(v) * time.Second
		found = true
	} else if v := strings.TrimSpace(h.Get("retry-after")); v != "" {
		if at, err := http.ParseTime(v); err == nil {
			if d := time.Until(at); d > 0 {
				out.RetryAfter = d
			}
			found = true
		}
	}
	if v, ok := readInt("x-ratelimit-limit-requests"); ok {
		out.LimitRequests = v
		found = true
	}
	if v, ok := readInt("x-ratelimit-limit-tokens"); ok {
		out.LimitTokens = v
		found = true
	}
	if v, ok := readInt("x-ratelimit-remaining-requests"); ok {
		out.RemainingRequests = v
		found = true
	}
	if v, ok := readInt("x-ratelimit-remaining-tokens"); ok {
		out.RemainingTokens = v
		found = true
	}
	if v, ok := readDur("x-ratelimit-reset-requests"); ok {
		out.ResetRequests = v
		found = true
	}
	if v, ok := readDur("x-ratelimit-reset-tokens"); ok {
		out.ResetTokens = v
		found = true
	}
	return out, found
}

// retryInfoDelay reads the google.rpc.RetryInfo detail Gemini attaches to
// RESOURCE_EXHAUSTED errors.
func retryInfoDelay(details []map[string]any) (time.Duration, bool) {
	for _, d := range details {
		typ, _ := d["@type"].(string)
		if !strings.HasSuffix(typ, "google.rpc.RetryInfo") {
			continue
		}
		raw, _ := d["retryDelay"].(string)
		delay, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil || delay <= 0 {
			continue
		}
		return delay, true
	}
	return 0, false
}
