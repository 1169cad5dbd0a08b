// Package pipelineerr defines the error taxonomy shared by the generation
// pipeline. Each error carries a stable code so callers (CLI, RPC, HTTP) can
// decide whether to resubmit corrected input or simply retry.
package pipelineerr

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Code identifies an error category.
type Code string

const (
	CodeValidation Code = "VALIDATION-001"
	CodeProvider   Code = "PROVIDER-001"
	CodeSchema     Code = "PROVIDER-002"
	CodeTimeout    Code = "PROVIDER-003"
	CodeStructure  Code = "STRUCTURE-001"
	CodeCritique   Code = "CRITIQUE-001"
	CodePipeline   Code = "PIPELINE-001"
	CodeExpired    Code = "PIPELINE-002"
)

// ErrExpired marks a suspended run whose answers never arrived in time.
var ErrExpired = errors.New("run expired awaiting input")

// FieldError describes one invalid TaskSpecification field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError reports malformed or missing input fields. Never retried.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Fields) == 0 {
		return "invalid task specification"
	}
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return fmt.Sprintf("[%s] invalid task specification: %s", CodeValidation, strings.Join(parts, "; "))
}

// Add appends a field error.
func (e *ValidationError) Add(field, format string, args ...any) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// OrNil returns nil when no field errors were collected.
func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Fields) == 0 {
		return nil
	}
	sort.SliceStable(e.Fields, func(i, j int) bool { return e.Fields[i].Field < e.Fields[j].Field })
	return e
}

// ProviderError wraps a Generation Gateway failure that survived retries,
// a deadline, or an exhausted schema-repair cycle.
type ProviderError struct {
	Code     Code
	Provider string
	Phase    string
	Attempts int
	Cause    error
}

func (e *ProviderError) Error() string {
	code := e.Code
	if code == "" {
		code = CodeProvider
	}
	msg := fmt.Sprintf("[%s] generation failed", code)
	if e.Provider != "" {
		msg += " (" + e.Provider + ")"
	}
	if e.Phase != "" {
		msg += " in phase " + e.Phase
	}
	if e.Attempts > 0 {
		msg += fmt.Sprintf(" after %d attempt(s)", e.Attempts)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *ProviderError) Unwrap() error { return e.Cause }

// Violation is the minimal shape of a validator finding carried by errors.
type Violation struct {
	Kind     string `json:"kind"`
	Detail   string `json:"detail"`
	Severity string `json:"severity"`
}

// StructuralViolation reports a draft the validator loop could not repair.
// It is attached to a best-effort result, not returned as a run failure.
type StructuralViolation struct {
	Score      int
	Violations []Violation
}

func (e *StructuralViolation) Error() string {
	critical := 0
	for _, v := range e.Violations {
		if v.Severity == "critical" {
			critical++
		}
	}
	return fmt.Sprintf("[%s] draft still violates %d critical rule(s) (score %d)", CodeStructure, critical, e.Score)
}

// CritiqueFailure reports a draft the critic loop could not get past the rubric.
type CritiqueFailure struct {
	Score          int
	FailedCriteria []string
	Instructions   []string
}

func (e *CritiqueFailure) Error() string {
	return fmt.Sprintf("[%s] critique failed on %s (score %d)", CodeCritique, strings.Join(e.FailedCriteria, ", "), e.Score)
}

// PipelineError wraps any uncaught phase failure. Always fatal for the run.
type PipelineError struct {
	PhaseIndex int
	Phase      string
	Cause      error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("[%s] phase %d (%s) failed: %v", CodePipeline, e.PhaseIndex, e.Phase, e.Cause)
}

func (e *PipelineError) Unwrap() error { return e.Cause }

// CodeOf returns the most specific code found in err's chain.
func CodeOf(err error) Code {
	var v *ValidationError
	if errors.As(err, &v) {
		return CodeValidation
	}
	var p *ProviderError
	if errors.As(err, &p) {
		if p.Code != "" {
			return p.Code
		}
		return CodeProvider
	}
	var s *StructuralViolation
	if errors.As(err, &s) {
		return CodeStructure
	}
	var c *CritiqueFailure
	if errors.As(err, &c) {
		return CodeCritique
	}
	if errors.Is(err, ErrExpired) {
		return CodeExpired
	}
	var pe *PipelineError
	if errors.As(err, &pe) {
		return CodePipeline
	}
	return ""
}

// IsRetryable reports whether resubmitting the same input may succeed.
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case CodeValidation:
		return false
	case CodeProvider, CodeTimeout, CodeSchema:
		return true
	}
	return false
}
