package types

import (
	"errors"
	"fmt"
)

// Sentinel errors for the error taxonomy. Components wrap these with context;
// the HTTP adapter and the streaming transport switch on them with errors.Is.
var (
	ErrValidation          = errors.New("validation error")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrNotFound            = errors.New("not found")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrRetryExhausted      = errors.New("retry budget exhausted")
	ErrPipelineFatal       = errors.New("pipeline fatal")
)

// StepError marks a pipeline stage failure that downstream stages react to by
// skipping with a typed reason instead of aborting the pipeline.
type StepError struct {
	Step   string
	Reason string
	Err    error
}

func (e *StepError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("step %s failed: %s: %v", e.Step, e.Reason, e.Err)
	}
	return fmt.Sprintf("step %s failed: %s", e.Step, e.Reason)
}

func (e *StepError) Unwrap() error { return e.Err }

// NewStepError builds a StepError.
func NewStepError(step, reason string, err error) *StepError {
	return &StepError{Step: step, Reason: reason, Err: err}
}
