package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrJobNotFound is returned when a job id is unknown to the registry
	ErrJobNotFound = errors.New("job not found")

	// ErrInvalidTransition is returned when a status change would break monotonicity
	ErrInvalidTransition = errors.New("invalid job status transition")

	// ErrQueueFull is returned when the runner cannot accept more work
	ErrQueueFull = errors.New("job queue is full")

	// ErrRunnerStopped is returned when submitting to a runner that is shutting down
	ErrRunnerStopped = errors.New("job runner stopped")

	// ErrFileNotFound is returned when an artifact is missing from disk
	ErrFileNotFound = errors.New("file not found")
)

// ValidationError describes a client mistake caught before any work starts.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// NewValidationError creates a new validation error
func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// ProcessingError is an engine failure recorded on the job.
type ProcessingError struct {
	Stage string
	Cause string
	Err   error
}

func (e *ProcessingError) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Cause
	if e.Stage != "" {
		msg = fmt.Sprintf("%s: %s", e.Stage, e.Cause)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *ProcessingError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewProcessingError creates a new processing error
func NewProcessingError(stage, cause string, err error) error {
	return &ProcessingError{Stage: stage, Cause: cause, Err: err}
}
