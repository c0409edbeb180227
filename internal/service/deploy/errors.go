package deploy

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrValidation marks a command rejected before any I/O.
	ErrValidation = errors.New("invalid deploy request")
	// ErrInvalidState is returned when a deploy is no longer accepting work.
	ErrInvalidState = errors.New("deploy is not in progress")
	// ErrFailed marks a deploy that was transitioned to failed.
	ErrFailed = errors.New("deploy failed")
)

// ValidationError describes a malformed command field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// FailedError is returned by the pipelines once a deploy has been failed and
// queued for cleanup. Err is the underlying cause.
type FailedError struct {
	Organization string
	Game         string
	Branch       string
	Path         string
	Duration     time.Duration
	Err          error
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("failed to deploy %s/%s/%s to %s after %s: %v",
		e.Organization, e.Game, e.Branch, e.Path, e.Duration.Round(time.Millisecond), e.Err)
}

func (e *FailedError) Unwrap() []error {
	return []error{ErrFailed, e.Err}
}
