// Package apperrors provides the job error taxonomy with HTTP status mapping.
package apperrors

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrValidation = errors.New("validation error")
	ErrSetup      = errors.New("setup error")
	ErrSpawn      = errors.New("spawn error")
	ErrWorker     = errors.New("worker error")
	ErrTimeout    = errors.New("timeout")
	ErrPublish    = errors.New("publish error")
	ErrInternal   = errors.New("internal error")
)

// Error provides structured error with context.
type Error struct {
	Sentinel error  // Wrapped sentinel for errors.Is() classification
	Message  string // Human-readable message
	Field    string // For validation errors (e.g., "key", "extension")
	Op       string // Operation that failed (e.g., "workspace.prepareInput")
	ExitCode int    // Worker exit code, only meaningful for ErrWorker
	Stderr   string // Captured worker stderr, logged but never returned to callers
	Cause    error  // Underlying error
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap exposes both the sentinel and the cause to errors.Is() and errors.As().
func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Sentinel}
	}
	return []error{e.Sentinel, e.Cause}
}

// Validation creates a validation error for a specific field.
func Validation(field, message string) error {
	return &Error{
		Sentinel: ErrValidation,
		Message:  message,
		Field:    field,
	}
}

// Setup creates an error for a failed preparation step.
func Setup(op string, cause error) error {
	return &Error{
		Sentinel: ErrSetup,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// Spawn creates an error for a worker process that could not be started.
func Spawn(binary string, cause error) error {
	return &Error{
		Sentinel: ErrSpawn,
		Message:  fmt.Sprintf("failed to start %s: %v", binary, cause),
		Op:       "worker.start",
		Cause:    cause,
	}
}

// WorkerExit creates an error for a worker that exited with a non-zero code.
func WorkerExit(binary string, exitCode int, stderr string) error {
	return &Error{
		Sentinel: ErrWorker,
		Message:  fmt.Sprintf("%s failed with exit code %d", binary, exitCode),
		Op:       "worker.wait",
		ExitCode: exitCode,
		Stderr:   stderr,
	}
}

// WorkerReason creates an error for a worker that exited 0 but did not succeed.
func WorkerReason(binary, reason string) error {
	return &Error{
		Sentinel: ErrWorker,
		Message:  fmt.Sprintf("%s failed: %s", binary, reason),
		Op:       "worker.result",
	}
}

// Timeout creates an error for a job that exceeded its deadline.
func Timeout(op string, after time.Duration) error {
	return &Error{
		Sentinel: ErrTimeout,
		Message:  fmt.Sprintf("%s timed out after %s", op, after),
		Op:       op,
	}
}

// Publish creates an error for a failed artifact upload.
func Publish(op string, cause error) error {
	return &Error{
		Sentinel: ErrPublish,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// Internal creates an internal error wrapping an underlying cause.
func Internal(op string, cause error) error {
	return &Error{
		Sentinel: ErrInternal,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// Class returns a short label for the error's sentinel, used as a metric attribute.
func Class(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrSetup):
		return "setup"
	case errors.Is(err, ErrSpawn):
		return "spawn"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrWorker):
		return "worker"
	case errors.Is(err, ErrPublish):
		return "publish"
	default:
		return "internal"
	}
}
