package errors

import (
	"errors"
	"fmt"
)

// Error codes reported on terminal pipeline events. Every phase failure maps
// to exactly one of these.
const (
	CodeInvalidInput = "INVALID_INPUT"
	CodeResource     = "RESOURCE_ERROR"
	CodeDependency   = "DEPENDENCY_ERROR"
	CodeTimeout      = "TIMEOUT_ERROR"
	CodeCancelled    = "CANCELLED"
	CodeInternal     = "INTERNAL_ERROR"
)

// PipelineError carries the stable code, human message and recoverable flag
// surfaced to clients on the terminal error event.
type PipelineError struct {
	Code        string
	Message     string
	Detail      string
	Recoverable bool
	Err         error
}

func (e *PipelineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

func InvalidInput(msg string, err error) error {
	return &PipelineError{Code: CodeInvalidInput, Message: msg, Err: err}
}

func Resource(msg string, err error) error {
	return &PipelineError{Code: CodeResource, Message: msg, Err: err}
}

func Dependency(msg string, err error) error {
	return &PipelineError{Code: CodeDependency, Message: msg, Err: err}
}

func Timeout(msg string) error {
	return &PipelineError{Code: CodeTimeout, Message: msg}
}

// Cancelled is recoverable so the client may retry the same video.
func Cancelled(msg string) error {
	return &PipelineError{Code: CodeCancelled, Message: msg, Recoverable: true}
}

func Internal(msg string, err error) error {
	return &PipelineError{Code: CodeInternal, Message: msg, Err: err}
}

// CodeOf extracts the pipeline error code, defaulting to INTERNAL_ERROR for
// errors raised outside the taxonomy.
func CodeOf(err error) string {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return CodeInternal
}

func IsRecoverable(err error) bool {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Recoverable
	}
	return false
}

func DetailOf(err error) string {
	var pe *PipelineError
	if errors.As(err, &pe) {
		if pe.Detail != "" {
			return pe.Detail
		}
		if pe.Err != nil {
			return pe.Err.Error()
		}
	}
	return ""
}

type unretriableError struct {
	err error
}

func (e unretriableError) Error() string {
	return e.err.Error()
}

func (e unretriableError) Unwrap() error {
	return e.err
}

// Unretriable wraps an error to mark it as impossible to retry, so external
// clients know not to re-submit the same request.
func Unretriable(err error) error {
	return unretriableError{err}
}

func IsUnretriable(err error) bool {
	return errors.As(err, &unretriableError{})
}
