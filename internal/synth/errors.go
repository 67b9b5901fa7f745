package synth

import (
	"errors"
	"fmt"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("coordinator is closed")

// ErrorCode identifies why a segment failed.
type ErrorCode string

const (
	CodeTimeout            ErrorCode = "SYNTHESIS_TIMEOUT"
	CodeSynthesisFailure   ErrorCode = "SYNTHESIS_FAILURE"
	CodeCacheWrite         ErrorCode = "CACHE_WRITE_FAILURE"
	CodeCorruptArtifact    ErrorCode = "CORRUPT_ARTIFACT"
	CodeQueueOverflow      ErrorCode = "QUEUE_OVERFLOW"
	CodeBackendUnavailable ErrorCode = "BACKEND_UNAVAILABLE"
	CodeCanceled           ErrorCode = "CANCELED"
)

// Error is a synthesis failure with a reason code.
type Error struct {
	Code    ErrorCode
	Message string
	Cause   error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new synthesis error.
func NewError(code ErrorCode, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// IsRetryable returns true if re-queueing the segment may succeed.
func (e *Error) IsRetryable() bool {
	switch e.Code {
	case CodeTimeout, CodeQueueOverflow, CodeCanceled, CodeCacheWrite, CodeCorruptArtifact:
		return true
	default:
		return false
	}
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
