package session

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced synchronously by the session.
var (
	ErrInvalidRequest  = errors.New("invalid capture request")
	ErrUnknownPipeline = errors.New("unknown pipeline")
	ErrFlushing        = errors.New("session is flushing")
	ErrDeviceError     = errors.New("device in error")
	ErrFenceTimeout    = errors.New("acquire fence wait timed out")
	ErrFenceFailed     = errors.New("acquire fence signalled an error")
	ErrSessionClosed   = errors.New("session closed")
	ErrNotSynced       = errors.New("pipeline link not synchronized")
)

// Error represents a session-level failure with a stable code.
type Error struct {
	Code    string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Error codes
const (
	CodeInvalidRequest     = "INVALID_REQUEST"
	CodeAdmissionCancelled = "ADMISSION_CANCELLED"
	CodeFenceTimeout       = "FENCE_TIMEOUT"
	CodeFenceFailed        = "FENCE_FAILED"
	CodeDeviceError        = "DEVICE_ERROR"
	CodeSessionClosed      = "SESSION_CLOSED"
	CodePipelineError      = "PIPELINE_ERROR"
)

func newError(code, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

func invalidf(format string, args ...any) *Error {
	return newError(CodeInvalidRequest, fmt.Sprintf(format, args...), ErrInvalidRequest)
}
