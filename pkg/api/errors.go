package api

import (
	"errors"
	"fmt"
)

// Code is the caller-facing result code of an invocation.
type Code string

const (
	CodeOK              Code = "OK"
	CodeValidationError Code = "VALIDATION_ERROR"
	CodeQuotaExceeded   Code = "QUOTA_EXCEEDED"
	CodeOverloaded      Code = "OVERLOADED"
	CodeTimeout         Code = "TIMEOUT"
	CodeExecutionError  Code = "EXECUTION_ERROR"
	CodeInternalError   Code = "INTERNAL_ERROR"
)

// Retryable reports whether the caller may retry the same request as-is.
func (c Code) Retryable() bool {
	return c == CodeOverloaded
}

// ExecError is a structured error carrying a caller-facing Code.
type ExecError struct {
	Code      Code           `json:"code"`
	Message   string         `json:"message"`
	Param     string         `json:"param,omitempty"`
	Retryable bool           `json:"retryable"`
	Detail    map[string]any `json:"detail,omitempty"`

	// Err is the underlying cause, if any. Not serialized.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *ExecError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Param != "" {
		msg += fmt.Sprintf(" (param: %s)", e.Param)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *ExecError) Unwrap() error {
	return e.Err
}

// ErrorResponse wraps an ExecError for JSON serialization.
type ErrorResponse struct {
	Error *ExecError `json:"error"`
}

// NewValidationError creates an error for unknown tools, malformed
// requests, or schema mismatches. Never retried.
func NewValidationError(param, message string) *ExecError {
	return &ExecError{Code: CodeValidationError, Param: param, Message: message}
}

// NewQuotaExceededError creates a quota rejection carrying current usage.
func NewQuotaExceededError(used, limit int) *ExecError {
	return &ExecError{
		Code:    CodeQuotaExceeded,
		Message: fmt.Sprintf("session quota exceeded: %d/%d sessions this period", used, limit),
		Detail: map[string]any{
			"sessions_used":  used,
			"sessions_limit": limit,
		},
	}
}

// NewOverloadedError creates a retryable backpressure error.
func NewOverloadedError(message string) *ExecError {
	return &ExecError{Code: CodeOverloaded, Message: message, Retryable: true}
}

// NewTimeoutError creates a deadline error.
func NewTimeoutError(message string) *ExecError {
	return &ExecError{Code: CodeTimeout, Message: message}
}

// NewInternalError creates an error for failures that are not the caller's fault.
func NewInternalError(message string, cause error) *ExecError {
	return &ExecError{Code: CodeInternalError, Message: message, Err: cause}
}

// CodeOf classifies err. Unknown errors map to CodeInternalError and a nil
// error maps to CodeOK.
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	var ee *ExecError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return CodeInternalError
}

// AsExecError converts any error into an *ExecError, wrapping unknown
// errors as internal errors.
func AsExecError(err error) *ExecError {
	if err == nil {
		return nil
	}
	var ee *ExecError
	if errors.As(err, &ee) {
		return ee
	}
	return NewInternalError("internal error", err)
}
