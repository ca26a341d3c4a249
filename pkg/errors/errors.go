// Package errors provides structured, coded errors for flairstar.
//
// Codes are stable and meant for tests and for the CLI exit path; messages are
// for humans. Per-file scan problems are never reported through this package,
// they are collected in discovery results instead.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unique error code for stable testing
type ErrorCode string

const (
	ErrUnknown      ErrorCode = "UNKNOWN"
	ErrInternal     ErrorCode = "INTERNAL"
	ErrInvalidInput ErrorCode = "INVALID_INPUT"

	// Configuration errors
	ErrConfigLoad  ErrorCode = "CONFIG_LOAD"
	ErrConfigValid ErrorCode = "CONFIG_INVALID"

	// Discovery errors
	ErrScan         ErrorCode = "SCAN"
	ErrMatchFailure ErrorCode = "MATCH_FAILURE"

	// Reconstruction errors
	ErrDimensionMismatch ErrorCode = "DIMENSION_MISMATCH"
	ErrReference         ErrorCode = "REFERENCE"

	// I/O and external tools
	ErrIO         ErrorCode = "IO"
	ErrToolFailed ErrorCode = "TOOL_FAILED"
)

// ExitCode is the process status the CLI reports for code.
func (c ErrorCode) ExitCode() int {
	switch c {
	case ErrConfigLoad, ErrConfigValid:
		return 2
	case ErrMatchFailure:
		return 3
	case ErrDimensionMismatch, ErrReference:
		return 4
	case ErrToolFailed:
		return 5
	default:
		return 1
	}
}

// FlairError represents a structured error with code and details
type FlairError struct {
	Code    ErrorCode
	Message string
	Details map[string]any
	Wrapped error
}

// Error implements the error interface
func (e *FlairError) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Wrapped)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap implements the errors.Unwrap interface
func (e *FlairError) Unwrap() error {
	return e.Wrapped
}

// Is reports whether target is a FlairError with the same code.
func (e *FlairError) Is(target error) bool {
	var targetErr *FlairError
	if errors.As(target, &targetErr) {
		return e.Code == targetErr.Code
	}
	return false
}

// New creates a FlairError. Details are allocated on first WithDetail.
func New(code ErrorCode, message string) *FlairError {
	return &FlairError{Code: code, Message: message}
}

// Newf creates a new FlairError with a formatted message
func Newf(code ErrorCode, format string, args ...any) *FlairError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error. It returns nil when err is nil.
func Wrap(err error, code ErrorCode, message string) *FlairError {
	if err == nil {
		return nil
	}
	return &FlairError{Code: code, Message: message, Wrapped: err}
}

// Wrapf wraps an existing error with a formatted message
func Wrapf(err error, code ErrorCode, format string, args ...any) *FlairError {
	if err == nil {
		return nil
	}
	return Wrap(err, code, fmt.Sprintf(format, args...))
}

// WithDetail adds a detail to the error
func (e *FlairError) WithDetail(key string, value any) *FlairError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// IsErrorCode reports whether the outermost FlairError in err's chain has code.
func IsErrorCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}

// GetErrorCode returns the error code from an error, or ErrUnknown if it has none
func GetErrorCode(err error) ErrorCode {
	var fe *FlairError
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ErrUnknown
}

// GetErrorDetails merges the details of every FlairError in err's chain.
// Outer errors win on key clashes.
func GetErrorDetails(err error) map[string]any {
	var out map[string]any
	for ; err != nil; err = errors.Unwrap(err) {
		fe, ok := err.(*FlairError)
		if !ok {
			continue
		}
		for k, v := range fe.Details {
			if out == nil {
				out = make(map[string]any)
			}
			if _, seen := out[k]; !seen {
				out[k] = v
			}
		}
	}
	return out
}
