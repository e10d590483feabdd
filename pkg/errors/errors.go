// Package errors provides the structured error system for pageflow with
// error codes, categories, and failure classes for the viewer boundary.
package errors

import (
	"fmt"
	"time"
)

// ErrorCode identifies a failure mode of the page-loading pipeline.
type ErrorCode string

const (
	// Asset retrieval errors
	ErrCodeNotFound     ErrorCode = "NOT_FOUND"
	ErrCodeTimeout      ErrorCode = "TIMEOUT"
	ErrCodeNetworkError ErrorCode = "NETWORK_ERROR"
	ErrCodeDecodeError  ErrorCode = "DECODE_ERROR"

	// Resource errors. CapacityExceeded is internal only: the cache always
	// resolves it by synchronous eviction before an insert can observe it.
	ErrCodeCapacityExceeded ErrorCode = "CAPACITY_EXCEEDED"
	ErrCodeStoreFailure     ErrorCode = "STORE_FAILURE"

	// Configuration errors
	ErrCodeInvalidConfig    ErrorCode = "INVALID_CONFIG"
	ErrCodeConfigValidation ErrorCode = "CONFIG_VALIDATION"

	// State errors
	ErrCodeInvalidState     ErrorCode = "INVALID_STATE"
	ErrCodeComponentStopped ErrorCode = "COMPONENT_STOPPED"
	ErrCodeCanceled         ErrorCode = "CANCELED"
)

// ErrorCategory groups error codes for logging and metrics labels.
type ErrorCategory string

const (
	CategoryAsset         ErrorCategory = "asset"
	CategoryResource      ErrorCategory = "resource"
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryState         ErrorCategory = "state"
)

// FailureClass is the user-visible posture of an error at the viewer
// boundary: retry later, content missing, or corrupt/unsupported.
type FailureClass string

const (
	FailureRetryLater     FailureClass = "retry_later"
	FailureContentMissing FailureClass = "content_missing"
	FailureCorrupt        FailureClass = "corrupt"
	FailureInternal       FailureClass = "internal"
)

// Error is a structured pipeline error with context and retry hints.
type Error struct {
	Code      ErrorCode     `json:"code"`
	Category  ErrorCategory `json:"category"`
	Message   string        `json:"message"`
	Component string        `json:"component,omitempty"`
	Operation string        `json:"operation,omitempty"`
	Page      int           `json:"page,omitempty"`
	Retryable bool          `json:"retryable"`
	Timestamp time.Time     `json:"timestamp"`
	Cause     error         `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Component != "" {
		if e.Operation != "" {
			return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, e.Message)
		}
		return fmt.Sprintf("[%s] %s: %s", e.Component, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches errors by code so sentinel comparison works across wrapping.
func (e *Error) Is(target error) bool {
	if other, ok := target.(*Error); ok {
		return e.Code == other.Code
	}
	return false
}

// Class returns the user-visible failure posture for this error.
func (e *Error) Class() FailureClass {
	switch e.Code {
	case ErrCodeTimeout, ErrCodeNetworkError:
		return FailureRetryLater
	case ErrCodeNotFound:
		return FailureContentMissing
	case ErrCodeDecodeError:
		return FailureCorrupt
	default:
		return FailureInternal
	}
}

// New creates a structured error with category and retryability derived from
// the code.
func New(code ErrorCode, message string) *Error {
	return &Error{
		Code:      code,
		Category:  categoryOf(code),
		Message:   message,
		Retryable: retryableByDefault(code),
		Timestamp: time.Now(),
	}
}

// Newf creates a structured error with a formatted message.
func Newf(code ErrorCode, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// WithComponent sets the originating component.
func (e *Error) WithComponent(component string) *Error {
	e.Component = component
	return e
}

// WithOperation sets the operation that failed.
func (e *Error) WithOperation(operation string) *Error {
	e.Operation = operation
	return e
}

// WithPage attaches the page number the failure relates to.
func (e *Error) WithPage(page int) *Error {
	e.Page = page
	return e
}

// WithCause attaches the underlying cause.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

func categoryOf(code ErrorCode) ErrorCategory {
	switch code {
	case ErrCodeNotFound, ErrCodeTimeout, ErrCodeNetworkError, ErrCodeDecodeError:
		return CategoryAsset
	case ErrCodeCapacityExceeded, ErrCodeStoreFailure:
		return CategoryResource
	case ErrCodeInvalidConfig, ErrCodeConfigValidation:
		return CategoryConfiguration
	default:
		return CategoryState
	}
}

func retryableByDefault(code ErrorCode) bool {
	switch code {
	case ErrCodeTimeout, ErrCodeNetworkError, ErrCodeStoreFailure:
		return true
	default:
		return false
	}
}

// CodeOf extracts the error code from any error, walking the wrap chain.
// Unstructured errors report the empty code.
func CodeOf(err error) ErrorCode {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

// AsError unwraps err to a structured *Error if one is in the chain.
func AsError(err error) (*Error, bool) {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil, false
		}
		err = u.Unwrap()
	}
	return nil, false
}

// IsRetryable reports whether the error carries the retryable hint.
func IsRetryable(err error) bool {
	if e, ok := AsError(err); ok {
		return e.Retryable
	}
	return false
}

// IsNotFound reports whether the error is a missing-asset failure.
func IsNotFound(err error) bool {
	return CodeOf(err) == ErrCodeNotFound
}

// IsTimeout reports whether the error is a deadline failure.
func IsTimeout(err error) bool {
	return CodeOf(err) == ErrCodeTimeout
}
