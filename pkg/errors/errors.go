// Package errors provides the structured error system for ChunkForge with
// error codes, categories, per-key attribution and retryability hints.
package errors

import (
	"fmt"
	"strings"
	"time"
)

// ErrorCode identifies a failure class of a recipe run.
type ErrorCode string

const (
	// Pattern errors: malformed file patterns or missing keys. Fatal,
	// never retried.
	ErrCodePatternInvalid    ErrorCode = "PATTERN_INVALID"
	ErrCodePatternKeyMissing ErrorCode = "PATTERN_KEY_MISSING"

	// Fetch errors: reading a source file into the input cache.
	ErrCodeFetchFailed  ErrorCode = "FETCH_FAILED"
	ErrCodeFetchTimeout ErrorCode = "FETCH_TIMEOUT"

	// Scan errors: a cached input opens but its structure is unreadable,
	// or planning ran before every required input was scanned.
	ErrCodeScanFailed     ErrorCode = "SCAN_FAILED"
	ErrCodeScanIncomplete ErrorCode = "SCAN_INCOMPLETE"
	ErrCodeSizeMismatch   ErrorCode = "SIZE_MISMATCH"

	// Schema errors: an input disagrees with the declared target schema.
	ErrCodeSchemaMismatch ErrorCode = "SCHEMA_MISMATCH"

	// Target store errors.
	ErrCodeWriteFailed    ErrorCode = "WRITE_FAILED"
	ErrCodeStoreRead      ErrorCode = "STORE_READ"
	ErrCodeStoreWrite     ErrorCode = "STORE_WRITE"
	ErrCodeObjectNotFound ErrorCode = "OBJECT_NOT_FOUND"

	// Lifecycle and configuration errors.
	ErrCodeInvalidState   ErrorCode = "INVALID_STATE"
	ErrCodeInvalidConfig  ErrorCode = "INVALID_CONFIG"
	ErrCodeRetryExhausted ErrorCode = "RETRY_EXHAUSTED"
	ErrCodeInternalError  ErrorCode = "INTERNAL_ERROR"
)

// ErrorCategory groups error codes for reporting.
type ErrorCategory string

const (
	CategoryPattern   ErrorCategory = "pattern"
	CategoryFetch     ErrorCategory = "fetch"
	CategoryScan      ErrorCategory = "scan"
	CategorySchema    ErrorCategory = "schema"
	CategoryStore     ErrorCategory = "store"
	CategoryLifecycle ErrorCategory = "lifecycle"
	CategoryInternal  ErrorCategory = "internal"
)

// RecipeError is a structured error carrying the failing unit's key so a
// partial failure stays attributable to a single InputKey or ChunkKey and
// the rest of the run can proceed.
type RecipeError struct {
	Code     ErrorCode     `json:"code"`
	Category ErrorCategory `json:"category"`
	Message  string        `json:"message"`

	// InputKey or ChunkKey name the failing unit of work, when the
	// failure is per-key rather than run-wide.
	InputKey string `json:"input_key,omitempty"`
	ChunkKey string `json:"chunk_key,omitempty"`

	Component string    `json:"component,omitempty"`
	Operation string    `json:"operation,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	// Retryable marks failures the execution driver may resubmit.
	Retryable bool `json:"retryable"`

	Cause error `json:"-"`
}

// Error implements the error interface.
func (e *RecipeError) Error() string {
	var sb strings.Builder
	if e.Component != "" {
		sb.WriteByte('[')
		sb.WriteString(e.Component)
		if e.Operation != "" {
			sb.WriteByte(':')
			sb.WriteString(e.Operation)
		}
		sb.WriteString("] ")
	}
	sb.WriteString(string(e.Code))
	sb.WriteString(": ")
	sb.WriteString(e.Message)
	if e.InputKey != "" {
		fmt.Fprintf(&sb, " (input %s)", e.InputKey)
	}
	if e.ChunkKey != "" {
		fmt.Fprintf(&sb, " (chunk %s)", e.ChunkKey)
	}
	if e.Cause != nil {
		fmt.Fprintf(&sb, ": %v", e.Cause)
	}
	return sb.String()
}

// Unwrap returns the underlying cause for errors.Is/As chains.
func (e *RecipeError) Unwrap() error {
	return e.Cause
}

// Is matches two RecipeErrors by code, so callers can compare against
// `&RecipeError{Code: ...}` sentinels with errors.Is.
func (e *RecipeError) Is(target error) bool {
	if t, ok := target.(*RecipeError); ok {
		return e.Code == t.Code
	}
	return false
}

// New creates a RecipeError with category and retryability derived from
// the code.
func New(code ErrorCode, message string) *RecipeError {
	return &RecipeError{
		Code:      code,
		Category:  CategoryOf(code),
		Message:   message,
		Timestamp: time.Now(),
		Retryable: RetryableByDefault(code),
	}
}

// Newf creates a RecipeError with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *RecipeError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap creates a RecipeError around a cause.
func Wrap(code ErrorCode, message string, cause error) *RecipeError {
	e := New(code, message)
	e.Cause = cause
	return e
}

// WithInputKey attributes the error to one input.
func (e *RecipeError) WithInputKey(key string) *RecipeError {
	e.InputKey = key
	return e
}

// WithChunkKey attributes the error to one target chunk.
func (e *RecipeError) WithChunkKey(key string) *RecipeError {
	e.ChunkKey = key
	return e
}

// WithComponent sets the reporting component.
func (e *RecipeError) WithComponent(component string) *RecipeError {
	e.Component = component
	return e
}

// WithOperation sets the failing operation.
func (e *RecipeError) WithOperation(operation string) *RecipeError {
	e.Operation = operation
	return e
}

// WithCause sets the underlying cause.
func (e *RecipeError) WithCause(cause error) *RecipeError {
	e.Cause = cause
	return e
}

// WithRetryable overrides the default retryability of the code.
func (e *RecipeError) WithRetryable(retryable bool) *RecipeError {
	e.Retryable = retryable
	return e
}

// CategoryOf maps an error code to its category.
func CategoryOf(code ErrorCode) ErrorCategory {
	s := string(code)
	switch {
	case strings.HasPrefix(s, "PATTERN_"):
		return CategoryPattern
	case strings.HasPrefix(s, "FETCH_"):
		return CategoryFetch
	case strings.HasPrefix(s, "SCAN_") || s == string(ErrCodeSizeMismatch):
		return CategoryScan
	case strings.HasPrefix(s, "SCHEMA_"):
		return CategorySchema
	case strings.HasPrefix(s, "STORE_") || strings.HasPrefix(s, "WRITE_") ||
		s == string(ErrCodeObjectNotFound):
		return CategoryStore
	case s == string(ErrCodeInvalidState) || s == string(ErrCodeInvalidConfig) ||
		s == string(ErrCodeRetryExhausted):
		return CategoryLifecycle
	default:
		return CategoryInternal
	}
}

// RetryableByDefault reports whether a code names a transient failure the
// driver should retry. Pattern, scan and schema failures are structural
// and never retried.
func RetryableByDefault(code ErrorCode) bool {
	switch code {
	case ErrCodeFetchFailed, ErrCodeFetchTimeout,
		ErrCodeStoreRead, ErrCodeStoreWrite, ErrCodeWriteFailed:
		return true
	default:
		return false
	}
}

// IsRetryable reports whether err (or anything it wraps) is a retryable
// RecipeError.
func IsRetryable(err error) bool {
	for err != nil {
		if re, ok := err.(*RecipeError); ok {
			return re.Retryable
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// CodeOf extracts the error code from err, or "" when err is not a
// RecipeError.
func CodeOf(err error) ErrorCode {
	for err != nil {
		if re, ok := err.(*RecipeError); ok {
			return re.Code
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return ""
		}
		err = u.Unwrap()
	}
	return ""
}
