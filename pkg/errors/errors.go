// Package errors provides the structured error type used across the location
// database layer: every failure carries a code from a small taxonomy, a
// category and enough context to log it without string parsing.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"runtime"
	"strings"
	"time"
)

// ErrorCode identifies the kind of failure.
type ErrorCode string

const (
	// ErrCodeConfig is a bad or missing configuration value. Never retried.
	ErrCodeConfig ErrorCode = "CONFIG_ERROR"
	// ErrCodeNotFound means registry rows for a shard are missing.
	ErrCodeNotFound ErrorCode = "NOT_FOUND"
	// ErrCodeBackendIO is a single backend call failure. It is absorbed by
	// the router and never returned to callers as is.
	ErrCodeBackendIO ErrorCode = "BACKEND_IO"
	// ErrCodeInsufficientReplicas means the quorum policy was not met.
	ErrCodeInsufficientReplicas ErrorCode = "INSUFFICIENT_REPLICAS"
	// ErrCodeAllReplicasDown means no slot could answer a read.
	ErrCodeAllReplicasDown ErrorCode = "ALL_REPLICAS_DOWN"
	// ErrCodePersistence means the registry table could not be updated.
	ErrCodePersistence ErrorCode = "PERSISTENCE"
	// ErrCodeBug is an internal invariant violation.
	ErrCodeBug ErrorCode = "BUG"
	// ErrCodeShutdown is returned by components that were already closed.
	ErrCodeShutdown ErrorCode = "SHUTDOWN"
)

// ErrorCategory groups codes for logging and metrics.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryRegistry      ErrorCategory = "registry"
	CategoryBackend       ErrorCategory = "backend"
	CategoryReplication   ErrorCategory = "replication"
	CategoryState         ErrorCategory = "state"
	CategoryInternal      ErrorCategory = "internal"
)

// Error is a structured error with context and metadata.
type Error struct {
	Code     ErrorCode              `json:"code"`
	Category ErrorCategory          `json:"category"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`

	Context   map[string]string `json:"context,omitempty"`
	Cause     error             `json:"-"`
	Timestamp time.Time         `json:"timestamp"`

	Component string `json:"component"`
	Operation string `json:"operation,omitempty"`

	Retryable bool `json:"retryable"`

	Stack string `json:"stack,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Cause != nil {
		msg = msg + ": " + e.Cause.Error()
	}
	if e.Component != "" {
		if e.Operation != "" {
			return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, msg)
		}
		return fmt.Sprintf("[%s] %s: %s", e.Component, e.Code, msg)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error with the same code, so sentinel comparisons like
// errors.Is(err, errors.New(errors.ErrCodeNotFound, "")) work.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// String returns a detailed representation for logging.
func (e *Error) String() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("Code=%s", e.Code))
	parts = append(parts, fmt.Sprintf("Category=%s", e.Category))
	parts = append(parts, fmt.Sprintf("Message=%q", e.Message))

	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component=%s", e.Component))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation=%s", e.Operation))
	}
	if e.Retryable {
		parts = append(parts, "Retryable=true")
	}
	if len(e.Details) > 0 {
		details, _ := json.Marshal(e.Details)
		parts = append(parts, fmt.Sprintf("Details=%s", details))
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause=%q", e.Cause.Error()))
	}

	return fmt.Sprintf("Error{%s}", strings.Join(parts, ", "))
}

// New creates an error with category and retry hints derived from the code.
func New(code ErrorCode, message string) *Error {
	return &Error{
		Code:      code,
		Category:  GetCategory(code),
		Message:   message,
		Timestamp: time.Now(),
		Details:   make(map[string]interface{}),
		Context:   make(map[string]string),
		Retryable: IsRetryableByDefault(code),
	}
}

// Newf is New with a format string.
func Newf(code ErrorCode, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap creates a new error of the given code around cause.
func Wrap(cause error, code ErrorCode, message string) *Error {
	return New(code, message).WithCause(cause)
}

// GetCategory determines the category of a code.
func GetCategory(code ErrorCode) ErrorCategory {
	switch code {
	case ErrCodeConfig:
		return CategoryConfiguration
	case ErrCodeNotFound, ErrCodePersistence:
		return CategoryRegistry
	case ErrCodeBackendIO:
		return CategoryBackend
	case ErrCodeInsufficientReplicas, ErrCodeAllReplicasDown:
		return CategoryReplication
	case ErrCodeShutdown:
		return CategoryState
	default:
		return CategoryInternal
	}
}

// IsRetryableByDefault reports whether a failure of this kind may go away
// on its own.
func IsRetryableByDefault(code ErrorCode) bool {
	switch code {
	case ErrCodeBackendIO, ErrCodeInsufficientReplicas, ErrCodeAllReplicasDown:
		return true
	}
	return false
}

// CodeOf returns the code of the first *Error in err's chain, or "" if
// there is none.
func CodeOf(err error) ErrorCode {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return ""
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

// CaptureStack captures the current stack trace for debugging.
func CaptureStack(skip int) string {
	const depth = 10
	var pcs [depth]uintptr
	n := runtime.Callers(skip+2, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])

	var stack []string
	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.File, "errors.go") {
			stack = append(stack, fmt.Sprintf("%s:%d %s", frame.File, frame.Line, frame.Function))
		}
		if !more {
			break
		}
	}
	return strings.Join(stack, "\n")
}

// WithContext adds a context key.
func (e *Error) WithContext(key, value string) *Error {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// WithDetail adds a detail value.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithComponent sets the component.
func (e *Error) WithComponent(component string) *Error {
	e.Component = component
	return e
}

// WithOperation sets the operation.
func (e *Error) WithOperation(operation string) *Error {
	e.Operation = operation
	return e
}

// WithCause sets the underlying cause.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithStack captures the current stack trace. Used for BUG errors.
func (e *Error) WithStack() *Error {
	e.Stack = CaptureStack(2)
	return e
}

// GetRecommendation returns an operator hint for the error.
func (e *Error) GetRecommendation() string {
	recommendations := map[ErrorCode]string{
		ErrCodeConfig: "Check the configuration file and the registry table contents " +
			"(URL length, shard count, use_domain).",
		ErrCodeNotFound: "The registry table has fewer slots than db_num for this shard. " +
			"Seed the missing rows.",
		ErrCodeInsufficientReplicas: "Too few backends completed the operation. " +
			"Check backend health with 'uldbctl status'.",
		ErrCodeAllReplicasDown: "No backend of the shard answered. " +
			"Check backend connectivity.",
		ErrCodePersistence: "The registry table could not be updated. " +
			"Check the registry write URL and database health.",
	}

	if rec, ok := recommendations[e.Code]; ok {
		return rec
	}
	return "Please check the error message for details."
}
