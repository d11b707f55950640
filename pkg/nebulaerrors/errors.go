// Package nebulaerrors provides structured error handling for nebulakv with
// error categorization, key-value context and stack traces.
//
// # Overview
//
// Every component of the acceleration layer reports failures through this
// package so callers can branch on the category instead of on message text:
//   - ErrorTypeTimeout: no pooled connection became available in time
//   - ErrorTypeConnection: a connection could not be created or was lost
//   - ErrorTypeBatch: one operation group of a batch failed
//   - ErrorTypeQuery: a search against the store failed
//   - ErrorTypeCapability: an operation has no bulk primitive
//   - ErrorTypeClosed: the component was already closed or stopped
//
// # Basic Usage
//
//	conn, err := p.Acquire(ctx)
//	if nebulaerrors.IsType(err, nebulaerrors.ErrorTypeTimeout) {
//	    // back off, the pool is saturated
//	}
//
//	if err := conn.Ping(ctx); err != nil {
//	    return nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConnection, "health check failed").
//	        WithDetail("conn_id", id)
//	}
//
// # Thread Safety
//
// Error instances are not thread-safe for modification. Call WithDetail
// before sharing an error across goroutines.
package nebulaerrors

import (
	"errors"
	"fmt"
	"runtime"
)

// ErrorType represents the category of error, used for error handling strategies,
// monitoring, and retry decisions.
type ErrorType string

const (
	// ErrorTypeInternal represents internal system errors
	ErrorTypeInternal ErrorType = "internal"
	// ErrorTypeValidation represents invalid input such as a malformed query
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeTimeout represents timeout errors
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeConnection represents connection errors
	ErrorTypeConnection ErrorType = "connection"
	// ErrorTypeConfig represents configuration errors
	ErrorTypeConfig ErrorType = "config"
	// ErrorTypeCapability represents operations without a bulk primitive
	ErrorTypeCapability ErrorType = "capability"
	// ErrorTypeBatch represents the failure of one operation group in a batch
	ErrorTypeBatch ErrorType = "batch"
	// ErrorTypeQuery represents query execution errors
	ErrorTypeQuery ErrorType = "query"
	// ErrorTypeClosed represents use of a closed component
	ErrorTypeClosed ErrorType = "closed"
)

// Error represents a structured error with context.
//
// Fields:
//   - Type: Categorizes the error for handling strategies
//   - Message: Human-readable error description
//   - Cause: The underlying error that caused this error
//   - Details: Key-value pairs providing additional context
//   - Stack: Call stack at the point of error creation
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
	Details map[string]interface{}
	Stack   []StackFrame
}

// StackFrame represents a single frame in the call stack.
type StackFrame struct {
	Function string // Fully qualified function name
	File     string // Source file path
	Line     int    // Line number in source file
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetail adds a key-value detail to the error. Calls can be chained.
//
// Example:
//
//	err := nebulaerrors.New(nebulaerrors.ErrorTypeTimeout, "no connection available").
//	    WithDetail("timeout", cfg.AcquireTimeout).
//	    WithDetail("waiting", waiting)
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a new error with the given type and message, capturing the
// call stack at the point of creation.
func New(errType ErrorType, message string) *Error {
	return &Error{
		Type:    errType,
		Message: message,
		Stack:   captureStack(2),
	}
}

// Wrap wraps an existing error with additional context, preserving the original
// error as the cause. If the error is already a structured Error, its stack
// trace is preserved. Returns nil if the input error is nil.
func Wrap(err error, errType ErrorType, message string) *Error {
	if err == nil {
		return nil
	}

	// If already our error type, preserve the stack
	var existingErr *Error
	if errors.As(err, &existingErr) {
		return &Error{
			Type:    errType,
			Message: message,
			Cause:   err,
			Stack:   existingErr.Stack,
		}
	}

	return &Error{
		Type:    errType,
		Message: message,
		Cause:   err,
		Stack:   captureStack(2),
	}
}

// IsRetryable returns true if the error is retryable based on its type.
// Timeout and connection errors are considered retryable.
func IsRetryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}

	switch e.Type {
	case ErrorTypeTimeout, ErrorTypeConnection:
		return true
	default:
		return false
	}
}

// IsType checks if the error, or any error in its chain, is of the given type.
//
// Example:
//
//	if nebulaerrors.IsType(err, nebulaerrors.ErrorTypeClosed) {
//	    return nil // shutting down
//	}
func IsType(err error, errType ErrorType) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Type == errType {
			return true
		}
		err = e.Cause
	}
	return false
}

// captureStack captures the current call stack up to maxFrames deep,
// skipping the specified number of frames from the top.
func captureStack(skip int) []StackFrame {
	const maxFrames = 32
	frames := make([]StackFrame, 0, maxFrames)

	for i := skip; i < maxFrames+skip; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}

		fn := runtime.FuncForPC(pc)
		if fn == nil {
			continue
		}

		frames = append(frames, StackFrame{
			Function: fn.Name(),
			File:     file,
			Line:     line,
		})
	}

	return frames
}
