// Package errors provides structured error handling for snowstream
package errors

import (
	"errors"
	"fmt"
	"runtime"
)

// ErrorType represents the category of error
type ErrorType string

const (
	// ErrorTypeInternal represents internal library errors
	ErrorTypeInternal ErrorType = "internal"
	// ErrorTypeConfig represents configuration errors, including bound violations
	// that lifetime clamping cannot resolve
	ErrorTypeConfig ErrorType = "config"
	// ErrorTypeKey represents unparseable key material or a missing passphrase
	ErrorTypeKey ErrorType = "key"
	// ErrorTypeSigning represents cryptographic failures while signing a token
	ErrorTypeSigning ErrorType = "signing"
	// ErrorTypeAuthentication represents a 401 that survived the forced refresh
	ErrorTypeAuthentication ErrorType = "authentication"
	// ErrorTypeHTTP represents unclassified transport or status failures,
	// including exhausted rate-limit and transient retries
	ErrorTypeHTTP ErrorType = "http"
	// ErrorTypeDataTooLarge represents a row that cannot fit in any chunk
	ErrorTypeDataTooLarge ErrorType = "data_too_large"
	// ErrorTypeTimeout represents a close deadline that elapsed before commit caught up
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeClosedState represents an operation on a terminal channel
	ErrorTypeClosedState ErrorType = "closed_state"
	// ErrorTypeData represents row serialization and response decoding errors
	ErrorTypeData ErrorType = "data"
)

// Detail keys shared by the packages that build errors.
const (
	DetailOperation       = "operation"
	DetailStatus          = "status"
	DetailAttempts        = "attempts"
	DetailElapsed         = "elapsed"
	DetailBody            = "body"
	DetailSize            = "size"
	DetailPackedSize      = "packed_size"
	DetailLimit           = "limit"
	DetailRowIndex        = "row_index"
	DetailPushedOffset    = "pushed_offset"
	DetailCommittedOffset = "committed_offset"
	DetailDeadline        = "deadline"
	DetailState           = "state"
	DetailChannel         = "channel"
)

// Error represents a structured error with context
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
	Details map[string]interface{}
	Stack   []StackFrame
}

// StackFrame represents a single frame in the call stack
type StackFrame struct {
	Function string
	File     string
	Line     int
}

// Error implements the error interface. Details are rendered in insertion-independent
// key order so messages stay stable across runs.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Type, e.Message)
	if d := e.renderDetails(); d != "" {
		msg += " (" + d + ")"
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetail adds a key-value detail to the error
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Detail returns a detail value by key
func (e *Error) Detail(key string) (interface{}, bool) {
	if e.Details == nil {
		return nil, false
	}
	v, ok := e.Details[key]
	return v, ok
}

// New creates a new error with the given type and message
func New(errType ErrorType, message string) *Error {
	return &Error{
		Type:    errType,
		Message: message,
		Stack:   captureStack(2),
	}
}

// Newf creates a new error with a formatted message
func Newf(errType ErrorType, format string, args ...interface{}) *Error {
	return &Error{
		Type:    errType,
		Message: fmt.Sprintf(format, args...),
		Stack:   captureStack(2),
	}
}

// Wrap wraps an existing error with additional context
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

// IsRetryable reports whether a caller may reasonably retry the operation later.
// Errors that already went through the retry coordinator are terminal for the
// call that produced them; this only says whether a fresh call could succeed.
func IsRetryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}

	switch e.Type {
	case ErrorTypeHTTP, ErrorTypeTimeout:
		return true
	default:
		return false
	}
}

// IsType checks if the outermost structured error in the chain is of the given type
func IsType(err error, errType ErrorType) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Type == errType
}

// HasType checks whether any structured error in the chain is of the given type
func HasType(err error, errType ErrorType) bool {
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

// DetailOf returns a detail of the outermost structured error in the chain
func DetailOf(err error, key string) (interface{}, bool) {
	var e *Error
	if !errors.As(err, &e) {
		return nil, false
	}
	return e.Detail(key)
}

// As is re-exported so callers importing this package do not need the standard library one
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// Is is re-exported so callers importing this package do not need the standard library one
func Is(err, target error) bool {
	return errors.Is(err, target)
}

func (e *Error) renderDetails() string {
	if len(e.Details) == 0 {
		return ""
	}
	out := ""
	for _, key := range detailOrder {
		v, ok := e.Details[key]
		if !ok {
			continue
		}
		if out != "" {
			out += ", "
		}
		out += fmt.Sprintf("%s=%v", key, v)
	}
	return out
}

// detailOrder fixes the rendering order; unknown keys stay in Details but are not rendered.
var detailOrder = []string{
	DetailOperation,
	DetailChannel,
	DetailState,
	DetailStatus,
	DetailAttempts,
	DetailElapsed,
	DetailDeadline,
	DetailRowIndex,
	DetailSize,
	DetailPackedSize,
	DetailLimit,
	DetailPushedOffset,
	DetailCommittedOffset,
	DetailBody,
}

// captureStack captures the current call stack
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
