package objects

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes classify failures for logging and for mapping onto HTTP
// responses. Every constructor below stamps exactly one of these.
const (
	CodeUsage     = "USAGE"
	CodeServer    = "SERVER"
	CodeTransient = "TRANSIENT"
	CodeProtocol  = "ROBOT_PROTOCOL"
	CodeTimeout   = "TIMEOUT"
	CodeCanceled  = "CANCELED"
)

// ErrNotFound marks lookups for objects that do not exist. Match with
// errors.Is.
var ErrNotFound = errors.New("object not found")

// Error is a classified domain error.
type Error struct {
	Code string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Err != ErrNotFound {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

func newError(code, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// NewUsageError reports an invalid request. Maps to HTTP 400.
func NewUsageError(format string, args ...any) *Error {
	return newError(CodeUsage, format, args...)
}

// NewServerError reports an internal failure. Maps to HTTP 500.
func NewServerError(format string, args ...any) *Error {
	return newError(CodeServer, format, args...)
}

// NewTransientError reports a failure worth retrying, wrapping its cause.
func NewTransientError(err error, format string, args ...any) *Error {
	e := newError(CodeTransient, format, args...)
	e.Err = err
	return e
}

// NewProtocolError reports malformed or unexpected robot traffic.
func NewProtocolError(format string, args ...any) *Error {
	return newError(CodeProtocol, format, args...)
}

// NewTimeoutError reports an expired operation.
func NewTimeoutError(format string, args ...any) *Error {
	return newError(CodeTimeout, format, args...)
}

// NewCanceledError reports a canceled operation.
func NewCanceledError(format string, args ...any) *Error {
	return newError(CodeCanceled, format, args...)
}

// NewNotFoundError reports a missing object. It satisfies both
// errors.Is(err, ErrNotFound) and the usage classification.
func NewNotFoundError(kind Kind, name string) *Error {
	e := newError(CodeUsage, "Did not find %q with name %q", kind, name)
	e.Err = ErrNotFound
	return e
}

// ErrorCode returns the classification of err, or "" when unclassified.
func ErrorCode(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsUsage reports whether err is a usage error.
func IsUsage(err error) bool { return ErrorCode(err) == CodeUsage }

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool { return ErrorCode(err) == CodeTransient }

// HTTPStatus maps a classified error onto an HTTP status code.
func HTTPStatus(err error) int {
	if errors.Is(err, ErrNotFound) {
		return http.StatusNotFound
	}
	if IsUsage(err) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// FromHTTPStatus classifies a non-2xx response body the way clients of the
// store API report them. 404 responses satisfy errors.Is(err, ErrNotFound).
func FromHTTPStatus(status int, body string) *Error {
	if status == http.StatusNotFound {
		e := NewUsageError("%s", body)
		e.Err = ErrNotFound
		return e
	}
	if status >= 400 && status < 500 {
		return NewUsageError("%s", body)
	}
	return NewServerError("%s", body)
}
