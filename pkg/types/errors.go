package types

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies a failure the same way on the server, the renderer and the wire.
type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindNotFound
	KindValidation
	KindConflict
	KindGraphicInstance
)

// StatusGraphicError marks failures raised by a third-party graphic rather than our plumbing
const StatusGraphicError = 550

// Sentinel kinds for errors.Is matching
var (
	ErrNotFound        = &Error{Kind: KindNotFound}
	ErrValidation      = &Error{Kind: KindValidation}
	ErrConflict        = &Error{Kind: KindConflict}
	ErrGraphicInstance = &Error{Kind: KindGraphicInstance}
	ErrInternal        = &Error{Kind: KindInternal}
)

// Error is a classified failure
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, ErrNotFound) works
// for every not-found error regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == "" && t.Err == nil
}

func (k ErrorKind) String() string {
	switch k {
	case KindNotFound:
		return "not found"
	case KindValidation:
		return "validation error"
	case KindConflict:
		return "conflict"
	case KindGraphicInstance:
		return "graphic instance error"
	default:
		return "internal error"
	}
}

// StatusCode is the HTTP status (and JSON-RPC error code) of the kind
func (k ErrorKind) StatusCode() int {
	switch k {
	case KindNotFound:
		return http.StatusNotFound
	case KindValidation:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindGraphicInstance:
		return StatusGraphicError
	default:
		return http.StatusInternalServerError
	}
}

// KindFromCode is the inverse of StatusCode; unknown codes are internal
func KindFromCode(code int) ErrorKind {
	switch code {
	case http.StatusNotFound:
		return KindNotFound
	case http.StatusBadRequest:
		return KindValidation
	case http.StatusConflict:
		return KindConflict
	case StatusGraphicError:
		return KindGraphicInstance
	default:
		return KindInternal
	}
}

// KindOf extracts the kind of err; unclassified errors are internal
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func NotFound(format string, args ...any) error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

func Validation(format string, args ...any) error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func Conflict(format string, args ...any) error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

// GraphicFailure wraps an error raised by a graphic's own methods
func GraphicFailure(err error, format string, args ...any) error {
	return &Error{Kind: KindGraphicInstance, Message: fmt.Sprintf(format, args...), Err: err}
}
