// Package errkind classifies failures into the machine-readable kinds shared
// by the ingestion pipeline, the collector protocol, and the HTTP layer.
package errkind

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies a class of failure.
type Kind string

const (
	InvalidArgument  Kind = "invalid_argument"
	NotFound         Kind = "not_found"
	PermissionDenied Kind = "permission_denied"
	DuplicateFile    Kind = "duplicate_file"
	UnknownFormat    Kind = "unknown_format"
	ParseError       Kind = "parse_error"
	GapDetected      Kind = "gap_detected"
	Conflict         Kind = "conflict"
	Transient        Kind = "transient"
	Internal         Kind = "internal"
	Cancelled        Kind = "cancelled"
)

// Error carries a kind, a human-readable message, an optional hint for the
// caller, and the wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Hint    string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New returns an error of the given kind.
func New(kind Kind, message string) error {
	return &Error{Kind: kind, Message: message}
}

// Newf formats a message and returns an error of the given kind.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap annotates err with a kind and message. Returns nil if err is nil.
func Wrap(kind Kind, message string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Err: err}
}

// Hinted returns an error of the given kind carrying a hint for the caller.
func Hinted(kind Kind, message, hint string) error {
	return &Error{Kind: kind, Message: message, Hint: hint}
}

// GapError reports a collector sequence gap the client must reconcile before
// resending. It always classifies as GapDetected.
type GapError struct {
	LastReceived int64
	Expected     int64
}

func (e *GapError) Error() string {
	return fmt.Sprintf("sequence gap: last received %d, expected %d", e.LastReceived, e.Expected)
}

// KindOf reports the kind of err, unwrapping as needed. Context cancellation
// maps to Cancelled, sql.ErrNoRows to NotFound, everything else to Internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var gap *GapError
	if errors.As(err, &gap) {
		return GapDetected
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return Cancelled
	case errors.Is(err, sql.ErrNoRows):
		return NotFound
	}
	return Internal
}

// Is reports whether err classifies as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HintOf returns the hint attached to err, if any.
func HintOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Hint
	}
	return ""
}

// Retryable reports whether the failure is worth retrying. Transient errors
// and timeouts qualify; everything else is permanent for the same input.
func Retryable(err error) bool {
	switch KindOf(err) {
	case Transient:
		return true
	case Cancelled:
		return errors.Is(err, context.DeadlineExceeded)
	}
	return false
}

// HTTPStatus maps a kind to the status code the API returns for it.
// Cross-workspace denials are converted to NotFound before this mapping so
// tenant ids cannot be probed.
func HTTPStatus(kind Kind) int {
	switch kind {
	case InvalidArgument:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case PermissionDenied:
		return http.StatusForbidden
	case DuplicateFile, Conflict, GapDetected:
		return http.StatusConflict
	case UnknownFormat, ParseError:
		return http.StatusUnprocessableEntity
	case Transient:
		return http.StatusServiceUnavailable
	case Cancelled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}
