package errkind

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, Kind("")},
		{"plain error", errors.New("boom"), Internal},
		{"constructed", New(ParseError, "bad line"), ParseError},
		{"wrapped once", fmt.Errorf("ingesting: %w", New(DuplicateFile, "seen before")), DuplicateFile},
		{"wrapped twice", fmt.Errorf("outer: %w", fmt.Errorf("inner: %w", New(NotFound, "gone"))), NotFound},
		{"gap error", &GapError{LastReceived: 5, Expected: 6}, GapDetected},
		{"wrapped gap", fmt.Errorf("applying batch: %w", &GapError{LastReceived: 5, Expected: 6}), GapDetected},
		{"context canceled", context.Canceled, Cancelled},
		{"deadline exceeded", fmt.Errorf("querying: %w", context.DeadlineExceeded), Cancelled},
		{"no rows", sql.ErrNoRows, NotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}

func TestWrapNil(t *testing.T) {
	if err := Wrap(Transient, "should vanish", nil); err != nil {
		t.Fatalf("Wrap(nil) = %v, want nil", err)
	}
}

func TestUnwrapPreservesCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(Transient, "writing batch", cause)
	if !errors.Is(err, cause) {
		t.Fatalf("errors.Is(err, cause) = false, want true")
	}
	if got := err.Error(); got != "writing batch: disk full" {
		t.Errorf("Error() = %q", got)
	}
}

func TestGapErrorMessage(t *testing.T) {
	err := &GapError{LastReceived: 5, Expected: 6}
	want := "sequence gap: last received 5, expected 6"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestHint(t *testing.T) {
	err := Hinted(GapDetected, "sequence gap", "fetch session status and resend from expected")
	if got := HintOf(err); got != "fetch session status and resend from expected" {
		t.Errorf("HintOf = %q", got)
	}
	if got := HintOf(errors.New("plain")); got != "" {
		t.Errorf("HintOf(plain) = %q, want empty", got)
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"transient", New(Transient, "db locked"), true},
		{"deadline", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
		{"parse error", New(ParseError, "bad"), false},
		{"internal", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Retryable(tt.err); got != tt.want {
				t.Errorf("Retryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{InvalidArgument, http.StatusBadRequest},
		{NotFound, http.StatusNotFound},
		{PermissionDenied, http.StatusForbidden},
		{DuplicateFile, http.StatusConflict},
		{Conflict, http.StatusConflict},
		{GapDetected, http.StatusConflict},
		{UnknownFormat, http.StatusUnprocessableEntity},
		{ParseError, http.StatusUnprocessableEntity},
		{Transient, http.StatusServiceUnavailable},
		{Cancelled, 499},
		{Internal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			if got := HTTPStatus(tt.kind); got != tt.want {
				t.Errorf("HTTPStatus(%s) = %d, want %d", tt.kind, got, tt.want)
			}
		})
	}
}
