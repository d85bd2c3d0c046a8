package fault

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestErrorsIsMatchesKind(t *testing.T) {
	t.Parallel()

	err := New(InvalidState, "cannot pause from %s", "created")
	if !errors.Is(err, ErrInvalidState) {
		t.Errorf("errors.Is(%v, ErrInvalidState) = false, want true", err)
	}
	if errors.Is(err, ErrInvalidAction) {
		t.Errorf("errors.Is(%v, ErrInvalidAction) = true, want false", err)
	}

	wrapped := fmt.Errorf("control: %w", err)
	if !errors.Is(wrapped, ErrInvalidState) {
		t.Error("wrapped error lost its kind")
	}
}

func TestKindOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"classified", New(SessionNotFound, "session %q not found", "x"), SessionNotFound},
		{"wrapped", fmt.Errorf("outer: %w", New(Overflow, "queue full")), Overflow},
		{"foreign", errors.New("boom"), Internal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestReasonHidesInternalDetail(t *testing.T) {
	t.Parallel()

	if got := Reason(errors.New("db password leaked")); got != "internal error" {
		t.Errorf("Reason(foreign) = %q", got)
	}
	if got := Reason(New(InvalidState, "cannot resume from running")); got != "cannot resume from running" {
		t.Errorf("Reason(invalid state) = %q", got)
	}
}

func TestWrapKeepsCause(t *testing.T) {
	t.Parallel()

	cause := errors.New("disk full")
	err := Wrap(Internal, cause, "append result")
	if !errors.Is(err, cause) {
		t.Error("Wrap should keep the cause in the chain")
	}
}

func TestHTTPStatus(t *testing.T) {
	t.Parallel()

	tests := map[Kind]int{
		SessionNotFound:    http.StatusNotFound,
		InvalidState:       http.StatusConflict,
		InvalidAction:      http.StatusBadRequest,
		MalformedDetection: http.StatusBadRequest,
		MalformedMessage:   http.StatusBadRequest,
		SyncNotEnabled:     http.StatusOK,
		Overflow:           http.StatusServiceUnavailable,
		Internal:           http.StatusInternalServerError,
	}
	for kind, want := range tests {
		if got := HTTPStatus(kind); got != want {
			t.Errorf("HTTPStatus(%s) = %d, want %d", kind, got, want)
		}
	}
}
