// Package fault defines the error kinds returned across the test engine.
//
// Domain operations return *Error values carrying one of a closed set of
// kinds. Callers branch with errors.Is against the Err* sentinels or with
// KindOf; transports map kinds onto status codes.
package fault

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure.
type Kind string

const (
	SessionNotFound    Kind = "session_not_found"
	InvalidState       Kind = "invalid_state"
	InvalidAction      Kind = "invalid_action"
	SyncNotEnabled     Kind = "sync_not_enabled"
	MalformedDetection Kind = "malformed_detection"
	MalformedMessage   Kind = "malformed_message"
	Overflow           Kind = "overflow"
	Internal           Kind = "internal"
)

// Sentinels for errors.Is. They compare equal to any *Error of the same kind.
var (
	ErrSessionNotFound    = &Error{Kind: SessionNotFound}
	ErrInvalidState       = &Error{Kind: InvalidState}
	ErrInvalidAction      = &Error{Kind: InvalidAction}
	ErrSyncNotEnabled     = &Error{Kind: SyncNotEnabled}
	ErrMalformedDetection = &Error{Kind: MalformedDetection}
	ErrMalformedMessage   = &Error{Kind: MalformedMessage}
	ErrOverflow           = &Error{Kind: Overflow}
	ErrInternal           = &Error{Kind: Internal}
)

// Error is a classified engine error. Message is the user-visible reason and
// names the offending state or action.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on kind so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New creates an *Error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind, keeping it in the chain.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of err. Unclassified errors are Internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Internal
}

// Reason returns the user-visible message for err. Internal faults are
// reported generically.
func Reason(err error) string {
	var fe *Error
	if errors.As(err, &fe) && fe.Kind != Internal {
		if fe.Message == "" {
			return string(fe.Kind)
		}
		return fe.Message
	}
	return "internal error"
}

// HTTPStatus maps a kind onto the status code used by the control surface.
func HTTPStatus(kind Kind) int {
	switch kind {
	case SessionNotFound:
		return http.StatusNotFound
	case InvalidState:
		return http.StatusConflict
	case InvalidAction, MalformedDetection, MalformedMessage:
		return http.StatusBadRequest
	case SyncNotEnabled:
		return http.StatusOK
	case Overflow:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
