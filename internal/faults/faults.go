// Package faults classifies errors raised while dispatching commands and
// reconciling lifecycle events. The classification decides whether a
// failure is shown to the user, retried in-process, or left to queue
// redelivery.
package faults

import (
	"errors"
	"fmt"
)

// Kind is the classification of a failure.
type Kind string

const (
	// User-input and state errors. Terminal and user-visible.
	KindUnauthorized   Kind = "unauthorized"
	KindUnknownSpec    Kind = "unknown_spec"
	KindUnknownServer  Kind = "unknown_server"
	KindQuotaExceeded  Kind = "quota_exceeded"
	KindServerBusy     Kind = "server_busy"
	KindInvalidRequest Kind = "invalid_request"

	// KindConflict is an optimistic-write collision, retried in-process.
	KindConflict Kind = "conflict_retry"
	// KindTransient causes queue-level redelivery.
	KindTransient Kind = "transient"
	// KindCapacity means the provisioner rejected a launch. Not retried.
	KindCapacity Kind = "capacity"
	// KindOrphanCompensation marks a launch whose bookkeeping lost a race
	// and was stopped again. Logged, never shown to users.
	KindOrphanCompensation Kind = "orphan_compensation"
)

// Error is a classified error.
type Error struct {
	Kind Kind
	// Op is the operation that failed, e.g. "start".
	Op string
	// Key identifies the record involved, if any.
	Key string
	Msg string
	Err error
}

func (e *Error) Error() string {
	s := fmt.Sprintf("[%s]", e.Kind)
	if e.Op != "" {
		s += " " + e.Op
	}
	if e.Key != "" {
		s += " " + e.Key
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so callers can write
// errors.Is(err, faults.ServerBusy).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinels for errors.Is comparisons.
var (
	Unauthorized       = &Error{Kind: KindUnauthorized}
	UnknownSpec        = &Error{Kind: KindUnknownSpec}
	UnknownServer      = &Error{Kind: KindUnknownServer}
	QuotaExceeded      = &Error{Kind: KindQuotaExceeded}
	ServerBusy         = &Error{Kind: KindServerBusy}
	InvalidRequest     = &Error{Kind: KindInvalidRequest}
	Conflict           = &Error{Kind: KindConflict}
	Transient          = &Error{Kind: KindTransient}
	Capacity           = &Error{Kind: KindCapacity}
	OrphanCompensation = &Error{Kind: KindOrphanCompensation}
)

// New builds a classified error.
func New(kind Kind, op, key, msg string) *Error {
	return &Error{Kind: kind, Op: op, Key: key, Msg: msg}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the first classified error in err's chain,
// or KindTransient for unclassified errors.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindTransient
}

// IsTerminal reports whether err must not be retried: the outcome is
// final and the user is told about it.
func IsTerminal(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindUnauthorized, KindUnknownSpec, KindUnknownServer,
		KindQuotaExceeded, KindServerBusy, KindInvalidRequest, KindCapacity:
		return true
	}
	return false
}

// UserMessage renders a short, user-facing explanation of a terminal error.
func UserMessage(err error) string {
	switch KindOf(err) {
	case KindUnauthorized:
		return "you are not allowed to manage servers in this guild"
	case KindUnknownSpec:
		return "unknown server spec"
	case KindUnknownServer:
		return "no such server"
	case KindQuotaExceeded:
		return "this guild has reached its server quota"
	case KindServerBusy:
		return "the server must be stopped before it can be deleted"
	case KindInvalidRequest:
		var fe *Error
		if errors.As(err, &fe) && fe.Msg != "" {
			return "invalid request: " + fe.Msg
		}
		return "invalid request"
	case KindCapacity:
		return "no capacity available to start the server, try again later"
	default:
		return "temporary failure, please retry"
	}
}
