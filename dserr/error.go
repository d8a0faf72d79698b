// Package dserr defines the error taxonomy shared by the binding cache, the
// lock manager and the reliable request queue.
package dserr

import (
	"context"
	"errors"
	"fmt"
)

// Kind identifies one of the error categories the data store core produces.
// Callers are expected to branch on Kind via Of, rather than string-match
// error messages.
type Kind int

const (
	// Timeout means the caller waited past its deadline. Recoverable by
	// caller abort/retry.
	Timeout Kind = iota + 1

	// Interrupted means a wait was cooperatively canceled. Recoverable;
	// callers typically retry.
	Interrupted

	// Deadlock means a locker was chosen as a deadlock victim. Fatal for
	// that locker: it must be discarded.
	Deadlock

	// Blocked is returned only by no-wait variants to mean the operation
	// would have had to wait. Transient.
	Blocked

	// PeerDown means the request queue exhausted max.retry without
	// progress. Escalates to node shutdown.
	PeerDown

	// RequestFailed wraps a server-side business failure delivered to the
	// request that triggered it. Not retried automatically.
	RequestFailed

	// InvalidState means a programmer error: a broken invariant, a misuse
	// of the API (e.g. double setPendingPrevious, a lock attempt on an
	// already deadlocked locker). Fatal.
	InvalidState
)

func (k Kind) String() string {
	switch k {
	case Timeout:
		return "timeout"
	case Interrupted:
		return "interrupted"
	case Deadlock:
		return "deadlock"
	case Blocked:
		return "blocked"
	case PeerDown:
		return "peer-down"
	case RequestFailed:
		return "request-failed"
	case InvalidState:
		return "invalid-state"
	default:
		return "unknown"
	}
}

// Error is the concrete error type returned by the cache, lock manager and
// request queue.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	switch {
	case e.cause != nil && e.Message != "":
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	case e.cause != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.cause)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.cause }

// Is lets errors.Is(err, dserr.New(dserr.Deadlock, "")) and, more usefully,
// Of(err, dserr.Deadlock) match purely on Kind rather than on message or
// wrapped cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New builds a bare *Error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Newf builds a bare *Error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error of the given kind around an existing cause, used
// for RequestFailed(cause) and for surfacing transport errors with context.
func Wrap(kind Kind, cause error, msg string) *Error {
	return &Error{Kind: kind, Message: msg, cause: cause}
}

// FromContext maps ctx.Err() to the Timeout/Interrupted kinds the spec
// requires instead of the bare context sentinel errors, so every blocking
// entry point in the cache, lock manager and queue reports one of the
// documented kinds regardless of whether the deadline came from a
// context.Context or from hand-rolled timer arithmetic.
func FromContext(ctx context.Context) *Error {
	switch ctx.Err() {
	case context.DeadlineExceeded:
		return New(Timeout, "deadline exceeded")
	case context.Canceled:
		return New(Interrupted, "context canceled")
	default:
		return nil
	}
}

// Of reports whether err is, or wraps, a *Error of the given kind.
func Of(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Assert panics with an InvalidState error if cond is false. Used at the
// handful of points the spec marks fatal: double setPendingPrevious, lock
// attempts on an already-deadlocked locker, synchronization-discipline
// violations in the lock manager.
func Assert(cond bool, format string, args ...interface{}) {
	if !cond {
		panic(Newf(InvalidState, format, args...))
	}
}
