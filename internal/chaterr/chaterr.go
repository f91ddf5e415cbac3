// Package chaterr defines the error taxonomy shared by the sync core.
//
// Adapters (backend client, listener, store) translate every failure into one
// of these kinds before it reaches the reconciliation engine.
package chaterr

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failure by how the core reacts to it.
type Kind int

const (
	// Transient failures are retried with backoff and surfaced only when attempts run out.
	Transient Kind = iota + 1
	// Auth failures are surfaced immediately; the caller must refresh credentials.
	Auth
	// Conflict failures are resolved internally by the merge rule.
	Conflict
	// Rejected means the backend refused the content permanently.
	Rejected
	// Corruption means a local row failed its invariant checks.
	Corruption
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Auth:
		return "auth"
	case Conflict:
		return "conflict"
	case Rejected:
		return "rejected"
	case Corruption:
		return "corruption"
	default:
		return "unknown"
	}
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Sentinels for errors.Is checks against a kind.
var (
	ErrTransient  = &Error{Kind: Transient}
	ErrAuth       = &Error{Kind: Auth}
	ErrConflict   = &Error{Kind: Conflict}
	ErrRejected   = &Error{Kind: Rejected}
	ErrCorruption = &Error{Kind: Corruption}
)

// Error is a classified failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, ErrAuth) works through wrapping.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Err == nil
}

// New wraps err with a kind and operation name.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf builds a classified error from a format string.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of err. Unclassified errors count as transient,
// except context cancellation which is never retried by itself.
func KindOf(err error) Kind {
	if err == nil {
		return 0
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	if errors.Is(err, context.Canceled) {
		return 0
	}
	return Transient
}

// IsRetryable reports whether the outbox should schedule another attempt.
func IsRetryable(err error) bool {
	return KindOf(err) == Transient
}
