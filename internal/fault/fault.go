// Package fault defines the error kinds shared by the courier core.
// Every operation failure is classified so callers (and the HTTP layer)
// can react without string matching.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a core error.
type Kind string

const (
	// Validation means malformed input the caller can fix.
	Validation Kind = "validation"
	// NotFound means a referenced entity does not exist.
	NotFound Kind = "not_found"
	// State means the operation is invalid for the entity's current lifecycle state.
	State Kind = "state"
	// Conflict means a uniqueness or ordering constraint was violated,
	// including optimistic-concurrency version mismatches.
	Conflict Kind = "conflict"
	// Forbidden means the actor is not authorized for this state mutation.
	Forbidden Kind = "forbidden"
	// Transport means a message hand-off could not reach the recipient's
	// inbox. Recoverable: the channel retries it internally and never
	// surfaces it to the caller of Send.
	Transport Kind = "transport"
)

// Error is a classified core error.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// Validationf builds a Validation error.
func Validationf(format string, args ...any) *Error { return New(Validation, format, args...) }

// NotFoundf builds a NotFound error.
func NotFoundf(format string, args ...any) *Error { return New(NotFound, format, args...) }

// Statef builds a State error.
func Statef(format string, args ...any) *Error { return New(State, format, args...) }

// Conflictf builds a Conflict error.
func Conflictf(format string, args ...any) *Error { return New(Conflict, format, args...) }

// Forbiddenf builds a Forbidden error.
func Forbiddenf(format string, args ...any) *Error { return New(Forbidden, format, args...) }

// Transportf builds a Transport error.
func Transportf(format string, args ...any) *Error { return New(Transport, format, args...) }

// KindOf returns the kind of err, or "" when err carries no classification.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool { return KindOf(err) == kind }
