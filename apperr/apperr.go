// Package apperr holds the error kinds shared across the chat and
// negotiation layers. Concrete errors wrap one of these with %w so callers
// can classify them with errors.Is.
package apperr

import (
	"errors"
	"fmt"
)

var (
	// ErrTransport covers disconnects and dispatch failures. Recovered by
	// falling back to polling.
	ErrTransport = errors.New("transport error")
	// ErrValidation is returned before dispatch; no side effects were created.
	ErrValidation = errors.New("validation error")
	// ErrConflict means the transition is not legal from the current state.
	ErrConflict = errors.New("conflict")
	// ErrNotFound is a soft state: the referenced record was removed.
	ErrNotFound = errors.New("not found")

	// ErrForbidden means the actor does not own the record or is suspended.
	ErrForbidden = errors.New("forbidden")
)

// ErrSuspended is the identity collaborator's suspension flag surfaced as
// a forbidden action.
var ErrSuspended = fmt.Errorf("%w: account is suspended", ErrForbidden)

// Kind returns the taxonomy sentinel err belongs to, or nil.
func Kind(err error) error {
	for _, k := range []error{ErrValidation, ErrConflict, ErrNotFound, ErrForbidden, ErrTransport} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

var codes = map[error]string{
	ErrValidation: "validation",
	ErrConflict:   "conflict",
	ErrNotFound:   "not_found",
	ErrForbidden:  "forbidden",
	ErrTransport:  "transport",
}

// Code is the wire name of err's kind, "internal" when it has none.
func Code(err error) string {
	if c, ok := codes[Kind(err)]; ok {
		return c
	}
	return "internal"
}

// FromCode maps a wire code back to its sentinel. Unknown codes are
// transport errors from the caller's point of view.
func FromCode(code string) error {
	for k, c := range codes {
		if c == code {
			return k
		}
	}
	return ErrTransport
}
