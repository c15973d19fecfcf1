// Package apperr defines the typed business errors shared by every layer.
//
// The ledger, matching engine, and services raise errors with a Kind; the
// HTTP layer maps kinds to status codes in exactly one place, and the
// client SDK maps them back, so consumers of pkg/client branch on the same
// vocabulary the server uses. Anything without a kind is treated as
// Internal.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the caller.
type Kind int

const (
	Internal Kind = iota // invariant violation or backing-store failure
	Unauthenticated      // missing or malformed credentials
	Forbidden            // authenticated but not authorized for the resource
	NotFound             // unknown order, instrument, or user
	Conflict             // duplicate ticker, delete blocked by references
	InvalidInput         // request validation failure
	InsufficientFunds    // reservation or withdrawal cannot be satisfied
	NoLiquidity          // market order with no crossable counter-orders
	TransientConflict    // deadlock or lock contention after retries exhausted
)

func (k Kind) String() string {
	switch k {
	case Unauthenticated:
		return "unauthenticated"
	case Forbidden:
		return "forbidden"
	case NotFound:
		return "not_found"
	case Conflict:
		return "conflict"
	case InvalidInput:
		return "invalid_input"
	case InsufficientFunds:
		return "insufficient_funds"
	case NoLiquidity:
		return "no_liquidity"
	case TransientConflict:
		return "transient_conflict"
	default:
		return "internal"
	}
}

// Error is a business error with a Kind. The message is user-facing; the
// wrapped cause, when present, is for logs only.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error of the given kind.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying cause.
func Wrap(kind Kind, err error, msg string) error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the Kind from anywhere in err's chain. Errors without a
// kind classify as Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Message returns the user-facing message of err: the Msg of the outermost
// kinded error, or err.Error() when none is present.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Msg
	}
	return err.Error()
}
