// Package perr defines the error taxonomy surfaced to planter clients.
//
// Every error that crosses the IPC boundary is mapped to one of a small set
// of Kinds; the human-readable message travels alongside it but the Kind is
// what callers branch on; the message and cause are for logs, not control flow.
package perr

import (
	"errors"
	"fmt"
)

// Kind is the taxonomy of errors the daemon can report to a client.
type Kind int

const (
	// Internal covers anything that doesn't fit a more specific kind.
	Internal Kind = iota
	BadRequest
	NotFound
	Conflict
	Unavailable
	ProtocolMismatch
	Timeout
)

func (k Kind) String() string {
	switch k {
	case BadRequest:
		return "BadRequest"
	case NotFound:
		return "NotFound"
	case Conflict:
		return "Conflict"
	case Unavailable:
		return "Unavailable"
	case ProtocolMismatch:
		return "ProtocolMismatch"
	case Timeout:
		return "Timeout"
	default:
		return "Internal"
	}
}

// ParseKind maps a wire-encoded kind string back to a Kind, defaulting to
// Internal for anything unrecognized (forward-compatible with future kinds).
func ParseKind(s string) Kind {
	switch s {
	case "BadRequest":
		return BadRequest
	case "NotFound":
		return NotFound
	case "Conflict":
		return Conflict
	case "Unavailable":
		return Unavailable
	case "ProtocolMismatch":
		return ProtocolMismatch
	case "Timeout":
		return Timeout
	default:
		return Internal
	}
}

// Error is a Kind plus a human-readable message and optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error of the given kind, wrapping cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf extracts the Kind from err if it is (or wraps) a *Error, otherwise
// returns Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// MessageOf extracts a human-readable message from err.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}
