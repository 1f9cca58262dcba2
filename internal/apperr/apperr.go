// Package apperr defines the error taxonomy surfaced by the trading core.
//
// Every error that crosses a public boundary carries a Kind so callers can
// render it as a {kind, message} pair without string matching:
//
//	err := apperr.Newf(apperr.KindNotFound, "trader %s not found", id)
//	if apperr.Is(err, apperr.KindNotFound) { ... }
package apperr

import (
	"errors"
	"fmt"
)

// Kind identifies a class of failure.
type Kind string

const (
	KindValidation           Kind = "validation_error"
	KindInvalidState         Kind = "invalid_state"
	KindNotFound             Kind = "not_found"
	KindInsufficientBalance  Kind = "insufficient_balance"
	KindInsufficientPosition Kind = "insufficient_position"
	KindExchangeTransient    Kind = "exchange_transient"
	KindExchangeFatal        Kind = "exchange_fatal"
	KindInternal             Kind = "internal"
)

// Error is a structured error with a kind, a message and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

// New creates an Error with the given kind and message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an existing error.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Wrapf attaches a kind and formatted message to an existing error.
func Wrapf(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// KindOf returns the kind of the outermost *Error in err's chain,
// or KindInternal when there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == kind
}

// Message returns the human-readable message of err without the kind prefix.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Cause != nil {
			return fmt.Sprintf("%s: %v", e.Message, e.Cause)
		}
		return e.Message
	}
	return err.Error()
}
