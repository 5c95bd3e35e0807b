// Package engine implements the contract amendment and dispute engine:
// the four ticket state machines, their expiry transitions, and the
// aggregate mutations and settlements their terminal states produce.
package engine

import (
	"errors"
	"fmt"
)

// ErrorKind classifies engine failures for callers. Only
// KindConcurrencyConflict is safe to retry verbatim.
type ErrorKind string

const (
	// KindPreconditionFailed: wrong contract or ticket status, wrong
	// actor, or a passed deadline. Not retryable.
	KindPreconditionFailed ErrorKind = "PreconditionFailed"
	// KindValidationFailed: malformed input (missing reason, bad fee).
	// Not retryable.
	KindValidationFailed ErrorKind = "ValidationFailed"
	// KindConcurrencyConflict: the contract version moved under the
	// operation. Retry the whole operation from fresh state.
	KindConcurrencyConflict ErrorKind = "ConcurrencyConflict"
	// KindGatewayFailure: the escrow gateway refused a charge intent.
	// The ticket remains in its pre-payment state.
	KindGatewayFailure ErrorKind = "GatewayFailure"
	// KindSchedulerSkip: the ticket was already processed. Internal;
	// the sweep logs it as a no-op and never surfaces it.
	KindSchedulerSkip ErrorKind = "SchedulerSkip"
)

// Error is the typed error returned by every engine operation.
type Error struct {
	Kind ErrorKind
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

// Retryable reports whether retrying the operation from fresh state
// can succeed.
func (e *Error) Retryable() bool { return e.Kind == KindConcurrencyConflict }

// KindOf extracts the engine error kind, or "" for foreign errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func precondition(format string, args ...any) *Error {
	return &Error{Kind: KindPreconditionFailed, Msg: fmt.Sprintf(format, args...)}
}

func validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidationFailed, Msg: fmt.Sprintf(format, args...)}
}

func conflict(msg string, err error) *Error {
	return &Error{Kind: KindConcurrencyConflict, Msg: msg, Err: err}
}

func gatewayFailure(msg string, err error) *Error {
	return &Error{Kind: KindGatewayFailure, Msg: msg, Err: err}
}

func schedulerSkip(format string, args ...any) *Error {
	return &Error{Kind: KindSchedulerSkip, Msg: fmt.Sprintf(format, args...)}
}
