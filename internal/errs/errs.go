// Package errs implements the error taxonomy from spec.md §7. Each Kind
// tags one class of failure so callers can switch on it via KindOf. The
// package enforces no propagation policy itself: cmd/streamdroplets logs
// indexer errors of every Kind and polls again on the next interval, and
// the scheduler logs a failed tick; no Kind, DeterminismViolation
// included, stops the process or quarantines a tick.
package errs

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is the taxonomy tag. It intentionally does not name implementation
// details — callers switch on Kind, never on error strings.
type Kind string

const (
	Validation             Kind = "validation"
	NotFound               Kind = "not_found"
	ChainTransient         Kind = "chain_transient"
	ChainFatal             Kind = "chain_fatal"
	OracleUnavailable      Kind = "oracle_unavailable"
	IntegrationInconsistency Kind = "integration_inconsistency"
	ReorgDetected          Kind = "reorg_detected"
	SchedulerLockHeld      Kind = "scheduler_lock_held"
	DeterminismViolation   Kind = "determinism_violation"
)

// Error wraps an underlying cause with a taxonomy Kind and a short
// caller-facing message, per spec.md §7 ("never leaks internal detail
// except a short message").
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds a Kind-tagged error with no underlying cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap attaches a Kind and message to an existing error, preserving it as
// the Unwrap() target with a stack trace added via pkg/errors.WithStack.
func Wrap(kind Kind, cause error, message string) *Error {
	if cause == nil {
		return New(kind, message)
	}
	return &Error{Kind: kind, Message: message, cause: errors.WithStack(cause)}
}

// KindOf extracts the Kind from err if it (or something it wraps) is an
// *Error, defaulting to empty string otherwise.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err's Kind equals k.
func Is(err error, k Kind) bool {
	return KindOf(err) == k
}
