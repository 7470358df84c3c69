// Package procerrors provides structured error types for the procedural
// memory engine. Error preserves message, kind, and causal context while
// still implementing the standard error interface, so callers can branch on
// Kind() or walk the chain with errors.Is/As.
package procerrors

import (
	"errors"
	"fmt"
)

// Kind classifies the failure so callers can decide whether to retry, degrade,
// or surface the error to a human.
type Kind int

const (
	// Unknown is the zero value; never constructed directly.
	Unknown Kind = iota
	// InvalidInput marks a malformed or out-of-range argument.
	InvalidInput
	// ResourceExhausted marks exhaustion of a bounded resource. The
	// hyperpath flattener's recursion-depth guard does not return it; it
	// counts DepthExceeded in its diagnostics.
	ResourceExhausted
	// DegradedLearning marks a fallback path taken because too little trace
	// history exists to train normally; not itself a failure of the caller.
	DegradedLearning
	// ConcurrencyConflict marks an operation skipped because a concurrent
	// writer already held the relevant lock.
	ConcurrencyConflict
	// PathfinderMiss marks a directed-hyperpath search that exhausted the
	// frontier without reaching the target.
	PathfinderMiss
	// SubprocessFailure marks failure of an out-of-process training worker.
	SubprocessFailure
	// Internal marks a failure that should never happen given the engine's
	// own invariants.
	Internal
)

// String renders the Kind as its lower_snake diagnostic name.
func (k Kind) String() string {
	switch k {
	case InvalidInput:
		return "invalid_input"
	case ResourceExhausted:
		return "resource_exhausted"
	case DegradedLearning:
		return "degraded_learning"
	case ConcurrencyConflict:
		return "concurrency_conflict"
	case PathfinderMiss:
		return "pathfinder_miss"
	case SubprocessFailure:
		return "subprocess_failure"
	case Internal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error represents a structured engine failure that preserves a kind,
// message, and causal context while implementing the standard error
// interface. Errors may be nested via Cause to retain diagnostics across
// retries and adapter boundaries.
type Error struct {
	// Kind classifies the failure.
	Kind Kind
	// Message is the human-readable summary of the failure.
	Message string
	// Cause links to the underlying engine error, enabling chains with
	// errors.Is/As.
	Cause *Error
}

// New constructs an Error of the given kind with the provided message.
func New(kind Kind, message string) *Error {
	if message == "" {
		message = kind.String()
	}
	return &Error{Kind: kind, Message: message}
}

// Newf formats according to a format specifier and returns the result as an
// Error of the given kind.
func Newf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap constructs an Error of the given kind that wraps an underlying error.
// The cause is converted into an Error chain so kind and message survive
// across errors.Is/As via Unwrap.
func Wrap(kind Kind, message string, cause error) *Error {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	return &Error{
		Kind:    kind,
		Message: message,
		Cause:   FromError(cause),
	}
}

// FromError converts an arbitrary error into an Error chain. If err is
// already an *Error (possibly wrapped), that value is returned unchanged.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{
		Kind:    Internal,
		Message: err.Error(),
		Cause:   FromError(errors.Unwrap(err)),
	}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// Unwrap returns the underlying error to support errors.Is/As.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is reports whether target is an *Error with the same Kind, so callers can
// write errors.Is(err, procerrors.New(procerrors.PathfinderMiss, "")).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.Kind == t.Kind
}

// IsKind reports whether err is, or wraps, an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}
