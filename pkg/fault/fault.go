// Package fault defines the closed set of failure kinds shared by the lock,
// cache, scheduler and task packages.
//
// Every error that crosses a package boundary in burrow either is, or wraps,
// a *fault.Error carrying one of the Kind values below. Callers branch on the
// kind (retry next tick, surface as configuration error, record on a task)
// rather than on concrete error types.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind int

const (
	// KindUnknown is returned by KindOf for errors that carry no kind.
	KindUnknown Kind = iota

	// KindTransientCoordination means the lock store was unreachable.
	// Retry on the next tick; no alarm.
	KindTransientCoordination

	// KindUnsupportedOperation means the cache backend cannot perform the
	// requested read or write shape. This is a configuration error and is
	// never retried.
	KindUnsupportedOperation

	// KindAgentExecution means an agent's fetch logic failed. Isolated to
	// that agent; the previous cache generation is preserved.
	KindAgentExecution

	// KindTimedOut means a task exceeded its deadline. Terminal.
	KindTimedOut

	// KindInvalidTransition means a caller attempted an illegal task status
	// update. Programming error.
	KindInvalidTransition
)

// String returns the wire name of the kind.
func (k Kind) String() string {
	switch k {
	case KindTransientCoordination:
		return "transient_coordination"
	case KindUnsupportedOperation:
		return "unsupported_operation"
	case KindAgentExecution:
		return "agent_execution"
	case KindTimedOut:
		return "timed_out"
	case KindInvalidTransition:
		return "invalid_transition"
	default:
		return "unknown"
	}
}

// ParseKind is the inverse of Kind.String. Unrecognised names map to KindUnknown.
func ParseKind(s string) Kind {
	switch s {
	case "transient_coordination":
		return KindTransientCoordination
	case "unsupported_operation":
		return KindUnsupportedOperation
	case "agent_execution":
		return KindAgentExecution
	case "timed_out":
		return KindTimedOut
	case "invalid_transition":
		return KindInvalidTransition
	default:
		return KindUnknown
	}
}

// Error is a failure tagged with its Kind and the operation that produced it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New tags err with kind. op names the failing operation, e.g. "lock.acquire".
func New(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf is New with a formatted cause.
func Errorf(kind Kind, op string, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the outermost *Error in err's chain.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
