package settings

import (
	"errors"
	"fmt"
)

// ErrorKind classifies the fatal error categories of the partitioner.
// Convergence shortfalls are not errors; they surface as a flag in the
// metrics report.
type ErrorKind int

const (
	// InvalidConfiguration marks inconsistent settings, detected before
	// any computation starts. Maps to exit code 126 in the CLI.
	InvalidConfiguration ErrorKind = iota
	// WrongDistribution marks two aligned vectors disagreeing on their
	// local sizes (graph vs partition, weights vs coordinates).
	WrongDistribution
	// InconsistentInput marks structural defects of the input graph:
	// asymmetry, duplicate edges, self-loops.
	InconsistentInput
	// CollectiveFailure marks a failed reduction or halo update.
	CollectiveFailure
)

func (k ErrorKind) String() string {
	switch k {
	case InvalidConfiguration:
		return "invalid configuration"
	case WrongDistribution:
		return "wrong distribution"
	case InconsistentInput:
		return "inconsistent input"
	case CollectiveFailure:
		return "collective failure"
	}
	return "unknown error"
}

// Error is the sum type carried up the stack in place of exceptions.
type Error struct {
	Kind  ErrorKind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError builds an Error of the given kind with a formatted message.
func NewError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// WrapError attaches a cause to an Error of the given kind.
func WrapError(kind ErrorKind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf extracts the error kind, defaulting to CollectiveFailure for
// unknown errors coming out of the runtime.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return CollectiveFailure
}
