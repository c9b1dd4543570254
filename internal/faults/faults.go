// Package faults defines the error taxonomy shared by every roundtable component.
//
// Each failure is classified by Kind so the controller and the CLI can decide
// whether to retry, absorb, or abort without string matching.
package faults

import (
	"errors"
	"fmt"
)

// Kind classifies an error by how the orchestrator must react to it.
type Kind string

const (
	// KindValidation is a path, size or operation-count rejection. Never retried;
	// surfaced to the requesting actor and consumes its turn.
	KindValidation Kind = "validation"

	// KindCapacity is a cache quota overflow. Non-fatal; the store is a no-op.
	KindCapacity Kind = "capacity"

	// KindRetryable matches the transient-failure classifier.
	KindRetryable Kind = "retryable"

	// KindFatal does not match the classifier and propagates immediately.
	KindFatal Kind = "fatal"

	// KindCircuitOpen is an immediate rejection from an open circuit breaker.
	KindCircuitOpen Kind = "circuit_open"

	// KindHandoff is an invalid or exhausted handoff target, recovered locally.
	KindHandoff Kind = "handoff"
)

// Error is a classified error with operation context.
type Error struct {
	Kind    Kind
	Op      string
	Err     error
	Context map[string]string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Kind, e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err with a kind and operation name.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf builds a classified error from a format string.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// With attaches a context key/value and returns the same error.
func (e *Error) With(key, value string) *Error {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// KindOf returns the kind of the first classified error in the chain.
// Unclassified non-nil errors are reported as KindFatal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindFatal
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsTerminal reports whether err must stop the process with a non-zero exit.
func IsTerminal(err error) bool {
	switch KindOf(err) {
	case KindFatal, KindCircuitOpen:
		return true
	default:
		return false
	}
}
