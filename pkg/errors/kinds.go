// Package errors classifies failures of the resilience core.
//
// Every failure falls into one of four kinds: connectivity (transient, absorbed
// behind breakers and fallbacks), capacity (rate limit or session cap, surfaced
// as "try later"), integrity (security incident, never retried) and
// configuration (fatal at startup). Database errors are additionally classified
// by ClassifyDBError.
package errors

import (
	"errors"
	"fmt"
)

// Kind is the failure class.
type Kind int

const (
	KindUnknown Kind = iota
	KindConnectivity
	KindCapacity
	KindIntegrity
	KindConfiguration
)

func (k Kind) String() string {
	switch k {
	case KindConnectivity:
		return "connectivity"
	case KindCapacity:
		return "capacity"
	case KindIntegrity:
		return "integrity"
	case KindConfiguration:
		return "configuration"
	default:
		return "unknown"
	}
}

// Retryable reports whether errors of this kind may be retried automatically.
func (k Kind) Retryable() bool {
	return k == KindConnectivity
}

// Error is a classified failure.
type Error struct {
	Kind   Kind
	Op     string
	Reason string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error of the same kind, so sentinel values like
// ErrConnectivity work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Reason == "" && t.Err == nil && t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrConnectivity  = &Error{Kind: KindConnectivity}
	ErrCapacity      = &Error{Kind: KindCapacity}
	ErrIntegrity     = &Error{Kind: KindIntegrity}
	ErrConfiguration = &Error{Kind: KindConfiguration}
)

// Connectivity wraps err as a connectivity failure of op.
func Connectivity(op string, err error) error {
	return &Error{Kind: KindConnectivity, Op: op, Err: err}
}

// Capacity reports a capacity denial.
func Capacity(op, reason string) error {
	return &Error{Kind: KindCapacity, Op: op, Reason: reason}
}

// Integrity reports a security incident.
func Integrity(op, reason string) error {
	return &Error{Kind: KindIntegrity, Op: op, Reason: reason}
}

// Configuration reports invalid or missing configuration.
func Configuration(format string, args ...interface{}) error {
	return &Error{Kind: KindConfiguration, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of err. Unclassified store connectivity failures
// report KindConnectivity.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if IsConnectivityError(err) {
		return KindConnectivity
	}
	return KindUnknown
}
