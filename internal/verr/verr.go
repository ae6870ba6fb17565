// Package verr classifies errors the way §7 of the design requires: a
// validation error is the caller's fault and never retried, a transient
// error is retried locally with backoff, a protocol error falls back to the
// owning subsystem's timeout/recheck loop, and a fatal error aborts startup.
package verr

import (
	"errors"
	"fmt"
)

// Class is the error taxonomy bucket assigned to an error.
type Class int

const (
	// Transient marks infrastructure errors (store timeout, failed publish)
	// that are safe to retry with backoff.
	Transient Class = iota
	// Validation marks user-fault errors (empty fields, duplicate vote,
	// future timestamp). Never retried.
	Validation
	// Protocol marks a lost message in an ongoing protocol (dropped
	// acknowledgment, lost heartbeat). Handled by the owning timeout.
	Protocol
	// Fatal marks startup failures (store unreachable, bind error).
	Fatal
)

func (c Class) String() string {
	switch c {
	case Transient:
		return "transient"
	case Validation:
		return "validation"
	case Protocol:
		return "protocol"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error wraps an underlying error with a Class.
type Error struct {
	Class Class
	Op    string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func New(class Class, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Class: class, Op: op, Err: err}
}

func Validationf(op, format string, args ...interface{}) error {
	return New(Validation, op, fmt.Errorf(format, args...))
}

func Transientf(op string, err error) error {
	return New(Transient, op, err)
}

func Protocolf(op string, err error) error {
	return New(Protocol, op, err)
}

func Fatalf(op string, err error) error {
	return New(Fatal, op, err)
}

// ClassOf returns the Class attached to err, or Transient if err was not
// produced by this package (the conservative default: retry rather than
// reject).
func ClassOf(err error) Class {
	var ve *Error
	if err == nil {
		return Transient
	}
	if e, ok := err.(*Error); ok {
		return e.Class
	}
	_ = ve
	return Transient
}

// Is reports whether err (or any error it wraps) belongs to class c.
func Is(err error, c Class) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Class == c
}
