package models

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration is returned when a rule, condition or action is malformed
	ErrConfiguration = errors.New("configuration error")

	// ErrNotFound is returned when a referenced contact, opportunity or email does not exist
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned for illegal status transitions and duplicate snapshots
	ErrConflict = errors.New("conflict")

	// ErrTransient is returned when the data store is unavailable
	ErrTransient = errors.New("transient error")
)

// ErrorKind is the serialized name of an error kind
type ErrorKind string

const (
	ErrorKindConfiguration ErrorKind = "configuration"
	ErrorKindNotFound      ErrorKind = "not_found"
	ErrorKindConflict      ErrorKind = "conflict"
	ErrorKindTransient     ErrorKind = "transient"
	ErrorKindUnknown       ErrorKind = "unknown"
)

// Error is a classified domain error
type Error struct {
	// Kind is one of the sentinel kinds above
	Kind error

	// Op names the operation that failed (e.g. "create_opportunity")
	Op string

	// Message is a human readable description
	Message string

	// Err is the underlying error, if any
	Err error
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

// Unwrap lets errors.Is match both the kind and the underlying error
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// NewError creates a classified error
func NewError(kind error, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// WrapError classifies an underlying error
func WrapError(kind error, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// NotFoundf is a shorthand for a formatted ErrNotFound
func NotFoundf(op, format string, args ...interface{}) *Error {
	return NewError(ErrNotFound, op, fmt.Sprintf(format, args...))
}

// Conflictf is a shorthand for a formatted ErrConflict
func Conflictf(op, format string, args ...interface{}) *Error {
	return NewError(ErrConflict, op, fmt.Sprintf(format, args...))
}

// ConfigErrorf is a shorthand for a formatted ErrConfiguration
func ConfigErrorf(op, format string, args ...interface{}) *Error {
	return NewError(ErrConfiguration, op, fmt.Sprintf(format, args...))
}

// KindOf returns the kind of err
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConfiguration):
		return ErrorKindConfiguration
	case errors.Is(err, ErrNotFound):
		return ErrorKindNotFound
	case errors.Is(err, ErrConflict):
		return ErrorKindConflict
	case errors.Is(err, ErrTransient):
		return ErrorKindTransient
	default:
		return ErrorKindUnknown
	}
}

// IsTransient reports whether err should abort processing of the current email
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
