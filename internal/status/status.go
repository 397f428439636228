// Package status defines the closed return-code enumeration that every
// public nosv operation reports (spec.md §6). It is the single point
// where an internal error (a Go error value, usually wrapped with
// github.com/pkg/errors) is mapped onto the wire/API boundary.
package status

import "github.com/pkg/errors"

// Code is one of the status codes an operation may return. The zero
// value, OK, means success.
type Code int

const (
	OK Code = iota
	ErrInvalidCallback
	ErrInvalidMetadataSize
	ErrInvalidOperation
	ErrInvalidParameter
	ErrNotInitialized
	ErrOutOfMemory
	ErrOutsideTask
	ErrUnknown
	ErrBusy
)

var names = map[Code]string{
	OK:                     "ok",
	ErrInvalidCallback:     "invalid-callback",
	ErrInvalidMetadataSize: "invalid-metadata-size",
	ErrInvalidOperation:    "invalid-operation",
	ErrInvalidParameter:    "invalid-parameter",
	ErrNotInitialized:      "not-initialized",
	ErrOutOfMemory:         "out-of-memory",
	ErrOutsideTask:         "outside-task",
	ErrUnknown:             "unknown",
	ErrBusy:                "busy",
}

func (c Code) String() string {
	if n, ok := names[c]; ok {
		return n
	}
	return "invalid-status-code"
}

// Error adapts a Code to the error interface so it can be returned
// directly from Go APIs that additionally want idiomatic error handling
// (errors.Is against the sentinel Codes below).
func (c Code) Error() string { return c.String() }

// FromError maps an internal error to the closed status enumeration.
// Callers that want a specific code should return that Code directly
// (it already satisfies error); FromError exists for the fallback case
// where an error crossed the boundary wrapped in context (via
// github.com/pkg/errors.Wrap) or not wrapped at all.
func FromError(err error) Code {
	if err == nil {
		return OK
	}
	if c, ok := errors.Cause(err).(Code); ok {
		return c
	}
	return ErrUnknown
}
