// Package xerr defines the error taxonomy exposed by the netfront driver.
package xerr

import (
	"errors"
	"fmt"
)

// Kind identifies the broad category of a driver error.
type Kind int

const (
	// KindUnknown is any unanticipated failure; Error.Detail carries a
	// human-readable description.
	KindUnknown Kind = iota
	// KindUnimplemented is a recognized but unsupported operation.
	KindUnimplemented
	// KindDisconnected means the device was previously connected and has
	// since been removed from the registry.
	KindDisconnected
	// KindShutdown means the ring being operated on has been retired, either
	// by resume or by disconnect; callers awaiting a completion on it should
	// treat this as retryable against whatever ring replaces it.
	KindShutdown
)

func (k Kind) String() string {
	switch k {
	case KindUnknown:
		return "unknown"
	case KindUnimplemented:
		return "unimplemented"
	case KindDisconnected:
		return "disconnected"
	case KindShutdown:
		return "shutdown"
	default:
		return "invalid"
	}
}

// Error is the error type returned across the driver's public API.
type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same Kind, so callers can
// write errors.Is(err, xerr.Disconnected("")) style checks against the kind
// alone.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// Unknown builds a KindUnknown error with the given detail message.
func Unknown(detail string) *Error {
	return &Error{Kind: KindUnknown, Detail: detail}
}

// Unknownf builds a KindUnknown error wrapping err.
func Unknownf(detail string, err error) *Error {
	return &Error{Kind: KindUnknown, Detail: detail, Err: err}
}

// Unimplemented builds a KindUnimplemented error with the given detail.
func Unimplemented(detail string) *Error {
	return &Error{Kind: KindUnimplemented, Detail: detail}
}

// Disconnected builds a KindDisconnected error with the given detail.
func Disconnected(detail string) *Error {
	return &Error{Kind: KindDisconnected, Detail: detail}
}

// Shutdown builds a KindShutdown error with the given detail.
func Shutdown(detail string) *Error {
	return &Error{Kind: KindShutdown, Detail: detail}
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, k Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == k
	}
	return false
}
