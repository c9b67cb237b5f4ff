package core

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode is a machine-readable failure category.
type ErrorCode string

const (
	// ErrBadID is returned when an item or tool id does not resolve.
	ErrBadID ErrorCode = "BADID"
	// ErrInvalid is returned when input or state is inconsistent.
	ErrInvalid ErrorCode = "INVALID"
	// ErrToolUnresolved is returned when declared tool ids cannot be resolved into tools.
	ErrToolUnresolved ErrorCode = "TOOL_UNRESOLVED"
	// ErrStopped is returned when an operation was stopped before completing.
	ErrStopped ErrorCode = "STOPPED"
	// ErrTransport is returned for provider/archive I/O failures.
	ErrTransport ErrorCode = "TRANSPORT"
	// ErrWorker is returned when a pool worker failed.
	ErrWorker ErrorCode = "WORKER"
)

// Error is a structured failure that keeps its code when it crosses buses,
// goroutines and package boundaries.
type Error struct {
	Code    ErrorCode
	Message string
	Cause   error
}

// NewError creates an Error with the given code and message.
func NewError(code ErrorCode, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// WrapError creates an Error that wraps cause.
func WrapError(code ErrorCode, cause error, format string, args ...any) *Error {
	e := NewError(code, format, args...)
	e.Cause = cause
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := strings.TrimSpace(e.Message)
	switch {
	case msg == "" && e.Cause != nil:
		return fmt.Sprintf("%s: %v", e.Code, e.Cause)
	case msg == "":
		return string(e.Code)
	case e.Cause != nil:
		return fmt.Sprintf("%s: %s: %v", e.Code, msg, e.Cause)
	default:
		return fmt.Sprintf("%s: %s", e.Code, msg)
	}
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is matches another *Error by code so callers can test with a bare code value,
// e.g. errors.Is(err, &core.Error{Code: core.ErrToolUnresolved}).
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) || other == nil || e == nil {
		return false
	}
	if other.Code != e.Code {
		return false
	}
	return other.Message == "" || other.Message == e.Message
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) && e != nil {
		return e.Code
	}
	return ""
}
