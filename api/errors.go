// Package api
// Author: momentics <momentics@gmail.com>
//
// Common error taxonomy for the pgaio library. Sentinel errors cover the
// conditions callers branch on; structured types carry the detail the
// PostgreSQL wire protocol reports.

package api

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Common errors used across the library.
var (
	ErrConnClosed    = fmt.Errorf("connection is closed")
	ErrConnBusy      = fmt.Errorf("conn busy")
	ErrTimedOut      = fmt.Errorf("operation timed out")
	ErrCancelled     = fmt.Errorf("operation cancelled")
	ErrReactorClosed = fmt.Errorf("reactor is closed")
	ErrNotSupported  = fmt.Errorf("operation not supported")
)

// Timeout reports whether err was caused by a deadline expiry.
func Timeout(err error) bool {
	return errors.Is(err, ErrTimedOut) || errors.Is(err, context.DeadlineExceeded)
}

// ErrorCode represents specific error conditions in the library.
type ErrorCode int

const (
	ErrCodeOK ErrorCode = iota
	ErrCodeInvalidArgument
	ErrCodeAlreadyRegistered
	ErrCodeNotSupported
	ErrCodeInternal
)

// Error represents a structured error with code and context.
type Error struct {
	Code    ErrorCode
	Message string
	Context map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if len(e.Context) == 0 {
		return e.Message
	}
	return fmt.Sprintf("%s (context: %+v)", e.Message, e.Context)
}

// NewError creates a new structured error.
func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Context: make(map[string]any),
	}
}

// WithContext adds context information to the error.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// ConnectError aggregates the per-host failures of a connection attempt.
// Every host in the target list contributes one wrapped error.
type ConnectError struct {
	Errs []error
}

// Error implements the error interface.
func (e *ConnectError) Error() string {
	if len(e.Errs) == 0 {
		return "connect failed"
	}
	parts := make([]string, len(e.Errs))
	for i, err := range e.Errs {
		parts[i] = err.Error()
	}
	return "connect failed: " + strings.Join(parts, "; ")
}

// Unwrap exposes the per-host errors to errors.Is / errors.As.
func (e *ConnectError) Unwrap() []error {
	return e.Errs
}

// PgError is an ErrorResponse reported by the PostgreSQL backend. It is
// recoverable: the connection returns to idle once the result cycle after
// the error has been drained.
type PgError struct {
	Severity       string
	Code           string
	Message        string
	Detail         string
	Hint           string
	Position       int32
	Where          string
	SchemaName     string
	TableName      string
	ColumnName     string
	DataTypeName   string
	ConstraintName string
	File           string
	Line           int32
	Routine        string
}

// Error implements the error interface.
func (e *PgError) Error() string {
	return e.Severity + ": " + e.Message + " (SQLSTATE " + e.Code + ")"
}

// Fatal reports whether the backend terminated the session with this error.
func (e *PgError) Fatal() bool {
	return e.Severity == "FATAL" || e.Severity == "PANIC"
}

// ProtocolError reports malformed or unexpected wire traffic. It is fatal:
// the connection that produced it is no longer usable.
type ProtocolError struct {
	Reason string
	Cause  error
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	if e.Cause == nil {
		return "protocol violation: " + e.Reason
	}
	return fmt.Sprintf("protocol violation: %s: %v", e.Reason, e.Cause)
}

// Unwrap returns the underlying cause, if any.
func (e *ProtocolError) Unwrap() error {
	return e.Cause
}
