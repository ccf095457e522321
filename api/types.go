// File: api/types.go
// Author: momentics <momentics@gmail.com>
//
// Shared API-level type declarations, DTOs, and constants.

package api

// ConnStatus enumerates the state of a PostgreSQL connection.
type ConnStatus int32

const (
	StatusUnknown ConnStatus = iota
	StatusConnecting
	StatusIdle
	StatusExecuting
	StatusClosing
	StatusClosed
	StatusErrored
)

func (s ConnStatus) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusIdle:
		return "idle"
	case StatusExecuting:
		return "executing"
	case StatusClosing:
		return "closing"
	case StatusClosed:
		return "closed"
	case StatusErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Notification is an asynchronous NOTIFY payload delivered by the backend
// for a channel the session LISTENs on.
type Notification struct {
	BackendPID uint32 // pid of the notifying backend
	Channel    string
	Payload    string
}

// Logger is the minimal logging contract accepted by the library.
// *log.Logger satisfies it; the default is a no-op.
type Logger interface {
	Printf(format string, args ...any)
}
