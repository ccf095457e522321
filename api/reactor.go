// File: api/reactor.go
// Author: momentics <momentics@gmail.com>
//
// Defines the abstract interface for event-driven IO reactors used to
// multiplex socket readiness across poll-mode backends (epoll today,
// other pollers behind the same contract).

package api

// IOEvent is a bitmask of readiness conditions reported for a registered
// file descriptor.
type IOEvent uint8

const (
	// EventReadable indicates the descriptor will not block on read.
	EventReadable IOEvent = 1 << iota
	// EventWritable indicates the descriptor will not block on write.
	EventWritable
	// EventError indicates an error or hangup condition. The descriptor is
	// still dispatched; the next read or write surfaces the real error.
	EventError
)

// IOCallback is invoked by the reactor dispatch loop when a registered
// descriptor becomes ready. Callbacks must not block: the loop that runs
// them serves every registration.
type IOCallback func(fd int, ev IOEvent)

// Reactor multiplexes file-descriptor readiness and dispatches callbacks.
// A connection receives its reactor handle at connect time; there is no
// package-level instance.
type Reactor interface {
	// Register associates fd with the reactor for the given interest set.
	// At most one registration per fd may exist at a time; registering an
	// already-registered fd fails.
	Register(fd int, interest IOEvent, cb IOCallback) error

	// Unregister removes the registration for fd. Unregistering a
	// descriptor that is not registered (or already closed) is not an
	// error, so teardown paths stay simple.
	Unregister(fd int) error

	// Close stops the dispatch loop and releases poller resources.
	// Close is idempotent.
	Close() error
}
