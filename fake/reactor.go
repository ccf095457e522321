// File: fake/reactor.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package fake

import (
	"sync"

	"github.com/momentics/pgaio/api"
)

// Reactor is a hand-cranked api.Reactor for tests: nothing fires until
// Fire is called, and every Register/Unregister is counted so suites can
// assert that waiters leave no residual registrations behind.
type Reactor struct {
	mu          sync.Mutex
	cbs         map[int]api.IOCallback
	interests   map[int]api.IOEvent
	registers   int
	unregisters int
	closed      bool
}

// NewReactor returns an empty manual reactor.
func NewReactor() *Reactor {
	return &Reactor{
		cbs:       make(map[int]api.IOCallback),
		interests: make(map[int]api.IOEvent),
	}
}

// Register records the callback for fd.
func (r *Reactor) Register(fd int, interest api.IOEvent, cb api.IOCallback) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return api.ErrReactorClosed
	}
	if cb == nil {
		return api.NewError(api.ErrCodeInvalidArgument, "nil callback")
	}
	if _, dup := r.cbs[fd]; dup {
		return api.NewError(api.ErrCodeAlreadyRegistered, "fd already registered")
	}
	r.cbs[fd] = cb
	r.interests[fd] = interest
	r.registers++
	return nil
}

// Unregister drops fd. Unknown descriptors are tolerated.
func (r *Reactor) Unregister(fd int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.cbs[fd]; ok {
		delete(r.cbs, fd)
		delete(r.interests, fd)
		r.unregisters++
	}
	return nil
}

// Close drops every registration. Idempotent.
func (r *Reactor) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.cbs = make(map[int]api.IOCallback)
	r.interests = make(map[int]api.IOEvent)
	return nil
}

// Fire dispatches ev to fd's callback, reporting whether one was
// registered.
func (r *Reactor) Fire(fd int, ev api.IOEvent) bool {
	r.mu.Lock()
	cb := r.cbs[fd]
	r.mu.Unlock()
	if cb == nil {
		return false
	}
	cb(fd, ev)
	return true
}

// Registered reports whether fd currently has a callback.
func (r *Reactor) Registered(fd int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.cbs[fd]
	return ok
}

// Interest returns the interest mask fd was registered with.
func (r *Reactor) Interest(fd int) api.IOEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.interests[fd]
}

// Counts returns the total Register and Unregister calls seen.
func (r *Reactor) Counts() (registers, unregisters int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registers, r.unregisters
}
