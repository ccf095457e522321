//go:build linux
// +build linux

// File: reactor/epoll_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Linux epoll(7) reactor. One dispatch goroutine multiplexes every
// registered descriptor; callbacks run on that goroutine and must not
// block. An eventfd wakes the loop for shutdown.

package reactor

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/momentics/pgaio/api"
)

// EpollReactor implements api.Reactor using Linux epoll.
type EpollReactor struct {
	epfd      int
	wakeFd    int
	callbacks sync.Map // map[int]api.IOCallback
	watching  atomic.Int64
	closed    atomic.Bool
	loopDone  chan struct{}

	cfg config
}

// New constructs the platform reactor and starts its dispatch loop.
func New(opts ...Option) (api.Reactor, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}
	wakeFd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("eventfd create: %w", err)
	}

	r := &EpollReactor{
		epfd:     epfd,
		wakeFd:   wakeFd,
		loopDone: make(chan struct{}),
		cfg:      cfg,
	}

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakeFd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFd, &ev); err != nil {
		_ = unix.Close(wakeFd)
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("epoll ctl add wakeup: %w", err)
	}

	go r.loop()
	return r, nil
}

// Register adds a file descriptor to the epoll watch list.
func (r *EpollReactor) Register(fd int, interest api.IOEvent, cb api.IOCallback) error {
	if r.closed.Load() {
		return api.ErrReactorClosed
	}
	if cb == nil {
		return api.NewError(api.ErrCodeInvalidArgument, "nil callback").WithContext("fd", fd)
	}

	var ev unix.EpollEvent
	if interest&api.EventReadable != 0 {
		ev.Events |= unix.EPOLLIN
	}
	if interest&api.EventWritable != 0 {
		ev.Events |= unix.EPOLLOUT
	}
	if ev.Events == 0 {
		return api.NewError(api.ErrCodeInvalidArgument, "empty interest set").WithContext("fd", fd)
	}
	ev.Fd = int32(fd)

	// Store before EPOLL_CTL_ADD: the loop may dispatch the fd the moment
	// the kernel learns about it.
	if _, loaded := r.callbacks.LoadOrStore(fd, cb); loaded {
		return api.NewError(api.ErrCodeAlreadyRegistered, "fd already registered").WithContext("fd", fd)
	}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		r.callbacks.Delete(fd)
		if err == unix.EEXIST {
			return api.NewError(api.ErrCodeAlreadyRegistered, "fd already registered").WithContext("fd", fd)
		}
		return fmt.Errorf("epoll ctl add: %w", err)
	}

	r.watching.Add(1)
	if r.cfg.metrics != nil {
		r.cfg.metrics.Inc("reactor.registers", 1)
		r.cfg.metrics.Set("reactor.watching", r.watching.Load())
	}
	return nil
}

// Unregister removes a file descriptor from the epoll watch list. Removing
// a descriptor that is unknown, or already closed, is not an error.
func (r *EpollReactor) Unregister(fd int) error {
	if _, ok := r.callbacks.LoadAndDelete(fd); !ok {
		return nil
	}
	r.watching.Add(-1)
	if r.cfg.metrics != nil {
		r.cfg.metrics.Inc("reactor.unregisters", 1)
		r.cfg.metrics.Set("reactor.watching", r.watching.Load())
	}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		// The kernel drops registrations itself when the last reference to
		// the descriptor closes.
		if err == unix.ENOENT || err == unix.EBADF {
			return nil
		}
		return fmt.Errorf("epoll ctl del: %w", err)
	}
	return nil
}

// Close stops the dispatch loop and releases the epoll and wakeup
// descriptors. Close is idempotent.
func (r *EpollReactor) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	var one [8]byte
	one[7] = 1
	_, _ = unix.Write(r.wakeFd, one[:])
	<-r.loopDone
	_ = unix.Close(r.wakeFd)
	return unix.Close(r.epfd)
}

func (r *EpollReactor) loop() {
	defer close(r.loopDone)
	if r.cfg.loopCPU >= 0 {
		// LockOSThread first, otherwise the affinity mask lands on
		// whichever thread happens to host this goroutine right now.
		runtime.LockOSThread()
		pinThread(r.cfg.loopCPU)
	}
	events := make([]unix.EpollEvent, r.cfg.pollBatch)
	for {
		n, err := unix.EpollWait(r.epfd, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return
		}
		for i := 0; i < n; i++ {
			ev := events[i]
			fd := int(ev.Fd)
			if fd == r.wakeFd {
				var buf [8]byte
				_, _ = unix.Read(r.wakeFd, buf[:])
				continue
			}
			val, ok := r.callbacks.Load(fd)
			if !ok {
				continue
			}

			var out api.IOEvent
			if ev.Events&unix.EPOLLIN != 0 {
				out |= api.EventReadable
			}
			if ev.Events&unix.EPOLLOUT != 0 {
				out |= api.EventWritable
			}
			if ev.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
				out |= api.EventError
			}

			cb, _ := val.(api.IOCallback)
			// Contain callback panics so the reactor survives.
			func() {
				defer func() { _ = recover() }()
				cb(fd, out)
			}()
			if r.cfg.metrics != nil {
				r.cfg.metrics.Inc("reactor.events", 1)
			}
		}
		if r.closed.Load() {
			return
		}
	}
}

// pinThread restricts the calling thread to one CPU. Best effort: an
// offline or out-of-range CPU leaves the thread unpinned.
func pinThread(cpu int) {
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	_ = unix.SchedSetaffinity(0, &set)
}
