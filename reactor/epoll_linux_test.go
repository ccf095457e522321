//go:build linux
// +build linux

// File: reactor/epoll_linux_test.go
// Author: momentics <momentics@gmail.com>

package reactor_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/momentics/pgaio/api"
	"github.com/momentics/pgaio/control"
	"github.com/momentics/pgaio/reactor"
)

func newReactor(t *testing.T, opts ...reactor.Option) api.Reactor {
	t.Helper()
	r, err := reactor.New(opts...)
	if err != nil {
		t.Fatalf("reactor.New: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func socketPair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

// Data written before the wait begins must still wake the waiter: the
// epoll set is level-triggered precisely so that a registration made
// after readiness dispatches at once.
func TestAwaitReadableAlreadyPending(t *testing.T) {
	r := newReactor(t)
	a, b := socketPair(t)

	if _, err := unix.Write(b, []byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := reactor.AwaitReady(ctx, r, a, api.EventReadable); err != nil {
		t.Fatalf("AwaitReady: %v", err)
	}
}

func TestAwaitReadableWakesOnArrival(t *testing.T) {
	r := newReactor(t)
	a, b := socketPair(t)

	errCh := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		errCh <- reactor.AwaitReady(ctx, r, a, api.EventReadable)
	}()

	time.Sleep(10 * time.Millisecond)
	if _, err := unix.Write(b, []byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("AwaitReady: %v", err)
	}
}

func TestAwaitWritableImmediate(t *testing.T) {
	r := newReactor(t)
	a, _ := socketPair(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := reactor.AwaitReady(ctx, r, a, api.EventWritable); err != nil {
		t.Fatalf("AwaitReady: %v", err)
	}
}

func TestAwaitPeerCloseWakes(t *testing.T) {
	r := newReactor(t)
	a, b := socketPair(t)

	errCh := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		errCh <- reactor.AwaitReady(ctx, r, a, api.EventReadable)
	}()

	time.Sleep(10 * time.Millisecond)
	_ = unix.Close(b)
	if err := <-errCh; err != nil {
		t.Fatalf("AwaitReady after peer close: %v", err)
	}
}

func TestRegisterTwiceRejected(t *testing.T) {
	r := newReactor(t)
	a, _ := socketPair(t)

	cb := func(int, api.IOEvent) {}
	if err := r.Register(a, api.EventReadable, cb); err != nil {
		t.Fatalf("Register: %v", err)
	}
	defer r.Unregister(a)

	err := r.Register(a, api.EventReadable, cb)
	var apiErr *api.Error
	if !errors.As(err, &apiErr) || apiErr.Code != api.ErrCodeAlreadyRegistered {
		t.Fatalf("err = %v, want already-registered api.Error", err)
	}
}

func TestUnregisterUnknownTolerated(t *testing.T) {
	r := newReactor(t)
	a, _ := socketPair(t)
	if err := r.Unregister(a); err != nil {
		t.Fatalf("Unregister of unknown fd: %v", err)
	}
}

func TestCloseIdempotent(t *testing.T) {
	r := newReactor(t)
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	a, _ := socketPair(t)
	if err := r.Register(a, api.EventReadable, func(int, api.IOEvent) {}); !errors.Is(err, api.ErrReactorClosed) {
		t.Fatalf("Register after close: %v, want ErrReactorClosed", err)
	}
}

func TestCallbackPanicContained(t *testing.T) {
	r := newReactor(t)
	a, b := socketPair(t)

	fired := make(chan struct{}, 1)
	err := r.Register(a, api.EventReadable, func(int, api.IOEvent) {
		select {
		case fired <- struct{}{}:
		default:
		}
		panic("callback exploded")
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := unix.Write(b, []byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("callback never ran")
	}
	_ = r.Unregister(a)

	// The dispatch loop must have survived the panic.
	c, d := socketPair(t)
	if _, err := unix.Write(d, []byte("y")); err != nil {
		t.Fatalf("write: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := reactor.AwaitReady(ctx, r, c, api.EventReadable); err != nil {
		t.Fatalf("AwaitReady after panic: %v", err)
	}
}

// A pinned dispatch loop must still dispatch; CPU 0 exists on every
// box this test can run on.
func TestLoopCPUPinnedStillDispatches(t *testing.T) {
	r := newReactor(t, reactor.WithLoopCPU(0))
	a, b := socketPair(t)

	if _, err := unix.Write(b, []byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := reactor.AwaitReady(ctx, r, a, api.EventReadable); err != nil {
		t.Fatalf("AwaitReady on pinned loop: %v", err)
	}
}

func TestRegistrationMetrics(t *testing.T) {
	m := control.NewMetricsRegistry()
	r := newReactor(t, reactor.WithMetrics(m))
	a, _ := socketPair(t)

	if err := r.Register(a, api.EventReadable, func(int, api.IOEvent) {}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Unregister(a); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	if got := m.Counter("reactor.registers"); got != 1 {
		t.Errorf("reactor.registers = %d, want 1", got)
	}
	if got := m.Counter("reactor.unregisters"); got != 1 {
		t.Errorf("reactor.unregisters = %d, want 1", got)
	}
}
