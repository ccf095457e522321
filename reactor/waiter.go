// File: reactor/waiter.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Readiness waiter: parks the calling goroutine on a single descriptor
// until it is ready, the context deadline expires, or the context is
// cancelled.

package reactor

import (
	"context"
	"errors"
	"fmt"

	"github.com/momentics/pgaio/api"
)

// AwaitReady blocks until fd is ready for the given interest set.
//
// It performs exactly one Register and exactly one Unregister on the
// reactor per call; after it returns, no registration made by this call
// remains, so a failed or timed-out wait never leaks a watch.
//
// A readiness report that carries only an error/hangup condition still
// returns nil: the next read or write on the descriptor surfaces the real
// error, which keeps error handling in one place.
//
// Deadline expiry returns an error matching both api.ErrTimedOut and
// context.DeadlineExceeded; cancellation matches both api.ErrCancelled
// and context.Canceled.
func AwaitReady(ctx context.Context, r api.Reactor, fd int, interest api.IOEvent) error {
	ready := make(chan struct{}, 1)
	err := r.Register(fd, interest, func(int, api.IOEvent) {
		select {
		case ready <- struct{}{}:
		default:
		}
	})
	if err != nil {
		return err
	}
	defer func() { _ = r.Unregister(fd) }()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %w", api.ErrTimedOut, ctx.Err())
		}
		return fmt.Errorf("%w: %w", api.ErrCancelled, ctx.Err())
	}
}
