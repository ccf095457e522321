// File: client/notify.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Unbounded FIFO queue for LISTEN/NOTIFY payloads with a blocking pop.

package client

import (
	"context"
	"fmt"
	"sync"

	"github.com/eapache/queue"

	"github.com/momentics/pgaio/api"
	"github.com/momentics/pgaio/control"
)

// NotifyQueue buffers asynchronous notifications in arrival order. Pushes
// never block; when a limit is configured the oldest entry is dropped to
// make room. Pop parks the calling goroutine until a notification, a
// context expiry, or connection shutdown.
type NotifyQueue struct {
	mu      sync.Mutex
	items   *queue.Queue
	limit   int
	waiters int
	closed  bool

	signal chan struct{} // pulsed on push
	done   chan struct{} // closed on shutdown

	// onPark, when set, observes waiter-count changes. The connection uses
	// it to arm and disarm the passive socket reader.
	onPark  func()
	metrics *control.MetricsRegistry
}

func newNotifyQueue(limit int, metrics *control.MetricsRegistry) *NotifyQueue {
	return &NotifyQueue{
		items:   queue.New(),
		limit:   limit,
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		metrics: metrics,
	}
}

// push appends a notification, evicting the oldest entry at the limit.
func (q *NotifyQueue) push(n *api.Notification) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	if q.limit > 0 && q.items.Length() >= q.limit {
		q.items.Remove()
		q.metrics.Inc("notify.dropped", 1)
	}
	q.items.Add(n)
	q.metrics.Inc("notify.received", 1)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// TryPop returns the oldest queued notification without blocking.
func (q *NotifyQueue) TryPop() (*api.Notification, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.items.Length() == 0 {
		return nil, false
	}
	return q.items.Remove().(*api.Notification), true
}

// Pop returns the oldest queued notification, waiting for one to arrive
// when the queue is empty. A context deadline maps to ErrTimedOut, a
// cancellation to ErrCancelled, and connection shutdown to ErrConnClosed.
// Queued entries remain poppable after shutdown.
func (q *NotifyQueue) Pop(ctx context.Context) (*api.Notification, error) {
	for {
		if n, ok := q.TryPop(); ok {
			return n, nil
		}

		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, api.ErrConnClosed
		}
		q.waiters++
		park := q.onPark
		q.mu.Unlock()
		if park != nil {
			park()
		}

		var err error
		select {
		case <-q.signal:
		case <-q.done:
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				err = fmt.Errorf("%w: %w", api.ErrTimedOut, ctx.Err())
			} else {
				err = fmt.Errorf("%w: %w", api.ErrCancelled, ctx.Err())
			}
		}

		q.mu.Lock()
		q.waiters--
		park = q.onPark
		q.mu.Unlock()
		if park != nil {
			park()
		}
		if err != nil {
			return nil, err
		}
	}
}

// Len reports the number of queued notifications.
func (q *NotifyQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Length()
}

// waiting reports whether any Pop is parked.
func (q *NotifyQueue) waiting() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.waiters > 0
}

// close wakes every parked Pop with ErrConnClosed. Idempotent.
func (q *NotifyQueue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.onPark = nil
	q.mu.Unlock()
	close(q.done)
}
