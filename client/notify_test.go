//go:build linux
// +build linux

// File: client/notify_test.go
// Author: momentics <momentics@gmail.com>

package client

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/pgaio/api"
	"github.com/momentics/pgaio/control"
	"github.com/momentics/pgaio/fake"
)

func TestNotifyWhileIdle(t *testing.T) {
	srv, conn := testEnv(t, nil)

	_, err := conn.Exec(context.Background(), "listen events")
	require.NoError(t, err)

	type popResult struct {
		n   *api.Notification
		err error
	}
	got := make(chan popResult, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		n, err := conn.Notifications().Pop(ctx)
		got <- popResult{n, err}
	}()

	// Deliver once the passive reader is parked; the notification must
	// arrive without any command running on the connection.
	require.Eventually(t, func() bool { return srv.Notify("events", "hello") == 1 },
		2*time.Second, 10*time.Millisecond)

	res := <-got
	require.NoError(t, res.err)
	assert.Equal(t, "events", res.n.Channel)
	assert.Equal(t, "hello", res.n.Payload)
	assert.NotZero(t, res.n.BackendPID)
	assert.Equal(t, api.StatusIdle, conn.Status())
}

func TestNotifyDuringExec(t *testing.T) {
	srv, conn := testEnv(t, nil)
	srv.Handle("do work", func(w *fake.ResponseWriter, sql string) {
		w.Notify("jobs", "job-1")
		w.Tag("SELECT 0")
	})

	_, err := conn.Exec(context.Background(), "do work")
	require.NoError(t, err)

	n, ok := conn.Notifications().TryPop()
	require.True(t, ok, "notification observed mid-command should be queued")
	assert.Equal(t, "jobs", n.Channel)
	assert.Equal(t, "job-1", n.Payload)
}

func TestTryPopEmpty(t *testing.T) {
	_, conn := testEnv(t, nil)
	_, ok := conn.Notifications().TryPop()
	assert.False(t, ok)
	assert.Zero(t, conn.Notifications().Len())
}

func TestPopDeadline(t *testing.T) {
	_, conn := testEnv(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := conn.Notifications().Pop(ctx)
	assert.ErrorIs(t, err, api.ErrTimedOut)
}

func TestPopCancelled(t *testing.T) {
	_, conn := testEnv(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := conn.Notifications().Pop(ctx)
		errCh <- err
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-errCh, api.ErrCancelled)
}

func TestPopUnblockedByClose(t *testing.T) {
	_, conn := testEnv(t, nil)

	errCh := make(chan error, 1)
	go func() {
		_, err := conn.Notifications().Pop(context.Background())
		errCh <- err
	}()
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, conn.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, api.ErrConnClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Pop still parked after Close")
	}
}

func TestPopUnblockedByServerLoss(t *testing.T) {
	srv, conn := testEnv(t, nil)

	errCh := make(chan error, 1)
	go func() {
		_, err := conn.Notifications().Pop(context.Background())
		errCh <- err
	}()
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, srv.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, api.ErrConnClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Pop still parked after server loss")
	}
	assert.Equal(t, api.StatusErrored, conn.Status())
}

func TestQueueLimitDropsOldest(t *testing.T) {
	metrics := control.NewMetricsRegistry()
	srv, conn := testEnv(t, nil, WithNotifyQueueLimit(2), WithMetrics(metrics))
	srv.Handle("burst", func(w *fake.ResponseWriter, sql string) {
		w.Notify("overflow", "n1")
		w.Notify("overflow", "n2")
		w.Notify("overflow", "n3")
		w.Tag("SELECT 0")
	})

	// The executor drain pushes all three within one command, so the
	// queue state is settled when Exec returns.
	_, err := conn.Exec(context.Background(), "burst")
	require.NoError(t, err)

	require.Equal(t, 2, conn.Notifications().Len())
	n, ok := conn.Notifications().TryPop()
	require.True(t, ok)
	assert.Equal(t, "n2", n.Payload, "oldest entry should have been dropped")
	n, ok = conn.Notifications().TryPop()
	require.True(t, ok)
	assert.Equal(t, "n3", n.Payload)

	assert.EqualValues(t, 1, metrics.Counter("notify.dropped"))
	assert.EqualValues(t, 3, metrics.Counter("notify.received"))
}

func TestNotifyNobodyListening(t *testing.T) {
	srv, _ := testEnv(t, nil)
	assert.Zero(t, srv.Notify("silent", "x"))
}

// BenchmarkNotifyQueue measures the push/pop hot path without a server.
func BenchmarkNotifyQueue(b *testing.B) {
	q := newNotifyQueue(0, nil)
	n := &api.Notification{BackendPID: 42, Channel: "bench", Payload: "x"}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		q.push(n)
		if _, ok := q.TryPop(); !ok {
			b.Fatal("queue lost a notification")
		}
	}
}
