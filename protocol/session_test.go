//go:build linux
// +build linux

// File: protocol/session_test.go
// Author: momentics <momentics@gmail.com>

package protocol

import (
	"errors"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5/pgproto3"
	"golang.org/x/sys/unix"

	"github.com/momentics/pgaio/api"
	"github.com/momentics/pgaio/internal/sock"
)

// sessionPair returns a session over one end of a socketpair and the raw
// peer descriptor playing the server.
func sessionPair(t *testing.T) (*Session, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	sess := NewSession(fds[0], sock.Addr{Path: "test"})
	t.Cleanup(func() {
		_ = sess.Close()
		_ = unix.Close(fds[1])
	})
	return sess, fds[1]
}

func serverWrite(t *testing.T, fd int, msgs ...pgproto3.BackendMessage) {
	t.Helper()
	var buf []byte
	var err error
	for _, m := range msgs {
		buf, err = m.Encode(buf)
		if err != nil {
			t.Fatalf("encode %T: %v", m, err)
		}
	}
	if _, err := unix.Write(fd, buf); err != nil {
		t.Fatalf("peer write: %v", err)
	}
}

func TestReceiveWouldBlock(t *testing.T) {
	sess, _ := sessionPair(t)
	msg, err := sess.Receive()
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if msg != nil {
		t.Fatalf("expected would-block, got %T", msg)
	}
}

func TestReceiveTracksReadyForQuery(t *testing.T) {
	sess, peer := sessionPair(t)
	serverWrite(t, peer, &pgproto3.ReadyForQuery{TxStatus: 'I'})

	msg, err := sess.Receive()
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if _, ok := msg.(*pgproto3.ReadyForQuery); !ok {
		t.Fatalf("expected ReadyForQuery, got %T", msg)
	}
	if sess.TxStatus() != 'I' {
		t.Errorf("TxStatus = %q, want 'I'", sess.TxStatus())
	}
}

func TestReceivePartialDelivery(t *testing.T) {
	sess, peer := sessionPair(t)
	full, err := (&pgproto3.CommandComplete{CommandTag: []byte("SELECT 1")}).Encode(nil)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	if _, err := unix.Write(peer, full[:3]); err != nil {
		t.Fatalf("peer write: %v", err)
	}
	if msg, err := sess.Receive(); err != nil || msg != nil {
		t.Fatalf("partial header: got (%T, %v), want (nil, nil)", msg, err)
	}

	if _, err := unix.Write(peer, full[3:]); err != nil {
		t.Fatalf("peer write: %v", err)
	}
	msg, err := sess.Receive()
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	cc, ok := msg.(*pgproto3.CommandComplete)
	if !ok {
		t.Fatalf("expected CommandComplete, got %T", msg)
	}
	if string(cc.CommandTag) != "SELECT 1" {
		t.Errorf("tag = %q", cc.CommandTag)
	}
}

func TestReceiveDrainsBufferedMessages(t *testing.T) {
	sess, peer := sessionPair(t)
	serverWrite(t, peer,
		&pgproto3.RowDescription{Fields: []pgproto3.FieldDescription{{Name: []byte("n"), DataTypeOID: 23, DataTypeSize: 4, TypeModifier: -1}}},
		&pgproto3.DataRow{Values: [][]byte{[]byte("1")}},
		&pgproto3.CommandComplete{CommandTag: []byte("SELECT 1")},
	)

	want := []string{"*pgproto3.RowDescription", "*pgproto3.DataRow", "*pgproto3.CommandComplete"}
	for _, typ := range want {
		msg, err := sess.Receive()
		if err != nil {
			t.Fatalf("Receive: %v", err)
		}
		if got := typeName(msg); got != typ {
			t.Fatalf("got %s, want %s", got, typ)
		}
	}
	if msg, err := sess.Receive(); err != nil || msg != nil {
		t.Fatalf("after drain: got (%T, %v), want (nil, nil)", msg, err)
	}
}

func typeName(v any) string {
	switch v.(type) {
	case *pgproto3.RowDescription:
		return "*pgproto3.RowDescription"
	case *pgproto3.DataRow:
		return "*pgproto3.DataRow"
	case *pgproto3.CommandComplete:
		return "*pgproto3.CommandComplete"
	default:
		return "other"
	}
}

func TestReceiveEOF(t *testing.T) {
	sess, peer := sessionPair(t)
	_ = unix.Close(peer)

	_, err := sess.Receive()
	if !errors.Is(err, api.ErrConnClosed) {
		t.Fatalf("err = %v, want ErrConnClosed", err)
	}
}

func TestCloseConcurrent(t *testing.T) {
	sess, _ := sessionPair(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sess.Close(); err != nil {
				t.Errorf("Close: %v", err)
			}
		}()
	}
	wg.Wait()

	if _, err := sess.Receive(); !errors.Is(err, api.ErrConnClosed) {
		t.Fatalf("Receive after close: err = %v, want ErrConnClosed", err)
	}
	if _, err := sess.Flush(); !errors.Is(err, api.ErrConnClosed) {
		t.Fatalf("Flush after close: err = %v, want ErrConnClosed", err)
	}
}

func TestShutdownForcesEOF(t *testing.T) {
	sess, _ := sessionPair(t)
	sess.Shutdown()

	// The descriptor stays open but reads fail at once, so a reader
	// parked on readiness for it comes back with the closed error.
	if _, err := sess.Receive(); !errors.Is(err, api.ErrConnClosed) {
		t.Fatalf("Receive after shutdown: err = %v, want ErrConnClosed", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("Close after shutdown: %v", err)
	}
}

func TestTrackBackendKeyDataAndParameters(t *testing.T) {
	sess, peer := sessionPair(t)
	serverWrite(t, peer,
		&pgproto3.ParameterStatus{Name: "server_version", Value: "16.3"},
		&pgproto3.BackendKeyData{ProcessID: 4242, SecretKey: 7},
	)

	for i := 0; i < 2; i++ {
		if _, err := sess.Receive(); err != nil {
			t.Fatalf("Receive: %v", err)
		}
	}
	if got := sess.Parameter("server_version"); got != "16.3" {
		t.Errorf("server_version = %q", got)
	}
	if sess.BackendPID() != 4242 || sess.BackendSecret() != 7 {
		t.Errorf("key data = (%d, %d)", sess.BackendPID(), sess.BackendSecret())
	}
}

func TestFlushWritesEnqueuedMessages(t *testing.T) {
	sess, peer := sessionPair(t)
	if err := sess.Enqueue(&pgproto3.Query{String: "select 1"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if !sess.Pending() {
		t.Fatal("Pending = false after Enqueue")
	}
	done, err := sess.Flush()
	if err != nil || !done {
		t.Fatalf("Flush = (%v, %v)", done, err)
	}
	if sess.Pending() {
		t.Fatal("Pending = true after full flush")
	}

	want, err := (&pgproto3.Query{String: "select 1"}).Encode(nil)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got := make([]byte, len(want)+16)
	n, err := unix.Read(peer, got)
	if err != nil {
		t.Fatalf("peer read: %v", err)
	}
	if string(got[:n]) != string(want) {
		t.Errorf("wire bytes = %x, want %x", got[:n], want)
	}
}

func TestReceiveRejectsBogusLength(t *testing.T) {
	sess, peer := sessionPair(t)
	// Type 'Z' declaring a 100 MiB body.
	if _, err := unix.Write(peer, []byte{'Z', 0x06, 0x40, 0x00, 0x04}); err != nil {
		t.Fatalf("peer write: %v", err)
	}
	_, err := sess.Receive()
	var perr *api.ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("err = %v, want ProtocolError", err)
	}
}

func TestReceiveRejectsUnknownType(t *testing.T) {
	sess, peer := sessionPair(t)
	if _, err := unix.Write(peer, []byte{'?', 0x00, 0x00, 0x00, 0x04}); err != nil {
		t.Fatalf("peer write: %v", err)
	}
	_, err := sess.Receive()
	var perr *api.ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("err = %v, want ProtocolError", err)
	}
}

func TestReceiveRejectsCopy(t *testing.T) {
	sess, peer := sessionPair(t)
	if _, err := unix.Write(peer, []byte{'d', 0x00, 0x00, 0x00, 0x04}); err != nil {
		t.Fatalf("peer write: %v", err)
	}
	_, err := sess.Receive()
	var perr *api.ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("err = %v, want ProtocolError", err)
	}
}
