//go:build linux
// +build linux

// File: protocol/startup_test.go
// Author: momentics <momentics@gmail.com>

package protocol

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"path/filepath"
	"testing"

	"github.com/momentics/pgaio/api"
	"github.com/momentics/pgaio/internal/sock"
)

// TestStartSessionInstantConnect covers the path where connect(2)
// finishes inside StartSession itself, as unix-domain sockets do: the
// startup packet must already be queued and the first Advance flushes
// it and parks on the server's reply.
func TestStartSessionInstantConnect(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".s.PGSQL.5432")
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	cs, err := StartSession(sock.Addr{Path: path}, SessionConfig{User: "alice", Database: "orders"})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	defer cs.Close()

	step, err := cs.Advance()
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if step != api.StepNeedRead {
		t.Fatalf("step = %v, want StepNeedRead", step)
	}

	peer, err := ln.Accept()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	defer peer.Close()

	var header [8]byte
	if _, err := io.ReadFull(peer, header[:]); err != nil {
		t.Fatalf("read startup header: %v", err)
	}
	length := binary.BigEndian.Uint32(header[:4])
	if code := binary.BigEndian.Uint32(header[4:]); code != 196608 {
		t.Fatalf("protocol code = %d, want 196608", code)
	}
	body := make([]byte, length-8)
	if _, err := io.ReadFull(peer, body); err != nil {
		t.Fatalf("read startup body: %v", err)
	}
	if !bytes.Contains(body, []byte("user\x00alice\x00")) {
		t.Errorf("startup packet missing user parameter: %q", body)
	}
	if !bytes.Contains(body, []byte("database\x00orders\x00")) {
		t.Errorf("startup packet missing database parameter: %q", body)
	}
}
