// File: protocol/cancel.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Out-of-band cancellation side channel. A CancelRequest travels over a
// fresh connection to the same address, identified by the backend pid
// and secret captured at startup; the server acknowledges by closing.

package protocol

import (
	"fmt"
	"io"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/momentics/pgaio/api"
	"github.com/momentics/pgaio/internal/sock"
)

type cancelPhase uint8

const (
	cancelAwaitConnect cancelPhase = iota
	cancelCheckConnect
	cancelSend
	cancelDrain
	cancelDone
)

// CancelStepper delivers one CancelRequest. Best effort by nature: the
// caller keeps draining the main connection whatever happens here.
type CancelStepper struct {
	fd      int
	phase   cancelPhase
	out     []byte
	scratch [256]byte
	closed  bool
}

// StartCancel begins a non-blocking connect for the side channel.
func StartCancel(addr sock.Addr, pid, secret uint32) (*CancelStepper, error) {
	buf, err := (&pgproto3.CancelRequest{ProcessID: pid, SecretKey: secret}).Encode(nil)
	if err != nil {
		return nil, &api.ProtocolError{Reason: "encode cancel request", Cause: err}
	}
	fd, inProgress, err := sock.StartConnect(addr)
	if err != nil {
		return nil, err
	}
	cs := &CancelStepper{fd: fd, phase: cancelAwaitConnect, out: buf}
	if !inProgress {
		cs.phase = cancelSend
	}
	return cs, nil
}

// Fd returns the side channel descriptor.
func (cs *CancelStepper) Fd() int { return cs.fd }

// Close releases the side channel descriptor. Idempotent.
func (cs *CancelStepper) Close() error {
	if cs.closed {
		return nil
	}
	cs.closed = true
	return sock.Close(cs.fd)
}

// Advance moves the side channel forward without blocking.
func (cs *CancelStepper) Advance() (api.Step, error) {
	for {
		switch cs.phase {
		case cancelAwaitConnect:
			cs.phase = cancelCheckConnect
			return api.StepNeedWrite, nil

		case cancelCheckConnect:
			if err := sock.ConnErr(cs.fd); err != nil {
				return 0, err
			}
			cs.phase = cancelSend

		case cancelSend:
			for len(cs.out) > 0 {
				n, wouldBlock, err := sock.Write(cs.fd, cs.out)
				if err != nil {
					return 0, fmt.Errorf("cancel request: %w", err)
				}
				cs.out = cs.out[n:]
				if wouldBlock {
					return api.StepNeedWrite, nil
				}
			}
			cs.phase = cancelDrain

		case cancelDrain:
			// The server never answers; it just closes when done.
			_, wouldBlock, err := sock.Read(cs.fd, cs.scratch[:])
			if err == io.EOF {
				cs.phase = cancelDone
				continue
			}
			if err != nil {
				return 0, fmt.Errorf("cancel drain: %w", err)
			}
			if wouldBlock {
				return api.StepNeedRead, nil
			}

		case cancelDone:
			return api.StepDone, nil
		}
	}
}
