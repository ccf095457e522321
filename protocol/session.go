// File: protocol/session.go
// Package protocol implements the non-blocking PostgreSQL v3 frame engine.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// A Session owns one raw descriptor plus its read and write buffers.
// Receive parses at most one backend message per call and reports "would
// block" as (nil, nil); Flush pushes queued frontend bytes until the
// kernel buffer fills. Nothing here ever parks a goroutine.

package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/momentics/pgaio/api"
	"github.com/momentics/pgaio/internal/sock"
)

const (
	headerLen = 5
	// Upper bound on a single declared message body. Larger declarations
	// are treated as protocol corruption rather than allocation requests.
	maxMessageBody = 64 << 20

	readBufInit = 8192
)

// Session is a non-blocking PostgreSQL v3 wire session over a raw fd.
type Session struct {
	fd   int
	addr sock.Addr
	// closed flips exactly once. Close races with itself: the executor
	// latching a fatal error and a concurrent Conn.Close both release the
	// session, and only one of them may close the descriptor.
	closed atomic.Bool

	readBuf  []byte
	readOff  int
	writeBuf []byte
	writeOff int

	backendPID    uint32
	backendSecret uint32
	txStatus      byte
	parameters    map[string]string

	// Backend message structs are preallocated and reused; a decoded
	// message is valid until the next Receive call.
	authOk          pgproto3.AuthenticationOk
	authCleartext   pgproto3.AuthenticationCleartextPassword
	authMD5         pgproto3.AuthenticationMD5Password
	authSASL        pgproto3.AuthenticationSASL
	authSASLCont    pgproto3.AuthenticationSASLContinue
	authSASLFinal   pgproto3.AuthenticationSASLFinal
	backendKeyData  pgproto3.BackendKeyData
	parameterStatus pgproto3.ParameterStatus
	readyForQuery   pgproto3.ReadyForQuery
	rowDescription  pgproto3.RowDescription
	dataRow         pgproto3.DataRow
	commandComplete pgproto3.CommandComplete
	emptyQuery      pgproto3.EmptyQueryResponse
	errorResponse   pgproto3.ErrorResponse
	noticeResponse  pgproto3.NoticeResponse
	notification    pgproto3.NotificationResponse
}

// NewSession wraps an already-connected (or connecting) descriptor.
func NewSession(fd int, addr sock.Addr) *Session {
	return &Session{
		fd:         fd,
		addr:       addr,
		readBuf:    make([]byte, 0, readBufInit),
		parameters: make(map[string]string),
	}
}

// Fd returns the descriptor the session drives.
func (s *Session) Fd() int { return s.fd }

// Addr returns the remote address, the cancel side channel's target.
func (s *Session) Addr() sock.Addr { return s.addr }

// BackendPID returns the server process id from BackendKeyData.
func (s *Session) BackendPID() uint32 { return s.backendPID }

// BackendSecret returns the cancel secret from BackendKeyData.
func (s *Session) BackendSecret() uint32 { return s.backendSecret }

// TxStatus returns the last ReadyForQuery transaction status byte
// ('I' idle, 'T' in transaction, 'E' failed transaction).
func (s *Session) TxStatus() byte { return s.txStatus }

// Parameter returns the last ParameterStatus value reported for name.
func (s *Session) Parameter(name string) string { return s.parameters[name] }

// Close releases the descriptor. Single-shot and safe to call from
// several goroutines: every call after the first returns nil without
// touching the descriptor, so a recycled fd number is never closed by a
// stale caller.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return sock.Close(s.fd)
}

// Shutdown half-closes both directions while keeping the descriptor
// valid. The fd turns readable at once, so a goroutine parked on
// readiness for it wakes and observes the failure from its next step.
// Best effort; a session that is already closed is left alone.
func (s *Session) Shutdown() {
	if s.closed.Load() {
		return
	}
	_ = sock.Shutdown(s.fd)
}

// Enqueue appends one frontend message to the write buffer.
func (s *Session) Enqueue(msg pgproto3.FrontendMessage) error {
	buf, err := msg.Encode(s.writeBuf)
	if err != nil {
		return &api.ProtocolError{Reason: "encode frontend message", Cause: err}
	}
	s.writeBuf = buf
	return nil
}

// Pending reports whether unflushed outbound bytes remain.
func (s *Session) Pending() bool {
	return len(s.writeBuf)-s.writeOff > 0
}

// Flush writes queued bytes. done=false means the kernel buffer filled
// and the caller must wait for writability.
func (s *Session) Flush() (done bool, err error) {
	if s.closed.Load() {
		return false, api.ErrConnClosed
	}
	for s.Pending() {
		n, wouldBlock, err := sock.Write(s.fd, s.writeBuf[s.writeOff:])
		if err != nil {
			return false, fmt.Errorf("%w: %w", api.ErrConnClosed, err)
		}
		s.writeOff += n
		if wouldBlock {
			return false, nil
		}
	}
	s.writeBuf = s.writeBuf[:0]
	s.writeOff = 0
	return true, nil
}

// Receive parses one backend message. (nil, nil) means no complete
// message is buffered and the socket would block; the caller must wait
// for readability. The returned message is valid until the next call.
//
// Session state carried in transport-level messages (BackendKeyData,
// ParameterStatus, ReadyForQuery) is tracked here so every caller sees
// it without extra routing.
func (s *Session) Receive() (pgproto3.BackendMessage, error) {
	if s.closed.Load() {
		return nil, api.ErrConnClosed
	}
	for {
		msg, err := s.parseOne()
		if err != nil {
			return nil, err
		}
		if msg != nil {
			s.track(msg)
			return msg, nil
		}

		wouldBlock, err := s.fill()
		if err != nil {
			return nil, err
		}
		if wouldBlock {
			return nil, nil
		}
	}
}

// parseOne returns the next buffered message, or nil when incomplete.
func (s *Session) parseOne() (pgproto3.BackendMessage, error) {
	avail := s.readBuf[s.readOff:]
	if len(avail) < headerLen {
		return nil, nil
	}
	declared := int(binary.BigEndian.Uint32(avail[1:headerLen]))
	if declared < 4 || declared-4 > maxMessageBody {
		return nil, &api.ProtocolError{Reason: fmt.Sprintf("message %q declares invalid length %d", avail[0], declared)}
	}
	bodyLen := declared - 4
	if len(avail) < headerLen+bodyLen {
		return nil, nil
	}
	body := avail[headerLen : headerLen+bodyLen]
	s.readOff += headerLen + bodyLen
	return s.decode(avail[0], body)
}

// fill compacts the read buffer and performs one read. Compaction is why
// decoded messages stay valid only until the next Receive call.
func (s *Session) fill() (wouldBlock bool, err error) {
	if s.readOff > 0 {
		n := copy(s.readBuf, s.readBuf[s.readOff:])
		s.readBuf = s.readBuf[:n]
		s.readOff = 0
	}
	if len(s.readBuf) == cap(s.readBuf) {
		grown := make([]byte, len(s.readBuf), cap(s.readBuf)*2)
		copy(grown, s.readBuf)
		s.readBuf = grown
	}

	spare := s.readBuf[len(s.readBuf):cap(s.readBuf)]
	n, wouldBlock, err := sock.Read(s.fd, spare)
	if err != nil {
		if err == io.EOF {
			return false, api.ErrConnClosed
		}
		return false, fmt.Errorf("%w: %w", api.ErrConnClosed, err)
	}
	s.readBuf = s.readBuf[:len(s.readBuf)+n]
	return wouldBlock, nil
}

func (s *Session) decode(msgType byte, body []byte) (pgproto3.BackendMessage, error) {
	var msg pgproto3.BackendMessage
	switch msgType {
	case 'R':
		if len(body) < 4 {
			return nil, &api.ProtocolError{Reason: "authentication message too short"}
		}
		code := binary.BigEndian.Uint32(body[:4])
		switch code {
		case pgproto3.AuthTypeOk:
			msg = &s.authOk
		case pgproto3.AuthTypeCleartextPassword:
			msg = &s.authCleartext
		case pgproto3.AuthTypeMD5Password:
			msg = &s.authMD5
		case pgproto3.AuthTypeSASL:
			msg = &s.authSASL
		case pgproto3.AuthTypeSASLContinue:
			msg = &s.authSASLCont
		case pgproto3.AuthTypeSASLFinal:
			msg = &s.authSASLFinal
		default:
			return nil, &api.ProtocolError{Reason: fmt.Sprintf("unsupported authentication request code %d", code)}
		}
	case 'K':
		msg = &s.backendKeyData
	case 'S':
		msg = &s.parameterStatus
	case 'Z':
		msg = &s.readyForQuery
	case 'T':
		msg = &s.rowDescription
	case 'D':
		msg = &s.dataRow
	case 'C':
		msg = &s.commandComplete
	case 'I':
		msg = &s.emptyQuery
	case 'E':
		msg = &s.errorResponse
	case 'N':
		msg = &s.noticeResponse
	case 'A':
		msg = &s.notification
	case 'G', 'H', 'W', 'd', 'c':
		return nil, &api.ProtocolError{Reason: "COPY sub-protocol is not supported"}
	default:
		return nil, &api.ProtocolError{Reason: fmt.Sprintf("unknown message type %q", msgType)}
	}
	if err := msg.Decode(body); err != nil {
		return nil, &api.ProtocolError{Reason: fmt.Sprintf("decode message %q", msgType), Cause: err}
	}
	return msg, nil
}

func (s *Session) track(msg pgproto3.BackendMessage) {
	switch m := msg.(type) {
	case *pgproto3.BackendKeyData:
		s.backendPID = m.ProcessID
		s.backendSecret = m.SecretKey
	case *pgproto3.ParameterStatus:
		s.parameters[m.Name] = m.Value
	case *pgproto3.ReadyForQuery:
		s.txStatus = m.TxStatus
	}
}

// PgErrorFrom copies an ErrorResponse into the caller-facing error type.
// NoticeResponse shares the layout, so notices convert the same way.
func PgErrorFrom(er *pgproto3.ErrorResponse) *api.PgError {
	return &api.PgError{
		Severity:       er.Severity,
		Code:           er.Code,
		Message:        er.Message,
		Detail:         er.Detail,
		Hint:           er.Hint,
		Position:       er.Position,
		Where:          er.Where,
		SchemaName:     er.SchemaName,
		TableName:      er.TableName,
		ColumnName:     er.ColumnName,
		DataTypeName:   er.DataTypeName,
		ConstraintName: er.ConstraintName,
		File:           er.File,
		Line:           er.Line,
		Routine:        er.Routine,
	}
}

// NotificationFrom copies a NotificationResponse into the caller-facing
// notification type.
func NotificationFrom(n *pgproto3.NotificationResponse) *api.Notification {
	return &api.Notification{
		BackendPID: n.PID,
		Channel:    n.Channel,
		Payload:    n.Payload,
	}
}
