// File: client/exec.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Simple-query executor: sends a command string, collects every result
// set through ReadyForQuery, and turns context expiry into an
// out-of-band CancelRequest followed by a bounded drain that leaves the
// connection reusable.

package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/momentics/pgaio/api"
	"github.com/momentics/pgaio/protocol"
	"github.com/momentics/pgaio/reactor"
)

// cancelGrace is the default bound on each stage of interrupting a
// command: the side-channel CancelRequest, the drain of the aborted
// command's tail, and the close path's wait for the executor.
const cancelGrace = 10 * time.Second

// Exec runs one command string over the simple query protocol and
// returns every result set it produced. With autocommit off, a command
// starting outside a transaction is preceded by an implicit BEGIN.
//
// A context expiry does not abandon the wire: the executor sends an
// out-of-band CancelRequest, drains the aborted command to completion,
// and returns ErrTimedOut or ErrCancelled with the connection Idle and
// reusable. Server errors come back as *api.PgError with the connection
// likewise reusable; protocol damage and connection loss latch the
// Errored state.
func (c *Conn) Exec(ctx context.Context, sql string) ([]*api.Result, error) {
	if err := c.lock(); err != nil {
		return nil, err
	}
	defer c.unlock()

	if !c.cfg.Autocommit && c.sess.TxStatus() == 'I' {
		if _, err := c.runQuery(ctx, c.beginCommand()); err != nil {
			return nil, err
		}
	}
	return c.runQuery(ctx, sql)
}

// Commit commits the current transaction. Outside a transaction the
// server answers with a warning notice and an idle COMMIT tag.
func (c *Conn) Commit(ctx context.Context) error { return c.execDirect(ctx, "COMMIT") }

// Rollback aborts the current transaction.
func (c *Conn) Rollback(ctx context.Context) error { return c.execDirect(ctx, "ROLLBACK") }

// execDirect runs sql without the implicit-BEGIN preamble.
func (c *Conn) execDirect(ctx context.Context, sql string) error {
	if err := c.lock(); err != nil {
		return err
	}
	defer c.unlock()
	_, err := c.runQuery(ctx, sql)
	return err
}

// Cancel asks the server to abort the command currently running on this
// connection, using a separate short-lived socket. It never touches the
// main session and is safe to call from another goroutine.
func (c *Conn) Cancel(ctx context.Context) error {
	cs, err := protocol.StartCancel(c.sess.Addr(), c.sess.BackendPID(), c.sess.BackendSecret())
	if err != nil {
		return err
	}
	defer cs.Close()
	return reactor.Drive(ctx, c.r, cs)
}

// beginCommand renders the implicit BEGIN from the configured isolation,
// access and deferrable modes.
func (c *Conn) beginCommand() string {
	var b strings.Builder
	b.WriteString("BEGIN")
	if c.cfg.Isolation != "" {
		b.WriteString(" ISOLATION LEVEL ")
		b.WriteString(c.cfg.Isolation)
	}
	if c.cfg.AccessMode != "" {
		b.WriteByte(' ')
		b.WriteString(c.cfg.AccessMode)
	}
	if c.cfg.DeferrableMode != "" {
		b.WriteByte(' ')
		b.WriteString(c.cfg.DeferrableMode)
	}
	return b.String()
}

// runQuery performs one full simple-query cycle. The caller holds the
// busy lock.
func (c *Conn) runQuery(ctx context.Context, sql string) ([]*api.Result, error) {
	st := &execStepper{
		sess:   c.sess,
		notify: c.notifies.push,
		notice: c.logNotice,
	}
	if err := c.sess.Enqueue(&pgproto3.Query{String: sql}); err != nil {
		c.becomeFatal(err)
		return nil, err
	}
	c.metrics.Inc("exec.commands", 1)

	if err := reactor.Drive(ctx, c.r, st); err != nil {
		if errors.Is(err, api.ErrTimedOut) || errors.Is(err, api.ErrCancelled) {
			return nil, c.cancelAndDrain(st, err)
		}
		c.becomeFatal(err)
		return nil, err
	}

	if st.queryErr != nil {
		c.metrics.Inc("exec.errors", 1)
		if st.queryErr.Fatal() {
			c.becomeFatal(st.queryErr)
		}
		return nil, st.queryErr
	}
	c.metrics.Inc("exec.results", int64(len(st.results)))
	return st.results, nil
}

// cancelAndDrain handles a context expiry mid-command: fire the
// out-of-band CancelRequest, then keep consuming the aborted command on
// a fresh deadline until the server's ReadyForQuery. The server's
// query_canceled error is the expected acknowledgment and is folded into
// orig. Only a failed drain abandons the connection.
func (c *Conn) cancelAndDrain(st *execStepper, orig error) error {
	c.metrics.Inc("exec.cancels", 1)

	cancelCtx, cancel := context.WithTimeout(context.Background(), c.grace)
	if err := c.Cancel(cancelCtx); err != nil {
		c.logf("pgaio: cancel request failed: %v", err)
	}
	cancel()

	drainCtx, cancel := context.WithTimeout(context.Background(), c.grace)
	defer cancel()
	if err := reactor.Drive(drainCtx, c.r, st); err != nil {
		c.becomeFatal(fmt.Errorf("draining cancelled command: %w", err))
		return orig
	}
	if st.queryErr != nil && st.queryErr.Fatal() {
		c.becomeFatal(st.queryErr)
		return orig
	}
	if !st.cancelled() && st.queryErr == nil {
		// The command outran the cancel; its results are discarded.
		c.logf("pgaio: command completed before cancellation took effect")
	}
	return orig
}

// execStepper walks one simple-query exchange. Flush the Query message,
// then collect RowDescription/DataRow/CommandComplete sequences until
// ReadyForQuery closes the cycle. Results copy every wire byte they
// keep: the session reuses its buffers on the next read.
type execStepper struct {
	sess    *protocol.Session
	notify  func(*api.Notification)
	notice  func(*pgproto3.NoticeResponse)
	results []*api.Result
	cur     *api.Result
	// queryErr records the first ErrorResponse of the cycle. The drain
	// continues to ReadyForQuery regardless, keeping the session usable.
	queryErr *api.PgError
}

func (s *execStepper) Fd() int { return s.sess.Fd() }

func (s *execStepper) Advance() (api.Step, error) {
	for {
		if s.sess.Pending() {
			done, err := s.sess.Flush()
			if err != nil {
				return 0, err
			}
			if !done {
				return api.StepNeedWrite, nil
			}
		}

		msg, err := s.sess.Receive()
		if err != nil {
			return 0, err
		}
		if msg == nil {
			return api.StepNeedRead, nil
		}

		switch m := msg.(type) {
		case *pgproto3.RowDescription:
			s.cur = &api.Result{Fields: copyFields(m.Fields)}
		case *pgproto3.DataRow:
			if s.cur == nil {
				return 0, &api.ProtocolError{Reason: "DataRow before RowDescription"}
			}
			s.cur.Rows = append(s.cur.Rows, copyRow(m.Values))
		case *pgproto3.CommandComplete:
			r := s.cur
			if r == nil {
				r = &api.Result{}
			}
			r.CommandTag = api.CommandTag(string(m.CommandTag))
			s.results = append(s.results, r)
			s.cur = nil
		case *pgproto3.EmptyQueryResponse:
			s.results = append(s.results, &api.Result{})
			s.cur = nil
		case *pgproto3.ErrorResponse:
			if s.queryErr == nil {
				s.queryErr = protocol.PgErrorFrom(m)
			}
			s.cur = nil
		case *pgproto3.NoticeResponse:
			if s.notice != nil {
				s.notice(m)
			}
		case *pgproto3.NotificationResponse:
			if s.notify != nil {
				s.notify(protocol.NotificationFrom(m))
			}
		case *pgproto3.ParameterStatus:
			// tracked by the session
		case *pgproto3.ReadyForQuery:
			return api.StepDone, nil
		default:
			return 0, &api.ProtocolError{
				Reason: fmt.Sprintf("unexpected %T during simple query", msg),
			}
		}
	}
}

// cancelled reports whether the cycle ended with the server's
// query_canceled acknowledgment.
func (s *execStepper) cancelled() bool {
	return s.queryErr != nil && s.queryErr.Code == pgerrcode.QueryCanceled
}

func copyFields(src []pgproto3.FieldDescription) []api.FieldDescription {
	out := make([]api.FieldDescription, len(src))
	for i, f := range src {
		out[i] = api.FieldDescription{
			Name:                 string(f.Name),
			TableOID:             f.TableOID,
			TableAttributeNumber: f.TableAttributeNumber,
			DataTypeOID:          f.DataTypeOID,
			DataTypeSize:         f.DataTypeSize,
			TypeModifier:         f.TypeModifier,
			Format:               f.Format,
		}
	}
	return out
}

// copyRow clones one DataRow's values. NULL columns stay nil.
func copyRow(src [][]byte) [][]byte {
	out := make([][]byte, len(src))
	for i, v := range src {
		if v == nil {
			continue
		}
		out[i] = append([]byte(nil), v...)
	}
	return out
}
