// File: client/conn.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Connection lifecycle and state machine: multi-host connect, the
// busy-lock discipline around the executor, the passive notification
// reader, fatal-error latching, and idempotent close.

package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/momentics/pgaio/api"
	"github.com/momentics/pgaio/control"
	"github.com/momentics/pgaio/internal/sock"
	"github.com/momentics/pgaio/protocol"
	"github.com/momentics/pgaio/reactor"
)

// Conn is a single PostgreSQL session multiplexed onto a shared reactor.
// One command runs at a time; a second Exec while one is in flight fails
// with ErrConnBusy. All methods are safe for concurrent use, but the
// intended pattern is one goroutine issuing commands while others watch
// the notification queue.
type Conn struct {
	cfg *Config
	r   api.Reactor

	status  atomic.Int32 // api.ConnStatus
	passive atomic.Bool  // passive reader registered

	// statusMu orders state transitions and reactor (de)registration.
	// engineMu keeps the passive reader's session access exclusive
	// against close; the executor excludes the reader via status alone.
	statusMu sync.Mutex
	engineMu sync.Mutex

	sess     *protocol.Session
	fatalErr error

	// execDone, non-nil while a command is in flight, is closed by unlock
	// when the executor lets go of the session. Close waits on it before
	// releasing the descriptor. Guarded by statusMu.
	execDone chan struct{}
	// grace bounds each stage of interrupting a command: the out-of-band
	// cancel and the wait for the executor to finish.
	grace time.Duration

	notifies *NotifyQueue
	logger   api.Logger
	metrics  *control.MetricsRegistry
}

// Connect parses dsn, applies opts, and attempts each configured host in
// order until one yields an authenticated session. The reactor handle is
// retained for the life of the connection; there is no global reactor.
func Connect(ctx context.Context, r api.Reactor, dsn string, opts ...Option) (*Conn, error) {
	cfg, err := ParseConfig(dsn, opts...)
	if err != nil {
		return nil, err
	}
	return ConnectConfig(ctx, r, cfg)
}

// ConnectConfig is Connect for a hand-built Config.
func ConnectConfig(ctx context.Context, r api.Reactor, cfg *Config) (*Conn, error) {
	if r == nil {
		return nil, api.NewError(api.ErrCodeInvalidArgument, "nil reactor")
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	var errs []error
attempts:
	for _, spec := range cfg.Hosts {
		addrs, err := resolveHost(ctx, spec)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", spec.Host, err))
			if ctx.Err() != nil {
				break
			}
			continue
		}
		for _, addr := range addrs {
			conn, err := connectOne(ctx, r, cfg, spec, addr)
			if err == nil {
				cfg.Metrics.Inc("conn.established", 1)
				return conn, nil
			}
			errs = append(errs, fmt.Errorf("%s: %w", addr.String(), err))
			if ctx.Err() != nil {
				break attempts
			}
		}
	}
	cfg.Metrics.Inc("conn.failed", 1)
	return nil, &api.ConnectError{Errs: errs}
}

// connectOne runs one startup negotiation against a single address under
// the per-host timeout.
func connectOne(ctx context.Context, r api.Reactor, cfg *Config, spec HostSpec, addr sock.Addr) (*Conn, error) {
	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}

	cs, err := protocol.StartSession(addr, protocol.SessionConfig{
		User:          cfg.User,
		Password:      passwordFor(cfg, spec),
		Database:      cfg.Database,
		RuntimeParams: cfg.RuntimeParams,
		Logger:        cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	if err := reactor.Drive(ctx, r, cs); err != nil {
		_ = cs.Close()
		return nil, err
	}

	c := &Conn{
		cfg:      cfg,
		r:        r,
		sess:     cs.Session(),
		grace:    cancelGrace,
		notifies: newNotifyQueue(cfg.NotifyQueueLimit, cfg.Metrics),
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
	}
	c.status.Store(int32(api.StatusIdle))
	c.notifies.onPark = c.passiveUpdate
	return c, nil
}

// resolveHost expands one HostSpec into concrete socket addresses: a Unix
// socket path, an IP literal, or every A/AAAA record of a hostname.
func resolveHost(ctx context.Context, spec HostSpec) ([]sock.Addr, error) {
	if strings.HasPrefix(spec.Host, "/") {
		path := filepath.Join(spec.Host, fmt.Sprintf(".s.PGSQL.%d", spec.Port))
		return []sock.Addr{{Path: path}}, nil
	}
	if ip := net.ParseIP(spec.Host); ip != nil {
		return []sock.Addr{{IP: ip, Port: int(spec.Port)}}, nil
	}
	ipAddrs, err := net.DefaultResolver.LookupIPAddr(ctx, spec.Host)
	if err != nil {
		return nil, err
	}
	addrs := make([]sock.Addr, len(ipAddrs))
	for i, ia := range ipAddrs {
		addrs[i] = sock.Addr{IP: ia.IP, Port: int(spec.Port)}
	}
	return addrs, nil
}

// Status returns the current connection state.
func (c *Conn) Status() api.ConnStatus { return api.ConnStatus(c.status.Load()) }

// BackendPID returns the server process handling this session.
func (c *Conn) BackendPID() uint32 { return c.sess.BackendPID() }

// TxStatus returns the last transaction status reported by the server:
// 'I' idle, 'T' in transaction, 'E' in a failed transaction.
func (c *Conn) TxStatus() byte { return c.sess.TxStatus() }

// Parameter returns a server-reported runtime parameter such as
// server_version, or "" when the server never announced it.
func (c *Conn) Parameter(name string) string { return c.sess.Parameter(name) }

// RemoteAddr describes the address the session is connected to.
func (c *Conn) RemoteAddr() string { return c.sess.Addr().String() }

// Notifications returns the queue fed by LISTEN/NOTIFY traffic.
func (c *Conn) Notifications() *NotifyQueue { return c.notifies }

// lock claims the connection for one command. Any state but Idle refuses:
// Executing with ErrConnBusy, Closing and Closed with ErrConnClosed, and
// Errored with ErrConnClosed wrapping the stored fatal error. On success
// the passive reader is off and no stale dispatch can touch the session.
func (c *Conn) lock() error {
	c.statusMu.Lock()
	switch api.ConnStatus(c.status.Load()) {
	case api.StatusIdle:
	case api.StatusExecuting, api.StatusConnecting:
		c.statusMu.Unlock()
		return api.ErrConnBusy
	case api.StatusErrored:
		err := c.fatalErr
		c.statusMu.Unlock()
		if errors.Is(err, api.ErrConnClosed) {
			return err
		}
		return fmt.Errorf("%w: %w", api.ErrConnClosed, err)
	default:
		c.statusMu.Unlock()
		return api.ErrConnClosed
	}
	c.disarmPassiveLocked()
	c.status.Store(int32(api.StatusExecuting))
	c.execDone = make(chan struct{})
	c.statusMu.Unlock()

	// Barrier: a dispatch that read the armed flags before we cleared
	// them may still be inside the passive drain. Wait it out.
	c.engineMu.Lock()
	c.engineMu.Unlock() //nolint:staticcheck // empty critical section is the point
	return nil
}

// unlock releases the connection after a command. It restores Idle only
// from Executing; a fatal error or a concurrent Close takes precedence.
// The done signal fires in every case so a Close waiting out the
// executor proceeds.
func (c *Conn) unlock() {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	if api.ConnStatus(c.status.Load()) == api.StatusExecuting {
		c.status.Store(int32(api.StatusIdle))
		c.armPassiveLocked()
	}
	if c.execDone != nil {
		close(c.execDone)
		c.execDone = nil
	}
}

// becomeFatal latches the first fatal error, closes the socket and wakes
// notification waiters. The caller must have exclusive session access.
// Errored is absorbing: only Close moves the connection out of it.
func (c *Conn) becomeFatal(err error) {
	c.statusMu.Lock()
	switch api.ConnStatus(c.status.Load()) {
	case api.StatusErrored, api.StatusClosing, api.StatusClosed:
		c.statusMu.Unlock()
		return
	}
	c.fatalErr = err
	c.disarmPassiveLocked()
	c.status.Store(int32(api.StatusErrored))
	c.statusMu.Unlock()

	c.metrics.Inc("conn.fatal", 1)
	c.logf("pgaio: connection to %s failed: %v", c.sess.Addr().String(), err)
	c.notifies.close()
	_ = c.sess.Close()
}

// Close tears the connection down. Closing while a command executes
// first fires the out-of-band cancel and waits for the executor to let
// go of the session: the descriptor has to stay open until then, since
// closing it drops it from the reactor silently and a parked executor
// would never see another readiness event. From healthy Idle a
// Terminate message is flushed best-effort. Safe to call repeatedly and
// from any state; repeat calls return nil.
func (c *Conn) Close() error {
	c.statusMu.Lock()
	st := api.ConnStatus(c.status.Load())
	if st == api.StatusClosing || st == api.StatusClosed {
		c.statusMu.Unlock()
		return nil
	}
	wasIdle := st == api.StatusIdle
	var running chan struct{}
	if st == api.StatusExecuting {
		running = c.execDone
	}
	c.disarmPassiveLocked()
	c.status.Store(int32(api.StatusClosing))
	c.statusMu.Unlock()

	c.notifies.close()

	if running != nil {
		c.interruptExecutor(running)
	}

	c.engineMu.Lock()
	if wasIdle {
		if err := c.sess.Enqueue(&pgproto3.Terminate{}); err == nil {
			_, _ = c.sess.Flush()
		}
	}
	err := c.sess.Close()
	c.engineMu.Unlock()

	c.status.Store(int32(api.StatusClosed))
	c.metrics.Inc("conn.closed", 1)
	return err
}

// interruptExecutor aborts the in-flight command from the close path. A
// best-effort CancelRequest asks the server to end the command early;
// the server's answer on the main socket wakes the executor, which then
// runs to a terminal state on its own. A peer that never answers is
// escalated with a socket shutdown after one grace period: the forced
// readability fails the executor's next step, so the wait always ends.
func (c *Conn) interruptExecutor(done <-chan struct{}) {
	ctx, cancel := context.WithTimeout(context.Background(), c.grace)
	if err := c.Cancel(ctx); err != nil {
		c.logf("pgaio: cancel on close failed: %v", err)
	}
	cancel()

	select {
	case <-done:
		return
	case <-time.After(c.grace):
		c.sess.Shutdown()
	}
	<-done
}

// passiveUpdate reconciles the passive reader with the waiter count. The
// notification queue calls it whenever a Pop parks or unparks.
func (c *Conn) passiveUpdate() {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	if api.ConnStatus(c.status.Load()) != api.StatusIdle {
		return
	}
	if c.notifies.waiting() {
		c.armPassiveLocked()
	} else {
		c.disarmPassiveLocked()
	}
}

// armPassiveLocked registers the session fd for readability. statusMu
// held. The armed flag is set before Register so a dispatch firing
// immediately (level-triggered, data already pending) sees it.
func (c *Conn) armPassiveLocked() {
	if c.passive.Load() || !c.notifies.waiting() {
		return
	}
	if api.ConnStatus(c.status.Load()) != api.StatusIdle {
		return
	}
	c.passive.Store(true)
	if err := c.r.Register(c.sess.Fd(), api.EventReadable, c.passiveReadable); err != nil {
		c.passive.Store(false)
		c.logf("pgaio: passive reader registration failed: %v", err)
	}
}

// disarmPassiveLocked drops the passive registration. statusMu held.
func (c *Conn) disarmPassiveLocked() {
	if !c.passive.Load() {
		return
	}
	c.passive.Store(false)
	_ = c.r.Unregister(c.sess.Fd())
}

// passiveReadable runs on the reactor dispatch goroutine while the
// connection idles with notification waiters parked. It must not block:
// when the executor or Close holds the session, the event is left pending
// and the level-triggered reactor redelivers it.
func (c *Conn) passiveReadable(fd int, ev api.IOEvent) {
	if !c.engineMu.TryLock() {
		return
	}
	defer c.engineMu.Unlock()
	if !c.passive.Load() || api.ConnStatus(c.status.Load()) != api.StatusIdle {
		return
	}
	c.drainIdleTraffic()
}

// drainIdleTraffic consumes everything currently readable on an idle
// session: notifications feed the queue, parameter changes update the
// session map, notices go to the logger. Anything else, an EOF included,
// is fatal while idle.
func (c *Conn) drainIdleTraffic() {
	for {
		msg, err := c.sess.Receive()
		if err != nil {
			c.becomeFatal(err)
			return
		}
		if msg == nil {
			return
		}
		switch m := msg.(type) {
		case *pgproto3.NotificationResponse:
			c.notifies.push(protocol.NotificationFrom(m))
		case *pgproto3.ParameterStatus:
			// tracked by the session
		case *pgproto3.NoticeResponse:
			c.logNotice(m)
		case *pgproto3.ErrorResponse:
			pgErr := protocol.PgErrorFrom(m)
			c.becomeFatal(pgErr)
			return
		default:
			c.becomeFatal(&api.ProtocolError{
				Reason: fmt.Sprintf("unexpected %T on idle connection", msg),
			})
			return
		}
	}
}

func (c *Conn) logf(format string, args ...any) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}

func (c *Conn) logNotice(n *pgproto3.NoticeResponse) {
	if c.logger != nil {
		c.logger.Printf("pgaio: %s: %s", n.Severity, n.Message)
	}
}
