// File: fake/server.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// In-process PostgreSQL stand-in for tests. Speaks enough of the v3
// protocol to exercise startup authentication, simple queries,
// transactions, LISTEN/NOTIFY, out-of-band cancellation, and abrupt
// connection loss, without a real server.

package fake

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/momentics/pgaio/internal/scram"
	"github.com/momentics/pgaio/protocol"
)

// AuthMode selects the authentication exchange the server demands.
type AuthMode int

const (
	AuthTrust AuthMode = iota
	AuthCleartext
	AuthMD5
	AuthSCRAM
)

// Handler scripts the response to one exact query string. The handler
// writes the message sequence; the server appends ReadyForQuery.
type Handler func(w *ResponseWriter, sql string)

// Server is a minimal PostgreSQL protocol server bound to a loopback
// TCP port. Every accepted connection runs its own goroutine.
type Server struct {
	ln   net.Listener
	host string
	port int

	auth          AuthMode
	user          string
	password      string
	database      string
	params        map[string]string
	startupDelay  time.Duration
	ignoreCancels bool

	mu       sync.Mutex
	sessions map[uint32]*session
	handlers map[string]Handler
	queries  []string

	nextPID atomic.Uint32
	cancels atomic.Int64
	done    chan struct{}
	closed  atomic.Bool
	wg      sync.WaitGroup
}

// ServerOption adjusts a Server before it starts accepting.
type ServerOption func(*Server)

// WithAuth selects the authentication mode. Default is trust.
func WithAuth(mode AuthMode) ServerOption { return func(s *Server) { s.auth = mode } }

// WithCredentials sets the role and password the server accepts.
func WithCredentials(user, password string) ServerOption {
	return func(s *Server) { s.user = user; s.password = password }
}

// WithDatabase restricts connections to one database name.
func WithDatabase(name string) ServerOption { return func(s *Server) { s.database = name } }

// WithServerParam adds a ParameterStatus announced after authentication.
func WithServerParam(name, value string) ServerOption {
	return func(s *Server) { s.params[name] = value }
}

// WithStartupDelay stalls every startup exchange, for timeout tests.
func WithStartupDelay(d time.Duration) ServerOption {
	return func(s *Server) { s.startupDelay = d }
}

// WithIgnoreCancels accepts CancelRequest packets without acting on
// them, like a server too wedged to service the cancel.
func WithIgnoreCancels() ServerOption {
	return func(s *Server) { s.ignoreCancels = true }
}

// NewServer opens a listener on an ephemeral loopback port and begins
// accepting connections.
func NewServer(opts ...ServerOption) (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &Server{
		ln:       ln,
		user:     "pgaio",
		database: "pgaio",
		params: map[string]string{
			"server_version":  "16.0",
			"client_encoding": "UTF8",
			"DateStyle":       "ISO, MDY",
		},
		sessions: make(map[uint32]*session),
		handlers: make(map[string]Handler),
		done:     make(chan struct{}),
	}
	s.nextPID.Store(1000)
	for _, opt := range opts {
		opt(s)
	}
	addr := ln.Addr().(*net.TCPAddr)
	s.host, s.port = addr.IP.String(), addr.Port

	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

// Host returns the listening IP.
func (s *Server) Host() string { return s.host }

// Port returns the listening port.
func (s *Server) Port() int { return s.port }

// Addr returns host:port.
func (s *Server) Addr() string { return net.JoinHostPort(s.host, strconv.Itoa(s.port)) }

// User returns the accepted role name.
func (s *Server) User() string { return s.user }

// DSN renders a keyword conninfo string pointing at this server.
func (s *Server) DSN() string {
	dsn := fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=disable",
		s.host, s.port, s.user, s.database)
	if s.password != "" {
		dsn += " password=" + s.password
	}
	return dsn
}

// Handle scripts the response for one query string (matched after
// lowercasing and trimming spaces and trailing semicolons).
func (s *Server) Handle(sql string, h Handler) {
	s.mu.Lock()
	s.handlers[normalizeSQL(sql)] = h
	s.mu.Unlock()
}

// Queries returns every query string received so far, in order.
func (s *Server) Queries() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.queries...)
}

// SessionCount returns the number of live authenticated sessions.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// CancelRequests returns how many CancelRequest packets have arrived on
// the side channel, acted on or not.
func (s *Server) CancelRequests() int {
	return int(s.cancels.Load())
}

// Notify delivers a NotificationResponse to every session listening on
// channel and reports how many were notified.
func (s *Server) Notify(channel, payload string) int {
	s.mu.Lock()
	targets := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		targets = append(targets, sess)
	}
	s.mu.Unlock()

	n := 0
	for _, sess := range targets {
		if sess.notify(channel, payload) {
			n++
		}
	}
	return n
}

// Close stops accepting, severs every session, and waits for the
// connection goroutines to finish.
func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(s.done)
	err := s.ln.Close()
	s.mu.Lock()
	for _, sess := range s.sessions {
		_ = sess.conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return err
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

func (s *Server) recordQuery(sql string) {
	s.mu.Lock()
	s.queries = append(s.queries, sql)
	s.mu.Unlock()
}

func (s *Server) handlerFor(sql string) Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handlers[normalizeSQL(sql)]
}

func (s *Server) addSession(sess *session) {
	s.mu.Lock()
	s.sessions[sess.pid] = sess
	s.mu.Unlock()
}

func (s *Server) dropSession(pid uint32) {
	s.mu.Lock()
	delete(s.sessions, pid)
	s.mu.Unlock()
}

// cancelByKey routes a CancelRequest to the matching session.
func (s *Server) cancelByKey(pid, secret uint32) {
	s.mu.Lock()
	sess := s.sessions[pid]
	s.mu.Unlock()
	if sess == nil || sess.secret != secret {
		return
	}
	select {
	case sess.cancel <- struct{}{}:
	default:
	}
}

// serveConn handles one raw TCP connection: either a cancel packet or a
// full startup exchange followed by the query loop.
func (s *Server) serveConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	be := pgproto3.NewBackend(conn, conn)
	start, err := be.ReceiveStartupMessage()
	if err != nil {
		return
	}
	if _, ok := start.(*pgproto3.SSLRequest); ok {
		if _, err := conn.Write([]byte{'N'}); err != nil {
			return
		}
		start, err = be.ReceiveStartupMessage()
		if err != nil {
			return
		}
	}

	switch m := start.(type) {
	case *pgproto3.CancelRequest:
		s.cancels.Add(1)
		if !s.ignoreCancels {
			s.cancelByKey(m.ProcessID, m.SecretKey)
		}
		return
	case *pgproto3.StartupMessage:
		if s.startupDelay > 0 {
			select {
			case <-time.After(s.startupDelay):
			case <-s.done:
				return
			}
		}
		sess := &session{
			srv:    s,
			conn:   conn,
			be:     be,
			pid:    s.nextPID.Add(1),
			secret: randomSecret(),
			tx:     'I',
			cancel: make(chan struct{}, 1),
			listen: make(map[string]bool),
		}
		sess.run(m)
	default:
		return
	}
}

func randomSecret() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0x5eed
	}
	return binary.BigEndian.Uint32(b[:])
}

func normalizeSQL(sql string) string {
	return strings.ToLower(strings.TrimRight(strings.TrimSpace(sql), "; \t"))
}

// session is one authenticated connection.
type session struct {
	srv    *Server
	conn   net.Conn
	be     *pgproto3.Backend
	pid    uint32
	secret uint32

	// mu guards backend writes and the listen set; Notify writes from
	// other goroutines while the session blocks reading.
	mu     sync.Mutex
	tx     byte
	listen map[string]bool
	cancel chan struct{}
}

func (sess *session) run(start *pgproto3.StartupMessage) {
	if !sess.authenticate(start) {
		return
	}
	sess.srv.addSession(sess)
	defer sess.srv.dropSession(sess.pid)

	if err := sess.sendReady(); err != nil {
		return
	}
	for {
		msg, err := sess.be.Receive()
		if err != nil {
			return
		}
		switch m := msg.(type) {
		case *pgproto3.Query:
			sess.srv.recordQuery(m.String)
			if !sess.runQuery(m.String) {
				return
			}
			if err := sess.sendReady(); err != nil {
				return
			}
		case *pgproto3.Terminate:
			return
		default:
			sess.send(&pgproto3.ErrorResponse{
				Severity: "ERROR", Code: "0A000",
				Message: fmt.Sprintf("unsupported message %T", msg),
			})
			if err := sess.sendReady(); err != nil {
				return
			}
		}
	}
}

// authenticate runs the configured password exchange and the post-auth
// parameter burst. Returns false when the connection must drop.
func (sess *session) authenticate(start *pgproto3.StartupMessage) bool {
	srv := sess.srv
	user := start.Parameters["user"]
	db := start.Parameters["database"]
	if db == "" {
		db = user
	}
	if srv.database != "" && db != srv.database {
		sess.send(&pgproto3.ErrorResponse{
			Severity: "FATAL", Code: "3D000",
			Message: fmt.Sprintf("database %q does not exist", db),
		})
		_ = sess.flush()
		return false
	}
	if user != srv.user {
		return sess.authFailed(user)
	}

	ok := false
	switch srv.auth {
	case AuthTrust:
		ok = true
	case AuthCleartext:
		ok = sess.cleartextAuth()
	case AuthMD5:
		ok = sess.md5Auth(user)
	case AuthSCRAM:
		ok = sess.scramAuth()
	}
	if !ok {
		return sess.authFailed(user)
	}

	sess.send(&pgproto3.AuthenticationOk{})
	for name, value := range srv.params {
		sess.send(&pgproto3.ParameterStatus{Name: name, Value: value})
	}
	sess.send(&pgproto3.BackendKeyData{ProcessID: sess.pid, SecretKey: sess.secret})
	return true
}

func (sess *session) authFailed(user string) bool {
	sess.send(&pgproto3.ErrorResponse{
		Severity: "FATAL", Code: "28P01",
		Message: fmt.Sprintf("password authentication failed for user %q", user),
	})
	_ = sess.flush()
	return false
}

func (sess *session) cleartextAuth() bool {
	sess.send(&pgproto3.AuthenticationCleartextPassword{})
	if err := sess.flush(); err != nil {
		return false
	}
	sess.be.SetAuthType(pgproto3.AuthTypeCleartextPassword)
	msg, err := sess.be.Receive()
	if err != nil {
		return false
	}
	pw, ok := msg.(*pgproto3.PasswordMessage)
	return ok && pw.Password == sess.srv.password
}

func (sess *session) md5Auth(user string) bool {
	var salt [4]byte
	_, _ = rand.Read(salt[:])
	sess.send(&pgproto3.AuthenticationMD5Password{Salt: salt})
	if err := sess.flush(); err != nil {
		return false
	}
	sess.be.SetAuthType(pgproto3.AuthTypeMD5Password)
	msg, err := sess.be.Receive()
	if err != nil {
		return false
	}
	pw, ok := msg.(*pgproto3.PasswordMessage)
	return ok && pw.Password == protocol.MD5Response(user, sess.srv.password, salt)
}

func (sess *session) scramAuth() bool {
	sess.send(&pgproto3.AuthenticationSASL{AuthMechanisms: []string{scram.MechanismName}})
	if err := sess.flush(); err != nil {
		return false
	}
	sess.be.SetAuthType(pgproto3.AuthTypeSASL)
	msg, err := sess.be.Receive()
	if err != nil {
		return false
	}
	initial, ok := msg.(*pgproto3.SASLInitialResponse)
	if !ok || initial.AuthMechanism != scram.MechanismName {
		return false
	}

	verifier, err := scram.NewServer(sess.srv.password)
	if err != nil {
		return false
	}
	if err := verifier.HandleClientFirst(initial.Data); err != nil {
		return false
	}
	sess.send(&pgproto3.AuthenticationSASLContinue{Data: verifier.FirstMessage()})
	if err := sess.flush(); err != nil {
		return false
	}
	sess.be.SetAuthType(pgproto3.AuthTypeSASLContinue)
	msg, err = sess.be.Receive()
	if err != nil {
		return false
	}
	final, ok := msg.(*pgproto3.SASLResponse)
	if !ok {
		return false
	}
	if err := verifier.HandleClientFinal(final.Data); err != nil {
		return false
	}
	sess.send(&pgproto3.AuthenticationSASLFinal{Data: verifier.FinalMessage()})
	return true
}

// runQuery answers one Query message. Returns false to drop the
// connection without a ReadyForQuery (the crash builtin).
func (sess *session) runQuery(sql string) bool {
	w := &ResponseWriter{sess: sess}
	if h := sess.srv.handlerFor(sql); h != nil {
		h(w, sql)
		return true
	}

	trimmed := strings.TrimSpace(sql)
	if strings.TrimRight(trimmed, "; \t") == "" {
		sess.send(&pgproto3.EmptyQueryResponse{})
		return true
	}
	for _, stmt := range splitStatements(sql) {
		if !sess.runStatement(w, stmt) {
			return false
		}
		if w.failed {
			break
		}
	}
	return true
}

var sleepRe = regexp.MustCompile(`(?i)^select\s+pg_sleep\(\s*(\d+(?:\.\d+)?)\s*\)$`)

// runStatement answers one statement of a possibly multi-statement
// string with builtin behavior.
func (sess *session) runStatement(w *ResponseWriter, stmt string) bool {
	norm := normalizeSQL(stmt)
	switch {
	case norm == "select 1":
		w.RowSet([]string{"?column?"}, []string{"1"})
		w.Tag("SELECT 1")
		return true
	case strings.HasPrefix(norm, "begin") || strings.HasPrefix(norm, "start transaction"):
		sess.setTx('T')
		w.Tag("BEGIN")
		return true
	case strings.HasPrefix(norm, "commit"):
		if sess.txStatus() == 'E' {
			// a failed transaction commits as a rollback
			w.Tag("ROLLBACK")
		} else {
			w.Tag("COMMIT")
		}
		sess.setTx('I')
		return true
	case strings.HasPrefix(norm, "rollback"):
		sess.setTx('I')
		w.Tag("ROLLBACK")
		return true
	case strings.HasPrefix(norm, "listen "):
		ch := strings.Trim(strings.TrimSpace(norm[len("listen "):]), `"`)
		sess.mu.Lock()
		sess.listen[ch] = true
		sess.mu.Unlock()
		w.Tag("LISTEN")
		return true
	case strings.HasPrefix(norm, "unlisten "):
		ch := strings.Trim(strings.TrimSpace(norm[len("unlisten "):]), `"`)
		sess.mu.Lock()
		delete(sess.listen, ch)
		sess.mu.Unlock()
		w.Tag("UNLISTEN")
		return true
	case norm == "crash":
		_ = sess.conn.Close()
		return false
	}

	if m := sleepRe.FindStringSubmatch(strings.TrimRight(strings.TrimSpace(stmt), "; \t")); m != nil {
		secs, _ := strconv.ParseFloat(m[1], 64)
		return sess.runSleep(w, time.Duration(secs*float64(time.Second)))
	}

	w.Error("42601", fmt.Sprintf("unrecognized query: %s", strings.TrimSpace(stmt)))
	return true
}

// runSleep blocks like pg_sleep, aborting early on an out-of-band
// cancel request.
func (sess *session) runSleep(w *ResponseWriter, d time.Duration) bool {
	select {
	case <-time.After(d):
		w.RowSet([]string{"pg_sleep"}, []string{""})
		w.Tag("SELECT 1")
	case <-sess.cancel:
		w.Error("57014", "canceling statement due to user request")
	case <-sess.srv.done:
		return false
	}
	return true
}

// notify sends a NotificationResponse when this session listens on
// channel.
func (sess *session) notify(channel, payload string) bool {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if !sess.listen[channel] {
		return false
	}
	sess.be.Send(&pgproto3.NotificationResponse{
		PID:     sess.pid,
		Channel: channel,
		Payload: payload,
	})
	return sess.be.Flush() == nil
}

func (sess *session) txStatus() byte {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.tx
}

func (sess *session) setTx(tx byte) {
	sess.mu.Lock()
	sess.tx = tx
	sess.mu.Unlock()
}

func (sess *session) send(msg pgproto3.BackendMessage) {
	sess.mu.Lock()
	sess.be.Send(msg)
	sess.mu.Unlock()
}

func (sess *session) flush() error {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.be.Flush()
}

func (sess *session) sendReady() error {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.be.Send(&pgproto3.ReadyForQuery{TxStatus: sess.tx})
	return sess.be.Flush()
}

// splitStatements cuts a simple-query string on semicolons, dropping
// empty segments. Quoting is not honored; test queries stay simple.
func splitStatements(sql string) []string {
	parts := strings.Split(sql, ";")
	out := parts[:0]
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			out = append(out, p)
		}
	}
	return out
}

// ResponseWriter emits backend messages for one query cycle.
type ResponseWriter struct {
	sess   *session
	failed bool
}

// RowSet sends a RowDescription for text-format columns followed by one
// DataRow per row.
func (w *ResponseWriter) RowSet(cols []string, rows ...[]string) {
	fields := make([]pgproto3.FieldDescription, len(cols))
	for i, name := range cols {
		fields[i] = pgproto3.FieldDescription{
			Name:         []byte(name),
			DataTypeOID:  25, // text
			DataTypeSize: -1,
			TypeModifier: -1,
		}
	}
	w.sess.send(&pgproto3.RowDescription{Fields: fields})
	for _, row := range rows {
		values := make([][]byte, len(row))
		for i, v := range row {
			values[i] = []byte(v)
		}
		w.sess.send(&pgproto3.DataRow{Values: values})
	}
}

// Tag completes the current statement with a CommandComplete.
func (w *ResponseWriter) Tag(tag string) {
	w.sess.send(&pgproto3.CommandComplete{CommandTag: []byte(tag)})
}

// Error sends an ErrorResponse and marks the rest of the query string
// skipped. An open transaction moves to the failed state.
func (w *ResponseWriter) Error(code, message string) {
	w.failed = true
	if w.sess.txStatus() == 'T' {
		w.sess.setTx('E')
	}
	w.sess.send(&pgproto3.ErrorResponse{Severity: "ERROR", Code: code, Message: message})
}

// FatalError sends a FATAL-severity ErrorResponse. A real backend drops
// the connection afterwards; the scripted handler picks what follows.
func (w *ResponseWriter) FatalError(code, message string) {
	w.failed = true
	w.sess.send(&pgproto3.ErrorResponse{Severity: "FATAL", Code: code, Message: message})
}

// Notice sends a NoticeResponse mid-cycle.
func (w *ResponseWriter) Notice(message string) {
	w.sess.send(&pgproto3.NoticeResponse{Severity: "NOTICE", Code: "00000", Message: message})
}

// Notify sends a NotificationResponse mid-cycle, bypassing the listen
// set.
func (w *ResponseWriter) Notify(channel, payload string) {
	w.sess.send(&pgproto3.NotificationResponse{
		PID:     w.sess.pid,
		Channel: channel,
		Payload: payload,
	})
}
