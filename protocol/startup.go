// File: protocol/startup.go
// Package protocol implements the startup and authentication exchange.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// ConnectStepper drives one host attempt from a half-open non-blocking
// connect through authentication to the first ReadyForQuery. The stepper
// is passive; a poll driver supplies the waits.

package protocol

import (
	"fmt"
	"slices"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/momentics/pgaio/api"
	"github.com/momentics/pgaio/internal/scram"
	"github.com/momentics/pgaio/internal/sock"
)

// SessionConfig carries the startup parameters for one host attempt.
type SessionConfig struct {
	User          string
	Password      string
	Database      string
	RuntimeParams map[string]string
	Logger        api.Logger
}

type connectPhase uint8

const (
	phaseAwaitConnect connectPhase = iota
	phaseCheckConnect
	phaseSend
	phaseNegotiate
	phaseDone
)

// ConnectStepper is the startup exchange for a single address.
type ConnectStepper struct {
	sess  *Session
	cfg   SessionConfig
	phase connectPhase
	sasl  *scram.Client
}

// StartSession begins a non-blocking connect to addr and returns the
// stepper that completes the session. The caller owns the returned
// stepper's descriptor and must Close it on failure; an error return
// leaves no descriptor behind.
func StartSession(addr sock.Addr, cfg SessionConfig) (*ConnectStepper, error) {
	fd, inProgress, err := sock.StartConnect(addr)
	if err != nil {
		return nil, err
	}
	cs := &ConnectStepper{
		sess:  NewSession(fd, addr),
		cfg:   cfg,
		phase: phaseAwaitConnect,
	}
	if !inProgress {
		// Connected instantly (unix sockets, loopback): skip the
		// writability round and go straight to the startup packet.
		if err := cs.enqueueStartup(); err != nil {
			// No stepper reaches the caller, so nobody else can release
			// the descriptor.
			_ = cs.sess.Close()
			return nil, err
		}
		cs.phase = phaseSend
	}
	return cs, nil
}

// Fd returns the descriptor current for this attempt.
func (cs *ConnectStepper) Fd() int { return cs.sess.fd }

// Session returns the established session after StepDone.
func (cs *ConnectStepper) Session() *Session { return cs.sess }

// Close releases the attempt's descriptor.
func (cs *ConnectStepper) Close() error { return cs.sess.Close() }

// Advance performs as much of the exchange as possible without blocking.
func (cs *ConnectStepper) Advance() (api.Step, error) {
	for {
		switch cs.phase {
		case phaseAwaitConnect:
			cs.phase = phaseCheckConnect
			return api.StepNeedWrite, nil

		case phaseCheckConnect:
			if err := sock.ConnErr(cs.sess.fd); err != nil {
				return 0, err
			}
			if err := cs.enqueueStartup(); err != nil {
				return 0, err
			}
			cs.phase = phaseSend

		case phaseSend:
			done, err := cs.sess.Flush()
			if err != nil {
				return 0, err
			}
			if !done {
				return api.StepNeedWrite, nil
			}
			cs.phase = phaseNegotiate

		case phaseNegotiate:
			msg, err := cs.sess.Receive()
			if err != nil {
				return 0, err
			}
			if msg == nil {
				return api.StepNeedRead, nil
			}
			if err := cs.handle(msg); err != nil {
				return 0, err
			}
			if cs.sess.Pending() {
				cs.phase = phaseSend
			}

		case phaseDone:
			return api.StepDone, nil
		}
	}
}

func (cs *ConnectStepper) enqueueStartup() error {
	params := map[string]string{
		"user": cs.cfg.User,
	}
	if cs.cfg.Database != "" {
		params["database"] = cs.cfg.Database
	}
	for k, v := range cs.cfg.RuntimeParams {
		params[k] = v
	}
	return cs.sess.Enqueue(&pgproto3.StartupMessage{
		ProtocolVersion: pgproto3.ProtocolVersionNumber,
		Parameters:      params,
	})
}

func (cs *ConnectStepper) handle(msg pgproto3.BackendMessage) error {
	switch m := msg.(type) {
	case *pgproto3.AuthenticationOk:
		return nil

	case *pgproto3.AuthenticationCleartextPassword:
		return cs.sess.Enqueue(&pgproto3.PasswordMessage{Password: cs.cfg.Password})

	case *pgproto3.AuthenticationMD5Password:
		resp := MD5Response(cs.cfg.User, cs.cfg.Password, m.Salt)
		return cs.sess.Enqueue(&pgproto3.PasswordMessage{Password: resp})

	case *pgproto3.AuthenticationSASL:
		if !slices.Contains(m.AuthMechanisms, scram.MechanismName) {
			return fmt.Errorf("server offers no supported SASL mechanism (got %v)", m.AuthMechanisms)
		}
		client, err := scram.NewClient(cs.cfg.Password)
		if err != nil {
			return err
		}
		cs.sasl = client
		return cs.sess.Enqueue(&pgproto3.SASLInitialResponse{
			AuthMechanism: scram.MechanismName,
			Data:          client.FirstMessage(),
		})

	case *pgproto3.AuthenticationSASLContinue:
		if cs.sasl == nil {
			return &api.ProtocolError{Reason: "SASL continue without SASL exchange"}
		}
		if err := cs.sasl.HandleServerFirst(m.Data); err != nil {
			return err
		}
		return cs.sess.Enqueue(&pgproto3.SASLResponse{Data: cs.sasl.FinalMessage()})

	case *pgproto3.AuthenticationSASLFinal:
		if cs.sasl == nil {
			return &api.ProtocolError{Reason: "SASL final without SASL exchange"}
		}
		return cs.sasl.VerifyServerFinal(m.Data)

	case *pgproto3.BackendKeyData, *pgproto3.ParameterStatus:
		// Tracked by the session.
		return nil

	case *pgproto3.NoticeResponse:
		if cs.cfg.Logger != nil {
			cs.cfg.Logger.Printf("startup notice: %s: %s", m.Severity, m.Message)
		}
		return nil

	case *pgproto3.ErrorResponse:
		return PgErrorFrom(m)

	case *pgproto3.ReadyForQuery:
		cs.phase = phaseDone
		return nil

	default:
		return &api.ProtocolError{Reason: fmt.Sprintf("unexpected message %T during startup", msg)}
	}
}
