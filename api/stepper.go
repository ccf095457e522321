// File: api/stepper.go
// Author: momentics <momentics@gmail.com>
//
// Step-wise protocol driving contract. A Stepper owns a non-blocking
// protocol exchange and advances it one non-blocking step at a time; the
// poll driver supplies the readiness waits between steps.

package api

// Step is the outcome of one non-blocking protocol step.
type Step uint8

const (
	// StepNeedRead means the exchange cannot progress until the socket is
	// readable.
	StepNeedRead Step = iota
	// StepNeedWrite means the exchange cannot progress until the socket is
	// writable.
	StepNeedWrite
	// StepDone means the exchange completed; the stepper's product is
	// available on the concrete type.
	StepDone
)

// Stepper is a suspended protocol exchange. Advance performs as much work
// as possible without blocking and reports what it needs next; a non-nil
// error is the failure outcome and ends the exchange.
//
// Fd is consulted before every wait: exchanges that fall back across
// candidate sockets (multi-host connects) may change descriptors between
// rounds.
type Stepper interface {
	Fd() int
	Advance() (Step, error)
}
