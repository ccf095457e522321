// File: reactor/driver.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Poll driver: runs a protocol stepper to completion, supplying the
// readiness waits between non-blocking steps.

package reactor

import (
	"context"

	"github.com/momentics/pgaio/api"
)

// Drive advances s until it completes or fails. Between steps it awaits
// the readiness the stepper asked for; the descriptor is re-read every
// round because steppers may change sockets between rounds.
//
// Wait failures (timeout, cancellation) are returned as-is and leave the
// stepper untouched, so a caller may resume driving the same stepper on a
// fresh context.
func Drive(ctx context.Context, r api.Reactor, s api.Stepper) error {
	for {
		step, err := s.Advance()
		if err != nil {
			return err
		}
		switch step {
		case api.StepDone:
			return nil
		case api.StepNeedRead:
			if err := AwaitReady(ctx, r, s.Fd(), api.EventReadable); err != nil {
				return err
			}
		case api.StepNeedWrite:
			if err := AwaitReady(ctx, r, s.Fd(), api.EventWritable); err != nil {
				return err
			}
		default:
			return api.NewError(api.ErrCodeInternal, "stepper returned unknown step")
		}
	}
}
