// Package protocol
// Author: momentics <momentics@gmail.com>
//
// Implements the PostgreSQL wire protocol (version 3) engine for pgaio.
//
// Designed for poll-driven environments: every operation is non-blocking
// and would-block aware, so a reactor decides when the socket is touched.
// Message encoding and decoding are delegated to jackc pgproto3; framing,
// buffering and session-state tracking live here.
//
// Includes:
//   - Session: buffered non-blocking frame engine over a raw descriptor
//   - ConnectStepper: startup and authentication (cleartext, md5, SCRAM)
//   - CancelStepper: out-of-band CancelRequest side channel
//   - Backend state capture: key data, transaction status, parameters
package protocol
