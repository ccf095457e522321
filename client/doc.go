// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package client implements the PostgreSQL connection object: DSN and
// environment configuration, multi-host connect, the single-command
// state machine, the simple-query executor with cooperative
// cancellation, and the LISTEN/NOTIFY queue.
//
// A Conn multiplexes one server session onto a shared api.Reactor. The
// calling goroutine suspends whenever the socket would block, so many
// connections share a thread without private event loops. One command
// runs at a time; concurrent Exec calls fail fast with ErrConnBusy
// rather than queue.
package client
