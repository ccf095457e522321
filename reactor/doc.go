// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor provides the poll-mode readiness layer of pgaio: an
// epoll(7)-based event reactor for Linux, the readiness waiter that parks
// goroutines until a descriptor is ready, and the poll driver that runs a
// protocol stepper to completion.
//
// Registrations are level-triggered: registering a descriptor that is
// already ready dispatches immediately. Each AwaitReady call holds exactly
// one registration and removes it before returning, on every path.
package reactor
