// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package fake hosts an in-process PostgreSQL protocol server for the
// test suites: loopback TCP, the four startup authentication modes,
// builtin behavior for the common statements (select 1, pg_sleep,
// BEGIN/COMMIT/ROLLBACK, LISTEN), scripted responses for everything
// else, CancelRequest routing by backend key, and a crash statement
// that severs the wire mid-conversation.
package fake
