// Package control
// Author: momentics <momentics@gmail.com>
//
// Runtime metrics and debug introspection layer for pgaio.
//
// Provides concurrent-safe primitives including:
//   - Monotonic counters and point-in-time gauges in a shared registry
//   - Snapshot reads for export by embedding applications
//   - Debug probe registration for live state inspection
//
// The registry is in-process only; exporting to a metrics system is the
// embedding application's concern.
package control
