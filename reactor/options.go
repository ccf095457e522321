// File: reactor/options.go
// Package reactor defines functional options for the reactor.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package reactor

import "github.com/momentics/pgaio/control"

type config struct {
	pollBatch int
	loopCPU   int
	metrics   *control.MetricsRegistry
}

func defaultConfig() config {
	return config{pollBatch: 128, loopCPU: -1}
}

// Option customizes reactor initialization.
type Option func(*config)

// WithPollBatch overrides the per-wait event batch size.
func WithPollBatch(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.pollBatch = n
		}
	}
}

// WithLoopCPU pins the dispatch thread to the given CPU. Dispatch
// latency then stops depending on where the scheduler last parked the
// loop. Negative values leave the thread unpinned.
func WithLoopCPU(cpu int) Option {
	return func(c *config) {
		c.loopCPU = cpu
	}
}

// WithMetrics attaches a metrics registry; the reactor counts
// registrations, deregistrations and dispatched events into it.
func WithMetrics(m *control.MetricsRegistry) Option {
	return func(c *config) {
		c.metrics = m
	}
}
