// control/metrics_test.go
// Author: momentics <momentics@gmail.com>

package control

import "testing"

func TestCounters(t *testing.T) {
	m := NewMetricsRegistry()
	m.Inc("a", 1)
	m.Inc("a", 2)
	m.Inc("b", 5)

	if got := m.Counter("a"); got != 3 {
		t.Errorf("a = %d, want 3", got)
	}
	if got := m.Counter("b"); got != 5 {
		t.Errorf("b = %d, want 5", got)
	}
	if got := m.Counter("missing"); got != 0 {
		t.Errorf("missing = %d, want 0", got)
	}
}

func TestGaugesAndProbes(t *testing.T) {
	m := NewMetricsRegistry()
	m.Set("watching", int64(4))
	m.RegisterDebugProbe("depth", func() any { return 17 })

	snap := m.GetSnapshot()
	if snap["watching"] != int64(4) {
		t.Errorf("watching = %v", snap["watching"])
	}
	if snap["depth"] != 17 {
		t.Errorf("depth = %v", snap["depth"])
	}
}

func TestSnapshotMergesCounters(t *testing.T) {
	m := NewMetricsRegistry()
	m.Inc("events", 9)
	snap := m.GetSnapshot()
	if snap["events"] != int64(9) {
		t.Errorf("events = %v, want 9", snap["events"])
	}
}

// A nil registry is a valid no-op sink; callers pass one when metrics
// are not configured.
func TestNilRegistry(t *testing.T) {
	var m *MetricsRegistry
	m.Inc("a", 1)
	m.Set("b", 2)
	if got := m.Counter("a"); got != 0 {
		t.Errorf("Counter on nil = %d, want 0", got)
	}
}
