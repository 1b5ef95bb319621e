package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nugget/smartfarm-agent/internal/connwatch"
)

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	// None of these may panic.
	m.SessionChanged("broker", connwatch.Disconnected, connwatch.Connected, nil)
	m.Published("data", true)
	m.Inbound("commands", "queued")
	m.Command("PUMP", "ok")
	m.SensorFault()
	m.ControlCycle(1, 2, 3)
	m.Outputs(true, true, true)
	m.MirrorWrite("ok")
}

func TestSessionChanged(t *testing.T) {
	m := New()
	m.SessionChanged("broker", connwatch.Disconnected, connwatch.Connecting, nil)
	m.SessionChanged("broker", connwatch.Connecting, connwatch.Connected, nil)

	if got := testutil.ToFloat64(m.sessionState.WithLabelValues("broker")); got != 2 {
		t.Errorf("session_state{broker} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.sessionChanges.WithLabelValues("broker", "connected")); got != 1 {
		t.Errorf("transitions to connected = %v, want 1", got)
	}
}

func TestCounters(t *testing.T) {
	m := New()
	m.Published("data", true)
	m.Published("data", false)
	m.Published("data", false)
	m.Command("PUMP", "ok")
	m.SensorFault()
	m.ControlCycle(24.5, 61.2, 37)
	m.Outputs(true, false, true)

	if got := testutil.ToFloat64(m.publishes.WithLabelValues("data", "error")); got != 2 {
		t.Errorf("publish errors = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.commands.WithLabelValues("PUMP", "ok")); got != 1 {
		t.Errorf("PUMP ok = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.sensorFaults); got != 1 {
		t.Errorf("sensor faults = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.reading.WithLabelValues("moisture")); got != 37 {
		t.Errorf("moisture = %v, want 37", got)
	}
	if got := testutil.ToFloat64(m.warning); got != 1 {
		t.Errorf("warning = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.pump); got != 0 {
		t.Errorf("pump = %v, want 0", got)
	}
}

func TestRegistryGathers(t *testing.T) {
	m := New()
	m.ControlCycle(20, 50, 10)

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
	found := false
	for _, f := range families {
		if f.GetName() == "smartfarm_control_cycles_total" {
			found = true
		}
	}
	if !found {
		t.Error("smartfarm_control_cycles_total not gathered")
	}
}
