// Package metrics exposes the agent's Prometheus collectors. All
// methods are safe on a nil *Metrics so components can run without
// instrumentation in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/nugget/smartfarm-agent/internal/connwatch"
)

const namespace = "smartfarm"

// Metrics holds the collectors and the registry they are registered on.
type Metrics struct {
	Registry *prometheus.Registry

	sessionState   *prometheus.GaugeVec
	sessionChanges *prometheus.CounterVec
	publishes      *prometheus.CounterVec
	inbound        *prometheus.CounterVec
	commands       *prometheus.CounterVec
	sensorFaults   prometheus.Counter
	controlCycles  prometheus.Counter
	reading        *prometheus.GaugeVec
	autoMode       prometheus.Gauge
	pump           prometheus.Gauge
	warning        prometheus.Gauge
	mirrorWrites   *prometheus.CounterVec
}

// New creates the collectors on a fresh registry that also carries the
// Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		sessionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_state",
			Help:      "Connection state per session (0 disconnected, 1 connecting, 2 connected).",
		}, []string{"session"}),
		sessionChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_transitions_total",
			Help:      "Session state transitions by target state.",
		}, []string{"session", "to"}),
		publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mqtt_publishes_total",
			Help:      "Outbound MQTT publishes by topic kind and result.",
		}, []string{"topic", "result"}),
		inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mqtt_inbound_total",
			Help:      "Inbound MQTT messages by topic kind and outcome.",
		}, []string{"topic", "result"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Commands handled by action and result.",
		}, []string{"action", "result"}),
		sensorFaults: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sensor_faults_total",
			Help:      "Samples abandoned because a climate reading was absent.",
		}),
		controlCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "control_cycles_total",
			Help:      "Completed control cycles.",
		}),
		reading: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reading",
			Help:      "Last published sensor reading.",
		}, []string{"quantity"}),
		autoMode: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "auto_mode",
			Help:      "1 when automatic mode is on.",
		}),
		pump: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pump_on",
			Help:      "1 when the pump is commanded on.",
		}),
		warning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "warning",
			Help:      "1 when the status indicator shows a warning.",
		}),
		mirrorWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mirror_writes_total",
			Help:      "Telemetry mirror writes by result.",
		}, []string{"result"}),
	}

	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.sessionState,
		m.sessionChanges,
		m.publishes,
		m.inbound,
		m.commands,
		m.sensorFaults,
		m.controlCycles,
		m.reading,
		m.autoMode,
		m.pump,
		m.warning,
		m.mirrorWrites,
	)
	return m
}

// SessionChanged records a session transition. Its signature matches
// [connwatch.ChangeFunc].
func (m *Metrics) SessionChanged(name string, _, to connwatch.State, _ error) {
	if m == nil {
		return
	}
	m.sessionState.WithLabelValues(name).Set(float64(to))
	m.sessionChanges.WithLabelValues(name, to.String()).Inc()
}

// Published counts an outbound publish.
func (m *Metrics) Published(topicKind string, ok bool) {
	if m == nil {
		return
	}
	m.publishes.WithLabelValues(topicKind, result(ok)).Inc()
}

// Inbound counts an inbound message outcome: queued, dropped or
// rate_limited.
func (m *Metrics) Inbound(topicKind, outcome string) {
	if m == nil {
		return
	}
	m.inbound.WithLabelValues(topicKind, outcome).Inc()
}

// Command counts a handled command. result is ok, rejected or ignored.
func (m *Metrics) Command(action, result string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(action, result).Inc()
}

// SensorFault counts an abandoned sample.
func (m *Metrics) SensorFault() {
	if m == nil {
		return
	}
	m.sensorFaults.Inc()
}

// ControlCycle records a completed cycle and its reading.
func (m *Metrics) ControlCycle(temperature, humidity float64, moisture int) {
	if m == nil {
		return
	}
	m.controlCycles.Inc()
	m.reading.WithLabelValues("temperature").Set(temperature)
	m.reading.WithLabelValues("humidity").Set(humidity)
	m.reading.WithLabelValues("moisture").Set(float64(moisture))
}

// Outputs records the mode, pump and warning state.
func (m *Metrics) Outputs(autoMode, pump, warning bool) {
	if m == nil {
		return
	}
	m.autoMode.Set(flag(autoMode))
	m.pump.Set(flag(pump))
	m.warning.Set(flag(warning))
}

// MirrorWrite counts a telemetry mirror write. result is ok, error or
// open (breaker rejected the write).
func (m *Metrics) MirrorWrite(result string) {
	if m == nil {
		return
	}
	m.mirrorWrites.WithLabelValues(result).Inc()
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}

func flag(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
