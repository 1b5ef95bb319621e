// Package agent implements the node's cooperative control loop.
//
// Each tick ensures the link and broker sessions are up, drains inbound
// commands, drives the pump from the commanded state and, once per
// telemetry interval, runs a control cycle: sample, publish, evaluate
// thresholds in automatic mode, refresh the display.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/smartfarm-agent/internal/device"
	"github.com/nugget/smartfarm-agent/internal/events"
	"github.com/nugget/smartfarm-agent/internal/metrics"
	"github.com/nugget/smartfarm-agent/internal/mqtt"
	"github.com/nugget/smartfarm-agent/internal/telemetry"
)

// Link is the network connection underneath the broker session.
type Link interface {
	EnsureConnected(ctx context.Context) error
}

// Messaging is the broker session as seen by the loop. *mqtt.Session
// satisfies it.
type Messaging interface {
	EnsureConnected(ctx context.Context) error
	Poll(ctx context.Context) int
	Publish(ctx context.Context, topic string, payload []byte) bool
	Topics() mqtt.Topics
}

// Recorder keeps a copy of each published reading. *telemetry.Mirror
// satisfies it.
type Recorder interface {
	Record(ctx context.Context, r device.Reading, snap device.Snapshot) error
}

// Config holds the loop timing.
type Config struct {
	TelemetryInterval time.Duration
	LoopTick          time.Duration
}

// Loop is the control loop. Run and the session calls it makes are
// single-threaded; only [device.State] is shared with other goroutines.
type Loop struct {
	cfg       Config
	state     *device.State
	sensors   device.SensorSource
	actuators device.ActuatorSink
	link      Link
	msg       Messaging

	logger   *slog.Logger
	metrics  *metrics.Metrics
	bus      *events.Bus
	recorder Recorder
	now      func() time.Time

	measured    bool
	lastMeasure time.Time
}

// Option configures optional collaborators.
type Option func(*Loop)

// WithMetrics records loop activity in m.
func WithMetrics(m *metrics.Metrics) Option { return func(l *Loop) { l.metrics = m } }

// WithEvents publishes loop activity to b.
func WithEvents(b *events.Bus) Option { return func(l *Loop) { l.bus = b } }

// WithRecorder mirrors each published reading to r.
func WithRecorder(r Recorder) Option { return func(l *Loop) { l.recorder = r } }

// NewLoop creates a control loop.
func NewLoop(cfg Config, state *device.State, sensors device.SensorSource, actuators device.ActuatorSink,
	link Link, msg Messaging, logger *slog.Logger, opts ...Option) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TelemetryInterval <= 0 {
		cfg.TelemetryInterval = 5 * time.Second
	}
	if cfg.LoopTick <= 0 {
		cfg.LoopTick = 100 * time.Millisecond
	}
	l := &Loop{
		cfg:       cfg,
		state:     state,
		sensors:   sensors,
		actuators: actuators,
		link:      link,
		msg:       msg,
		logger:    logger,
		now:       time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Run ticks until ctx is cancelled. The first control cycle runs on the
// first tick.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("control loop started",
		"telemetry_interval", l.cfg.TelemetryInterval,
		"tick", l.cfg.LoopTick,
	)

	ticker := time.NewTicker(l.cfg.LoopTick)
	defer ticker.Stop()

	for {
		if err := l.step(ctx); err != nil && ctx.Err() == nil {
			l.logger.Warn("control loop iteration incomplete", "error", err)
		}
		select {
		case <-ctx.Done():
			l.logger.Info("control loop stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// step runs one loop iteration.
func (l *Loop) step(ctx context.Context) error {
	if err := l.link.EnsureConnected(ctx); err != nil {
		return fmt.Errorf("link: %w", err)
	}
	if err := l.msg.EnsureConnected(ctx); err != nil {
		return fmt.Errorf("broker: %w", err)
	}

	l.msg.Poll(ctx)

	if err := l.actuators.SetPump(l.state.Pump()); err != nil {
		l.logger.Error("pump actuation failed", "error", err)
	}

	now := l.now()
	if l.measured && now.Sub(l.lastMeasure) < l.cfg.TelemetryInterval {
		return nil
	}
	l.measured = true
	l.lastMeasure = now
	l.controlCycle(ctx, now)
	return nil
}

// controlCycle samples the sensors and acts on the reading. A sensor
// fault abandons the whole cycle; the next interval retries.
func (l *Loop) controlCycle(ctx context.Context, now time.Time) {
	r, err := device.Sample(l.sensors, now)
	if err != nil {
		l.metrics.SensorFault()
		l.logger.Warn("sensor read failed, skipping cycle", "error", err)
		l.bus.Emit(events.SourceControl, events.KindSensorFault, map[string]any{"error": err.Error()})
		return
	}

	payload, err := telemetry.Encode(r)
	if err != nil {
		l.logger.Error("encode telemetry", "error", err)
		return
	}
	published := l.msg.Publish(ctx, l.msg.Topics().Data, payload)
	l.state.RecordReading(r)
	l.metrics.ControlCycle(r.Temperature, r.Humidity, r.Moisture)

	auto := l.state.AutoMode()
	if auto {
		l.evaluate(r)
	}

	line1 := fmt.Sprintf("T:%.1f H:%.0f S:%d", r.Temperature, r.Humidity, r.Moisture)
	line2 := " Mode:Manual"
	if auto {
		line2 = " Mode:Auto"
	}
	if err := l.actuators.ShowStatus(line1, line2); err != nil {
		l.logger.Warn("display update failed", "error", err)
	}

	snap := l.state.Snapshot()
	l.metrics.Outputs(snap.AutoMode, snap.Pump, snap.Indicator == device.IndicatorWarning.String())

	l.logger.Debug("telemetry published",
		"temperature", r.Temperature,
		"humidity", r.Humidity,
		"moisture", r.Moisture,
		"published", published,
	)
	l.bus.Emit(events.SourceControl, events.KindTelemetry, map[string]any{
		"temperature": r.Temperature,
		"humidity":    r.Humidity,
		"moisture":    r.Moisture,
		"published":   published,
	})

	if l.recorder != nil {
		if err := l.recorder.Record(ctx, r, snap); err != nil {
			l.logger.Debug("telemetry mirror write skipped", "error", err)
		}
	}
}

// evaluate drives the status indicator from the thresholds.
func (l *Loop) evaluate(r device.Reading) {
	limits := l.state.Thresholds()
	ind := device.IndicatorNormal
	if limits.Exceeded(r) {
		ind = device.IndicatorWarning
	}

	if err := l.actuators.SetStatusIndicator(ind); err != nil {
		l.logger.Warn("status indicator update failed", "error", err)
		return
	}
	if l.state.SetIndicator(ind) {
		l.logger.Info("status indicator changed",
			"state", ind.String(),
			"temperature", r.Temperature,
			"humidity", r.Humidity,
			"moisture", r.Moisture,
		)
		l.bus.Emit(events.SourceControl, events.KindIndicator, map[string]any{"state": ind.String()})
	}
}
