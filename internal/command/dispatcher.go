package command

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/nugget/smartfarm-agent/internal/device"
	"github.com/nugget/smartfarm-agent/internal/events"
	"github.com/nugget/smartfarm-agent/internal/metrics"
	"github.com/nugget/smartfarm-agent/internal/mqtt"
	"github.com/nugget/smartfarm-agent/internal/telemetry"
)

// Ack state names.
const (
	AckPump     = "PUMP"
	AckAutoMode = "AUTO_MODE"
)

// Ack confirms a state change on the data topic.
type Ack struct {
	State  string `json:"state"`
	Enable bool   `json:"enable"`
}

// Publisher sends a message best-effort. *mqtt.Session satisfies it.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) bool
}

// Dispatcher executes commands. It is not safe for concurrent use; the
// control loop calls it from Poll.
type Dispatcher struct {
	state   *device.State
	sensors device.SensorSource
	pub     Publisher
	topics  mqtt.Topics
	logger  *slog.Logger
	metrics *metrics.Metrics
	bus     *events.Bus
	now     func() time.Time
}

// NewDispatcher wires a dispatcher. metrics and bus may be nil.
func NewDispatcher(state *device.State, sensors device.SensorSource, pub Publisher, topics mqtt.Topics,
	logger *slog.Logger, m *metrics.Metrics, bus *events.Bus) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		state:   state,
		sensors: sensors,
		pub:     pub,
		topics:  topics,
		logger:  logger,
		metrics: m,
		bus:     bus,
		now:     time.Now,
	}
}

// HandleMessage is the session's inbound handler. Commands are parsed
// and executed; forecast messages are logged and otherwise ignored.
func (d *Dispatcher) HandleMessage(ctx context.Context, topic string, payload []byte) {
	switch topic {
	case d.topics.Commands:
	case d.topics.Forecast:
		d.logForecast(payload)
		return
	default:
		d.logger.Debug("message on unexpected topic ignored", "topic", topic)
		return
	}

	cmd, err := Parse(payload)
	if err != nil {
		d.reject(err, payload)
		return
	}
	d.Execute(ctx, cmd)
}

// logForecast records a forecast. The node does not act on it; the rain
// probability is kept in the log for operators.
func (d *Dispatcher) logForecast(payload []byte) {
	fields := []any{"payload_size", len(payload)}
	var forecast struct {
		RainProb *float64 `json:"rain_prob"`
	}
	if err := json.Unmarshal(payload, &forecast); err == nil && forecast.RainProb != nil {
		fields = append(fields, "rain_prob", *forecast.RainProb)
	}
	d.logger.Debug("forecast received, not acted on", fields...)
}

func (d *Dispatcher) reject(err error, payload []byte) {
	var pe *ParseError
	action := "unknown"
	if errors.As(err, &pe) && pe.Action != "" {
		action = pe.Action
	}

	if errors.Is(err, ErrUnknownAction) {
		d.metrics.Command(action, "ignored")
		d.logger.Info("ignoring unknown command action", "action", action)
		return
	}

	d.metrics.Command(action, "rejected")
	d.logger.Warn("command rejected", "error", err, "payload_size", len(payload))
	d.bus.Emit(events.SourceCommand, events.KindCommandRejected, map[string]any{
		"error": err.Error(),
	})
}

// Execute applies cmd to the device state and emits whatever the
// command owes: an ack for PUMP and TOGGLE_AUTO, a snapshot for
// GET_DATA, nothing for SetThreshold.
func (d *Dispatcher) Execute(ctx context.Context, cmd Command) {
	result := "ok"

	switch c := cmd.(type) {
	case Pump:
		d.state.SetPump(c.Enable)
		d.logger.Info("pump commanded", "enable", c.Enable)
		d.ack(ctx, AckPump, c.Enable)

	case ToggleAuto:
		d.state.SetAutoMode(c.Enable)
		d.logger.Info("automatic mode switched", "enable", c.Enable)
		d.ack(ctx, AckAutoMode, c.Enable)

	case SetThreshold:
		if c.Update.Empty() {
			d.logger.Info("threshold update carried no fields")
			break
		}
		limits := d.state.ApplyThresholds(c.Update)
		d.logger.Info("thresholds updated",
			"temperature", limits.Temperature,
			"humidity", limits.Humidity,
			"moisture", limits.Moisture,
			"fields_set", fieldsSet(c.Update),
		)
		d.bus.Emit(events.SourceCommand, events.KindThresholds, map[string]any{
			"temperature": limits.Temperature,
			"humidity":    limits.Humidity,
			"moisture":    limits.Moisture,
		})

	case GetData:
		if !d.snapshot(ctx) {
			result = "failed"
		}
	}

	d.metrics.Command(cmd.Action(), result)
	d.bus.Emit(events.SourceCommand, events.KindCommand, map[string]any{
		"action": cmd.Action(),
		"result": result,
	})
}

func (d *Dispatcher) ack(ctx context.Context, state string, enable bool) {
	payload, err := json.Marshal(Ack{State: state, Enable: enable})
	if err != nil {
		d.logger.Error("marshal ack", "state", state, "error", err)
		return
	}
	ok := d.pub.Publish(ctx, d.topics.Data, payload)
	d.bus.Emit(events.SourceCommand, events.KindAck, map[string]any{
		"state":     state,
		"enable":    enable,
		"published": ok,
	})
}

// snapshot samples the sensors and publishes the reading to the
// data_for_telegram topic. A reading without temperature or humidity
// is not published.
func (d *Dispatcher) snapshot(ctx context.Context) bool {
	r, err := device.Sample(d.sensors, d.now())
	if err != nil {
		d.metrics.SensorFault()
		d.logger.Warn("on-demand reading failed", "error", err)
		d.bus.Emit(events.SourceCommand, events.KindSensorFault, map[string]any{"error": err.Error()})
		return false
	}

	payload, err := telemetry.Encode(r)
	if err != nil {
		d.logger.Error("encode on-demand reading", "error", err)
		return false
	}

	ok := d.pub.Publish(ctx, d.topics.DataForTelegram, payload)
	d.bus.Emit(events.SourceCommand, events.KindSnapshot, map[string]any{
		"temperature": r.Temperature,
		"humidity":    r.Humidity,
		"moisture":    r.Moisture,
		"published":   ok,
	})
	return ok
}

func fieldsSet(u device.ThresholdUpdate) []string {
	var out []string
	if u.Temperature != nil {
		out = append(out, "temperature")
	}
	if u.Humidity != nil {
		out = append(out, "humidity")
	}
	if u.Moisture != nil {
		out = append(out, "moisture")
	}
	return out
}
