package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/sony/gobreaker"

	"github.com/nugget/smartfarm-agent/internal/config"
	"github.com/nugget/smartfarm-agent/internal/device"
	"github.com/nugget/smartfarm-agent/internal/httpkit"
	"github.com/nugget/smartfarm-agent/internal/metrics"
)

// PointWriter writes points synchronously. api.WriteAPIBlocking
// satisfies it.
type PointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// Mirror copies every published reading into InfluxDB. Writes block
// for at most the configured timeout and run behind a circuit breaker,
// so an unreachable database costs the control loop almost nothing once
// the breaker opens.
type Mirror struct {
	writer      PointWriter
	client      influxdb2.Client
	breaker     *gobreaker.CircuitBreaker
	measurement string
	deviceID    string
	timeout     time.Duration
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

// NewMirror connects a mirror to the InfluxDB described by cfg.
func NewMirror(cfg config.InfluxConfig, deviceID string, logger *slog.Logger, m *metrics.Metrics) *Mirror {
	httpClient := httpkit.NewClient(
		httpkit.WithTimeout(cfg.WriteTimeout),
		httpkit.WithTLSInsecureSkipVerify(cfg.InsecureSkipVerify),
		httpkit.WithRetry(1, 200*time.Millisecond),
		httpkit.WithLogger(logger),
	)
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().SetHTTPClient(httpClient))
	mirror := newMirror(client.WriteAPIBlocking(cfg.Org, cfg.Bucket), cfg, deviceID, logger, m)
	mirror.client = client
	return mirror
}

func newMirror(w PointWriter, cfg config.InfluxConfig, deviceID string, logger *slog.Logger, m *metrics.Metrics) *Mirror {
	if logger == nil {
		logger = slog.Default()
	}
	failures := uint32(cfg.BreakerFailures)
	if failures == 0 {
		failures = 3
	}

	return &Mirror{
		writer:      w,
		measurement: cfg.Measurement,
		deviceID:    deviceID,
		timeout:     cfg.WriteTimeout,
		logger:      logger,
		metrics:     m,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "influx",
			Timeout: cfg.BreakerCooldown,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= failures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("telemetry mirror breaker changed state",
					"breaker", name,
					"from", from.String(),
					"to", to.String(),
				)
			},
		}),
	}
}

// Record writes one point for a published reading together with the
// device outputs at that moment.
func (m *Mirror) Record(ctx context.Context, r device.Reading, snap device.Snapshot) error {
	point := influxdb2.NewPoint(m.measurement,
		map[string]string{"device_id": m.deviceID},
		map[string]interface{}{
			"temperature": r.Temperature,
			"humidity":    r.Humidity,
			"moisture":    r.Moisture,
			"pump":        snap.Pump,
			"auto_mode":   snap.AutoMode,
			"warning":     snap.Indicator == device.IndicatorWarning.String(),
		},
		r.TakenAt,
	)

	_, err := m.breaker.Execute(func() (interface{}, error) {
		wctx := ctx
		if m.timeout > 0 {
			var cancel context.CancelFunc
			wctx, cancel = context.WithTimeout(ctx, m.timeout)
			defer cancel()
		}
		return nil, m.writer.WritePoint(wctx, point)
	})

	switch {
	case err == nil:
		m.metrics.MirrorWrite("ok")
		return nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		m.metrics.MirrorWrite("open")
		return fmt.Errorf("telemetry mirror unavailable: %w", err)
	default:
		m.metrics.MirrorWrite("error")
		return fmt.Errorf("telemetry mirror write: %w", err)
	}
}

// Close releases the InfluxDB client.
func (m *Mirror) Close() {
	if m.client != nil {
		m.client.Close()
	}
}
