package telemetry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/sony/gobreaker"

	"github.com/nugget/smartfarm-agent/internal/config"
	"github.com/nugget/smartfarm-agent/internal/device"
)

func TestEncode(t *testing.T) {
	tests := []struct {
		name string
		r    device.Reading
		want string
	}{
		{
			name: "two decimals",
			r:    device.Reading{Temperature: 24.5, Humidity: 61.234, Moisture: 37},
			want: `{"sensorData":{"temperature":24.50,"humidity":61.23,"moisture":37}}`,
		},
		{
			name: "whole numbers",
			r:    device.Reading{Temperature: 20, Humidity: 55, Moisture: 0},
			want: `{"sensorData":{"temperature":20.00,"humidity":55.00,"moisture":0}}`,
		},
		{
			name: "negative temperature",
			r:    device.Reading{Temperature: -3.25, Humidity: 90.1, Moisture: 100},
			want: `{"sensorData":{"temperature":-3.25,"humidity":90.10,"moisture":100}}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Encode(tt.r)
			if err != nil {
				t.Fatalf("Encode() error: %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("Encode() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestEncodeRejectsNaN(t *testing.T) {
	if _, err := Encode(device.Reading{Temperature: math.NaN(), Humidity: 50}); err == nil {
		t.Error("Encode(NaN) should fail")
	}
}

type recordingWriter struct {
	points []*write.Point
	err    error
}

func (w *recordingWriter) WritePoint(_ context.Context, p ...*write.Point) error {
	if w.err != nil {
		return w.err
	}
	w.points = append(w.points, p...)
	return nil
}

func testMirror(w PointWriter) *Mirror {
	return newMirror(w, config.InfluxConfig{
		Measurement:     "environment",
		WriteTimeout:    time.Second,
		BreakerFailures: 2,
		BreakerCooldown: time.Hour,
	}, "node1", slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
}

func TestMirrorRecord(t *testing.T) {
	w := &recordingWriter{}
	m := testMirror(w)

	ts := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	r := device.Reading{Temperature: 24.5, Humidity: 61.2, Moisture: 37, TakenAt: ts}
	snap := device.Snapshot{Pump: true, AutoMode: true, Indicator: "warning"}

	if err := m.Record(context.Background(), r, snap); err != nil {
		t.Fatalf("Record() error: %v", err)
	}
	if len(w.points) != 1 {
		t.Fatalf("points written = %d, want 1", len(w.points))
	}

	p := w.points[0]
	if p.Name() != "environment" {
		t.Errorf("measurement = %q, want environment", p.Name())
	}
	if !p.Time().Equal(ts) {
		t.Errorf("time = %v, want %v", p.Time(), ts)
	}
	tags := p.TagList()
	if len(tags) != 1 || tags[0].Key != "device_id" || tags[0].Value != "node1" {
		t.Errorf("tags = %v", tags)
	}
	fields := map[string]interface{}{}
	for _, f := range p.FieldList() {
		fields[f.Key] = f.Value
	}
	if fields["temperature"] != 24.5 || fields["pump"] != true || fields["warning"] != true {
		t.Errorf("fields = %v", fields)
	}
}

func TestMirrorBreakerOpens(t *testing.T) {
	w := &recordingWriter{err: errors.New("connection refused")}
	m := testMirror(w)
	ctx := context.Background()
	r := device.Reading{TakenAt: time.Now()}

	for i := range 2 {
		if err := m.Record(ctx, r, device.Snapshot{}); err == nil {
			t.Fatalf("write %d: expected error", i)
		}
	}

	err := m.Record(ctx, r, device.Snapshot{})
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Errorf("Record() after failures = %v, want ErrOpenState", err)
	}
	if m.breaker.State() != gobreaker.StateOpen {
		t.Errorf("breaker state = %s, want open", m.breaker.State())
	}
}
