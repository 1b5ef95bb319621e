package hardware

import (
	"bytes"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/nugget/smartfarm-agent/internal/config"
	"github.com/nugget/smartfarm-agent/internal/device"
)

func sensorConfig(faultRate float64) config.SensorsConfig {
	return config.SensorsConfig{
		Driver:     "simulated",
		SoilRawMin: 0,
		SoilRawMax: 4095,
		Simulated: config.SimulatedConfig{
			BaseTemperature: 24,
			BaseHumidity:    55,
			InitialSoilRaw:  2048,
			FaultRate:       faultRate,
			Seed:            42,
		},
	}
}

func TestSimulator_Deterministic(t *testing.T) {
	a := NewSimulator(sensorConfig(0))
	b := NewSimulator(sensorConfig(0))

	for i := range 20 {
		ta, _ := a.ReadTemperature()
		tb, _ := b.ReadTemperature()
		if ta != tb {
			t.Fatalf("read %d: temperatures diverged with same seed: %v vs %v", i, ta, tb)
		}
	}
}

func TestSimulator_ClimateNearBase(t *testing.T) {
	s := NewSimulator(sensorConfig(0))
	for range 100 {
		temp, ok := s.ReadTemperature()
		if !ok {
			t.Fatal("ReadTemperature faulted with zero fault rate")
		}
		if temp < 24-climateJitter || temp > 24+climateJitter {
			t.Fatalf("temperature %v outside base±jitter", temp)
		}
		h, ok := s.ReadHumidity()
		if !ok {
			t.Fatal("ReadHumidity faulted with zero fault rate")
		}
		if h < 0 || h > 100 {
			t.Fatalf("humidity %v outside 0..100", h)
		}
	}
}

func TestSimulator_AlwaysFaults(t *testing.T) {
	s := NewSimulator(sensorConfig(1))
	if _, ok := s.ReadTemperature(); ok {
		t.Error("ReadTemperature succeeded with fault rate 1")
	}
	if _, ok := s.ReadHumidity(); ok {
		t.Error("ReadHumidity succeeded with fault rate 1")
	}
	if _, err := device.Sample(s, time.Now()); err == nil {
		t.Error("Sample succeeded with fault rate 1")
	}
}

func TestSimulator_SoilFollowsPump(t *testing.T) {
	s := NewSimulator(sensorConfig(0))

	start := s.ReadSoilMoisturePercent()
	if start != 49 && start != 50 {
		t.Fatalf("initial moisture = %d, want about 50", start)
	}

	s.SetPump(true)
	var wet int
	for range 50 {
		wet = s.ReadSoilMoisturePercent()
	}
	if wet <= start {
		t.Errorf("moisture with pump on = %d, want above %d", wet, start)
	}

	s.SetPump(false)
	var dry int
	for range 50 {
		dry = s.ReadSoilMoisturePercent()
	}
	if dry >= wet {
		t.Errorf("moisture with pump off = %d, want below %d", dry, wet)
	}
}

func TestSimulator_SoilClamped(t *testing.T) {
	s := NewSimulator(sensorConfig(0))
	s.SetPump(true)
	for range 1000 {
		if m := s.ReadSoilMoisturePercent(); m < 0 || m > 100 {
			t.Fatalf("moisture %d outside 0..100", m)
		}
	}
	if m := s.ReadSoilMoisturePercent(); m != 100 {
		t.Errorf("saturated moisture = %d, want 100", m)
	}
}

func TestLogActuator_LogsChangesOnly(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	var fed []bool
	a := NewLogActuator(logger, func(on bool) { fed = append(fed, on) })

	for range 3 {
		if err := a.SetPump(true); err != nil {
			t.Fatalf("SetPump: %v", err)
		}
	}
	if n := strings.Count(buf.String(), "pump output"); n != 1 {
		t.Errorf("pump logged %d times, want 1", n)
	}
	if len(fed) != 3 {
		t.Errorf("onPump called %d times, want 3", len(fed))
	}

	_ = a.SetStatusIndicator(device.IndicatorWarning)
	_ = a.SetStatusIndicator(device.IndicatorWarning)
	_ = a.SetStatusIndicator(device.IndicatorNormal)
	if n := strings.Count(buf.String(), "status indicator"); n != 2 {
		t.Errorf("indicator logged %d times, want 2", n)
	}

	_ = a.ShowStatus("T:24.5 H:61 S:37", " Mode:Auto")
	l1, l2 := a.display()
	if l1 != "T:24.5 H:61 S:37" || l2 != " Mode:Auto" {
		t.Errorf("Display() = %q, %q", l1, l2)
	}
}

func TestNewActuator(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	a, err := NewActuator(config.ActuatorsConfig{Driver: "log"}, logger, nil)
	if err != nil {
		t.Fatalf("NewActuator(log): %v", err)
	}
	if _, ok := a.(*LogActuator); !ok {
		t.Errorf("NewActuator(log) = %T, want *LogActuator", a)
	}

	if _, err := NewActuator(config.ActuatorsConfig{Driver: "servo"}, logger, nil); err == nil {
		t.Error("NewActuator(servo) should fail")
	}

	_, err = NewActuator(config.ActuatorsConfig{
		Driver: "gpio",
		GPIO:   config.GPIOConfig{Chip: "gpiochip-does-not-exist"},
	}, logger, nil)
	if err == nil {
		t.Error("NewActuator(gpio) with a missing chip should fail")
	}
}
