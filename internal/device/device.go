// Package device holds the node's volatile runtime state and the
// interfaces to its sensors and actuators.
//
// Nothing here is persisted: a restart returns to manual mode, pump
// off, all thresholds zero.
package device

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrSensorFault is returned by [Sample] when temperature or humidity
// could not be read.
var ErrSensorFault = errors.New("sensor fault")

// SensorSource reads the environmental sensors. A false second return
// means the value is absent (sensor fault).
type SensorSource interface {
	ReadTemperature() (float64, bool)
	ReadHumidity() (float64, bool)
	// ReadSoilMoisturePercent returns the soil moisture mapped to 0..100.
	ReadSoilMoisturePercent() int
}

// ActuatorSink drives the node's outputs.
type ActuatorSink interface {
	SetPump(on bool) error
	SetStatusIndicator(ind Indicator) error
	ShowStatus(line1, line2 string) error
}

// Indicator is the state of the status lamp pair.
type Indicator int

// Indicator values.
const (
	IndicatorNormal Indicator = iota
	IndicatorWarning
)

func (i Indicator) String() string {
	if i == IndicatorWarning {
		return "warning"
	}
	return "normal"
}

// Reading is one sample of all sensors.
type Reading struct {
	Temperature float64   `json:"temperature"`
	Humidity    float64   `json:"humidity"`
	Moisture    int       `json:"moisture"`
	TakenAt     time.Time `json:"taken_at"`
}

// Sample reads every sensor once. It fails with [ErrSensorFault] when
// temperature or humidity is absent; moisture is always present.
func Sample(src SensorSource, now time.Time) (Reading, error) {
	t, tok := src.ReadTemperature()
	h, hok := src.ReadHumidity()
	m := src.ReadSoilMoisturePercent()

	switch {
	case !tok && !hok:
		return Reading{}, fmt.Errorf("%w: temperature and humidity unavailable", ErrSensorFault)
	case !tok:
		return Reading{}, fmt.Errorf("%w: temperature unavailable", ErrSensorFault)
	case !hok:
		return Reading{}, fmt.Errorf("%w: humidity unavailable", ErrSensorFault)
	}

	return Reading{Temperature: t, Humidity: h, Moisture: m, TakenAt: now}, nil
}

// Thresholds are the automatic-mode warning limits.
type Thresholds struct {
	Temperature float64 `json:"temperature"`
	Humidity    float64 `json:"humidity"`
	Moisture    float64 `json:"moisture"`
}

// Exceeded reports whether any reading is strictly above its limit.
// With the zero defaults any positive reading trips it.
func (t Thresholds) Exceeded(r Reading) bool {
	return r.Temperature > t.Temperature ||
		r.Humidity > t.Humidity ||
		float64(r.Moisture) > t.Moisture
}

// ThresholdUpdate carries a partial threshold change. Nil fields are
// left untouched.
type ThresholdUpdate struct {
	Temperature *float64
	Humidity    *float64
	Moisture    *float64
}

// Empty reports whether the update changes nothing.
func (u ThresholdUpdate) Empty() bool {
	return u.Temperature == nil && u.Humidity == nil && u.Moisture == nil
}

// Snapshot is a consistent copy of [State].
type Snapshot struct {
	DeviceID    string     `json:"device_id"`
	AutoMode    bool       `json:"auto_mode"`
	Pump        bool       `json:"pump"`
	Thresholds  Thresholds `json:"thresholds"`
	Indicator   string     `json:"indicator"`
	LastReading *Reading   `json:"last_reading,omitempty"`
}

// State is the node's mutable runtime state. The control loop writes it;
// status endpoints read it from other goroutines.
type State struct {
	id string

	mu          sync.RWMutex
	autoMode    bool
	pump        bool
	thresholds  Thresholds
	indicator   Indicator
	lastReading *Reading
}

// NewState returns the power-on state for a device.
func NewState(deviceID string) *State {
	return &State{id: deviceID}
}

// DeviceID returns the immutable device identity.
func (s *State) DeviceID() string { return s.id }

// AutoMode reports whether automatic mode is on.
func (s *State) AutoMode() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.autoMode
}

// SetAutoMode switches between automatic and manual mode.
func (s *State) SetAutoMode(on bool) {
	s.mu.Lock()
	s.autoMode = on
	s.mu.Unlock()
}

// Pump returns the commanded pump state.
func (s *State) Pump() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pump
}

// SetPump records the commanded pump state.
func (s *State) SetPump(on bool) {
	s.mu.Lock()
	s.pump = on
	s.mu.Unlock()
}

// Thresholds returns the current limits.
func (s *State) Thresholds() Thresholds {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.thresholds
}

// ApplyThresholds updates the fields present in u and returns the
// resulting limits.
func (s *State) ApplyThresholds(u ThresholdUpdate) Thresholds {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u.Temperature != nil {
		s.thresholds.Temperature = *u.Temperature
	}
	if u.Humidity != nil {
		s.thresholds.Humidity = *u.Humidity
	}
	if u.Moisture != nil {
		s.thresholds.Moisture = *u.Moisture
	}
	return s.thresholds
}

// Indicator returns the last driven indicator state.
func (s *State) Indicator() Indicator {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.indicator
}

// SetIndicator records the driven indicator state and reports whether it
// changed.
func (s *State) SetIndicator(ind Indicator) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := s.indicator != ind
	s.indicator = ind
	return changed
}

// RecordReading keeps r as the last published reading.
func (s *State) RecordReading(r Reading) {
	s.mu.Lock()
	s.lastReading = &r
	s.mu.Unlock()
}

// Snapshot returns a copy of the whole state.
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		DeviceID:   s.id,
		AutoMode:   s.autoMode,
		Pump:       s.pump,
		Thresholds: s.thresholds,
		Indicator:  s.indicator.String(),
	}
	if s.lastReading != nil {
		r := *s.lastReading
		snap.LastReading = &r
	}
	return snap
}

// MapRange linearly maps x from [inMin, inMax] to [outMin, outMax] with
// integer truncation. Values outside the input range extrapolate.
func MapRange(x, inMin, inMax, outMin, outMax int) int {
	if inMax == inMin {
		return outMin
	}
	return (x-inMin)*(outMax-outMin)/(inMax-inMin) + outMin
}
