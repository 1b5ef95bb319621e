// Package hardware provides the sensor sources and actuator sinks the
// agent drives: a simulated bench for development and a GPIO character
// device backend for real boards.
package hardware

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/nugget/smartfarm-agent/internal/config"
	"github.com/nugget/smartfarm-agent/internal/device"
)

// Soil drift per read, in raw ADC counts.
const (
	soilGainPerRead  = 40
	soilDecayPerRead = 6
	climateJitter    = 1.5
)

// Simulator is a [device.SensorSource] backed by a random walk. Soil
// moisture rises while the pump runs and dries out slowly otherwise.
type Simulator struct {
	mu       sync.Mutex
	rng      *rand.Rand
	cfg      config.SimulatedConfig
	rawMin   int
	rawMax   int
	soilRaw  int
	pumpOn   bool
	humidity float64
}

var _ device.SensorSource = (*Simulator)(nil)

// NewSimulator builds a simulator from the sensor configuration. A zero
// seed picks one from the clock.
func NewSimulator(cfg config.SensorsConfig) *Simulator {
	seed := cfg.Simulated.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	s := &Simulator{
		rng:      rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		cfg:      cfg.Simulated,
		rawMin:   cfg.SoilRawMin,
		rawMax:   cfg.SoilRawMax,
		humidity: cfg.Simulated.BaseHumidity,
	}
	s.soilRaw = s.clampRaw(cfg.Simulated.InitialSoilRaw)
	return s
}

// SetPump feeds the pump output back into the soil model.
func (s *Simulator) SetPump(on bool) {
	s.mu.Lock()
	s.pumpOn = on
	s.mu.Unlock()
}

func (s *Simulator) ReadTemperature() (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fault() {
		return math.NaN(), false
	}
	return s.cfg.BaseTemperature + s.jitter(), true
}

func (s *Simulator) ReadHumidity() (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fault() {
		return math.NaN(), false
	}
	// Mean-reverting walk around the base value.
	s.humidity += (s.cfg.BaseHumidity-s.humidity)*0.1 + s.jitter()
	s.humidity = math.Max(0, math.Min(100, s.humidity))
	return s.humidity, true
}

// ReadSoilMoisturePercent advances the soil model one step and returns
// the raw value mapped onto 0..100.
func (s *Simulator) ReadSoilMoisturePercent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pumpOn {
		s.soilRaw += soilGainPerRead
	} else {
		s.soilRaw -= soilDecayPerRead
	}
	s.soilRaw = s.clampRaw(s.soilRaw)
	return device.MapRange(s.soilRaw, s.rawMin, s.rawMax, 0, 100)
}

func (s *Simulator) fault() bool {
	return s.cfg.FaultRate > 0 && s.rng.Float64() < s.cfg.FaultRate
}

func (s *Simulator) jitter() float64 {
	return (s.rng.Float64()*2 - 1) * climateJitter
}

func (s *Simulator) clampRaw(v int) int {
	return max(s.rawMin, min(s.rawMax, v))
}
