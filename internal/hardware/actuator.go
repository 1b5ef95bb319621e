package hardware

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/nugget/smartfarm-agent/internal/config"
	"github.com/nugget/smartfarm-agent/internal/device"
)

// Actuator is an actuator sink that holds resources.
type Actuator interface {
	device.ActuatorSink
	Close() error
}

// NewActuator opens the sink selected by cfg.Driver. onPump, when
// non-nil, is called after every successful pump write.
func NewActuator(cfg config.ActuatorsConfig, logger *slog.Logger, onPump func(bool)) (Actuator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Driver {
	case "", "log":
		return NewLogActuator(logger, onPump), nil
	case "gpio":
		a, err := openGPIO(cfg.GPIO, logger, onPump)
		if err != nil {
			return nil, fmt.Errorf("open gpio actuator: %w", err)
		}
		return a, nil
	default:
		return nil, fmt.Errorf("unknown actuator driver %q", cfg.Driver)
	}
}

// LogActuator records outputs in the log instead of driving hardware.
// The pump is written every loop tick, so only changes are logged.
type LogActuator struct {
	logger *slog.Logger
	onPump func(bool)

	mu        sync.Mutex
	pump      *bool
	indicator *device.Indicator
	line1     string
	line2     string
}

// NewLogActuator returns a sink that logs output changes.
func NewLogActuator(logger *slog.Logger, onPump func(bool)) *LogActuator {
	return &LogActuator{logger: logger, onPump: onPump}
}

func (a *LogActuator) SetPump(on bool) error {
	a.mu.Lock()
	changed := a.pump == nil || *a.pump != on
	a.pump = &on
	a.mu.Unlock()

	if changed {
		a.logger.Info("pump output", "on", on)
	}
	if a.onPump != nil {
		a.onPump(on)
	}
	return nil
}

func (a *LogActuator) SetStatusIndicator(ind device.Indicator) error {
	a.mu.Lock()
	changed := a.indicator == nil || *a.indicator != ind
	a.indicator = &ind
	a.mu.Unlock()

	if changed {
		a.logger.Info("status indicator", "state", ind.String())
	}
	return nil
}

func (a *LogActuator) ShowStatus(line1, line2 string) error {
	a.mu.Lock()
	changed := line1 != a.line1 || line2 != a.line2
	a.line1, a.line2 = line1, line2
	a.mu.Unlock()

	if changed {
		a.logger.Debug("display", "line1", line1, "line2", line2)
	}
	return nil
}

// display returns the last status lines shown.
func (a *LogActuator) display() (string, string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.line1, a.line2
}

func (a *LogActuator) Close() error { return nil }
