//go:build linux

package hardware

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	gpiod "github.com/warthog618/go-gpiocdev"

	"github.com/nugget/smartfarm-agent/internal/config"
	"github.com/nugget/smartfarm-agent/internal/device"
)

const consumer = "smartfarm-agent"

// gpioActuator drives the pump relay and the red/green status LEDs
// through the GPIO character device. The board has no display, so
// status lines are only logged.
type gpioActuator struct {
	logger *slog.Logger
	onPump func(bool)

	mu    sync.Mutex
	chip  *gpiod.Chip
	pump  *gpiod.Line
	red   *gpiod.Line
	green *gpiod.Line
	line1 string
	line2 string
}

func openGPIO(cfg config.GPIOConfig, logger *slog.Logger, onPump func(bool)) (Actuator, error) {
	chip, err := gpiod.NewChip(cfg.Chip, gpiod.WithConsumer(consumer))
	if err != nil {
		return nil, fmt.Errorf("open chip %s: %w", cfg.Chip, err)
	}
	a := &gpioActuator{logger: logger, onPump: onPump, chip: chip}

	// Outputs start low: pump off, both LEDs dark until the first cycle.
	for _, out := range []struct {
		name string
		pin  int
		dst  **gpiod.Line
	}{
		{"pump", cfg.PumpLine, &a.pump},
		{"red", cfg.RedLine, &a.red},
		{"green", cfg.GreenLine, &a.green},
	} {
		line, err := chip.RequestLine(out.pin, gpiod.AsOutput(0))
		if err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("request %s line %d: %w", out.name, out.pin, err)
		}
		*out.dst = line
	}

	logger.Info("gpio actuator ready",
		"chip", cfg.Chip,
		"pump_line", cfg.PumpLine,
		"red_line", cfg.RedLine,
		"green_line", cfg.GreenLine,
	)
	return a, nil
}

func (a *gpioActuator) SetPump(on bool) error {
	a.mu.Lock()
	err := a.pump.SetValue(level(on))
	a.mu.Unlock()
	if err != nil {
		return fmt.Errorf("set pump: %w", err)
	}
	if a.onPump != nil {
		a.onPump(on)
	}
	return nil
}

func (a *gpioActuator) SetStatusIndicator(ind device.Indicator) error {
	warning := ind == device.IndicatorWarning

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.red.SetValue(level(warning)); err != nil {
		return fmt.Errorf("set red led: %w", err)
	}
	if err := a.green.SetValue(level(!warning)); err != nil {
		return fmt.Errorf("set green led: %w", err)
	}
	return nil
}

func (a *gpioActuator) ShowStatus(line1, line2 string) error {
	a.mu.Lock()
	changed := line1 != a.line1 || line2 != a.line2
	a.line1, a.line2 = line1, line2
	a.mu.Unlock()

	if changed {
		a.logger.Debug("display", "line1", line1, "line2", line2)
	}
	return nil
}

func (a *gpioActuator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var errs []error
	for _, line := range []*gpiod.Line{a.pump, a.red, a.green} {
		if line == nil {
			continue
		}
		if err := line.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.pump, a.red, a.green = nil, nil, nil
	if a.chip != nil {
		if err := a.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chip: %w", err))
		}
		a.chip = nil
	}
	return errors.Join(errs...)
}

func level(on bool) int {
	if on {
		return 1
	}
	return 0
}
