//go:build !linux

package hardware

import (
	"errors"
	"log/slog"

	"github.com/nugget/smartfarm-agent/internal/config"
)

func openGPIO(config.GPIOConfig, *slog.Logger, func(bool)) (Actuator, error) {
	return nil, errors.New("gpio character devices are only available on linux")
}
