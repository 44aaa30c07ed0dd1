//go:build linux

package cdev

import (
	"fmt"

	"github.com/warthog618/go-gpiocdev"

	"github.com/fkcurrie/multipwm/pkg/pwm"
)

// Open returns an engine driving lines of the named GPIO chip, such as
// "gpiochip0". Line offsets are the GPIO numbers used in waves.
func Open(chipName string, opts ...Option) (*Engine, error) {
	e := New(nil, opts...)

	chip, err := gpiocdev.NewChip(chipName, gpiocdev.WithConsumer(e.consumer))
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w: %v", chipName, pwm.ErrEngineUnavailable, err)
	}
	e.closer = chip
	e.request = func(offsets, values []int) (Lines, error) {
		lines, err := chip.RequestLines(offsets, gpiocdev.AsOutput(values...))
		if err != nil {
			return nil, err
		}
		return lines, nil
	}

	if e.lockMemory {
		if err := lockMemory(); err != nil {
			e.logger.Warn("locking memory", "error", err)
		}
	}
	e.logger.Info("gpio chip opened", "chip", chipName, "lines", chip.Lines())
	return e, nil
}
