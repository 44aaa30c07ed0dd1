//go:build !linux

package cdev

import (
	"fmt"

	"github.com/fkcurrie/multipwm/pkg/pwm"
)

// Open is only supported on linux.
func Open(chipName string, opts ...Option) (*Engine, error) {
	return nil, fmt.Errorf("opening %s: %w: gpio character devices need linux", chipName, pwm.ErrEngineUnavailable)
}
