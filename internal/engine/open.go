// Package engine opens the waveform engine named by the configuration.
package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/fkcurrie/multipwm/internal/config"
	"github.com/fkcurrie/multipwm/internal/engine/cdev"
	"github.com/fkcurrie/multipwm/internal/engine/pigpiod"
	"github.com/fkcurrie/multipwm/internal/engine/sim"
	"github.com/fkcurrie/multipwm/pkg/pwm"
)

// Engine is a waveform engine that holds resources until closed.
type Engine interface {
	pwm.Engine
	io.Closer
}

type simEngine struct{ *sim.Engine }

func (simEngine) Close() error { return nil }

// Open connects to the engine selected by cfg.Driver.
func Open(ctx context.Context, cfg config.EngineConfig, logger *slog.Logger) (Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("driver", cfg.Driver)

	switch cfg.Driver {
	case config.DriverPigpiod:
		ctx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
		client, err := pigpiod.Dial(ctx, cfg.Address,
			pigpiod.WithLogger(logger),
			pigpiod.WithCommandTimeout(cfg.DialTimeout),
		)
		if err != nil {
			return nil, err
		}
		version, err := client.Version()
		if err != nil {
			client.Close()
			return nil, err
		}
		logger.Info("connected to pigpiod", "address", cfg.Address, "version", version)
		return client, nil

	case config.DriverCdev:
		opts := []cdev.Option{cdev.WithLogger(logger), cdev.WithConsumer(cfg.Consumer)}
		if cfg.LockMemory {
			opts = append(opts, cdev.WithLockMemory())
		}
		eng, err := cdev.Open(cfg.Chip, opts...)
		if err != nil {
			return nil, err
		}
		return eng, nil

	case config.DriverSim:
		logger.Info("using simulated engine, nothing is driven")
		return simEngine{sim.New()}, nil

	default:
		return nil, fmt.Errorf("unsupported engine driver %q", cfg.Driver)
	}
}
