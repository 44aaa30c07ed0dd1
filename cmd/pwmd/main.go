package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fkcurrie/multipwm/internal/config"
	"github.com/fkcurrie/multipwm/internal/engine"
	"github.com/fkcurrie/multipwm/internal/server"
	"github.com/fkcurrie/multipwm/internal/store"
	"github.com/fkcurrie/multipwm/pkg/pwm"
)

func main() {
	configPath := flag.String("config", "pwmd.yaml", "Path to configuration file")
	listen := flag.String("listen", "", "HTTP listen address (overrides server.listen)")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if *listen != "" {
		cfg.Server.Listen = *listen
	}

	level, _ := cfg.LogLevel()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("pwmd failed", "error", err)
		os.Exit(1)
	}
	logger.Info("shut down")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	eng, err := engine.Open(ctx, cfg.Engine, logger)
	if err != nil {
		return err
	}
	defer eng.Close()

	var st *store.Store
	if cfg.Store.Path != "" {
		st, err = store.Open(cfg.Store.Path)
		if err != nil {
			return err
		}
		defer st.Close()
	}

	hub := server.NewHub(logger)
	observer := func(ev pwm.Event) {
		hub.Publish(ev)
		if st != nil {
			if err := st.RecordEvent(context.Background(), ev); err != nil {
				logger.Warn("recording event", "kind", ev.Kind, "error", err)
			}
		}
	}
	opts := append(cfg.ControllerOptions(logger), pwm.WithObserver(observer))

	gen, err := pwm.NewGenerator(eng, cfg.Frequency, cfg.Pins, opts...)
	if err != nil {
		return err
	}
	defer func() {
		if err := gen.Stop(); err != nil {
			logger.Error("stopping output", "error", err)
		}
	}()

	// Channels from the config file first, then whatever was last applied.
	if err := cfg.ConfigureChannels(gen); err != nil {
		return err
	}
	if st != nil {
		n, err := st.Restore(ctx, gen.Channels())
		if err != nil {
			logger.Warn("some stored channels were not restored", "error", err)
		}
		logger.Info("restored channels", "count", n, "path", cfg.Store.Path)
	}

	if len(gen.Channels().Armed()) > 0 {
		id, err := gen.Apply(ctx)
		var timeout *pwm.SwapTimeoutError
		switch {
		case errors.As(err, &timeout):
			logger.Warn("initial wave not yet active", "error", err)
		case err != nil:
			return err
		default:
			logger.Info("output started", "wave", id, "channels", len(gen.Channels().Armed()))
		}
	}

	opt := []server.Option{server.WithHub(hub), server.WithLogger(logger)}
	if st != nil {
		opt = append(opt, server.WithStore(st))
	}
	return server.New(gen, opt...).ListenAndServe(ctx, cfg.Server.Listen)
}
