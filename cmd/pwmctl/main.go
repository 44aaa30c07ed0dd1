package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fkcurrie/multipwm/internal/config"
	"github.com/fkcurrie/multipwm/internal/discovery"
	"github.com/fkcurrie/multipwm/internal/engine"
	"github.com/fkcurrie/multipwm/internal/engine/sim"
	"github.com/fkcurrie/multipwm/internal/plot"
	"github.com/fkcurrie/multipwm/pkg/pwm"
)

func main() {
	var channels []config.ChannelConfig
	configPath := flag.String("config", "", "Path to configuration file (optional)")
	driver := flag.String("engine", "", "Engine driver: pigpiod, cdev or sim")
	addr := flag.String("addr", "", "pigpiod address host:port")
	chip := flag.String("chip", "", "GPIO chip for the cdev driver")
	freq := flag.Float64("freq", 0, "Cycle frequency in Hz")
	pins := flag.String("pins", "", "Comma separated GPIOs, one per channel")
	flag.Var(channelFlags{list: &channels}, "ch", "Channel timing ch:phase:high:low:count in us (repeatable)")
	flag.Var(channelFlags{duty: true, list: &channels}, "duty", "Channel timing ch:phase:duty:count (repeatable)")
	plotPath := flag.String("plot", "", "Write a timing diagram (.png or .svg) and exit")
	discover := flag.Bool("discover", false, "Scan local networks for pigpio daemons and exit")
	verbose := flag.Bool("v", false, "Debug logging")
	flag.Parse()

	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.LoadConfig(*configPath)
		if err != nil {
			fatal("failed to load configuration", err)
		}
		cfg = loaded
	}
	if *driver != "" {
		cfg.Engine.Driver = *driver
	}
	if *addr != "" {
		cfg.Engine.Address = *addr
	}
	if *chip != "" {
		cfg.Engine.Chip = *chip
	}
	if *freq != 0 {
		cfg.Frequency = *freq
	}
	if *pins != "" {
		p, err := parsePins(*pins)
		if err != nil {
			fatal("bad -pins", err)
		}
		cfg.Pins = p
	}
	if len(channels) > 0 {
		cfg.Channels = channels
	}
	if *verbose {
		cfg.Log.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		fatal("invalid configuration", err)
	}

	level, _ := cfg.LogLevel()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch {
	case *discover:
		err = runDiscover(ctx, cfg, logger)
	case *plotPath != "":
		err = runPlot(cfg, *plotPath)
	default:
		err = runHold(ctx, cfg, logger)
	}
	if err != nil {
		fatal("pwmctl failed", err)
	}
}

func fatal(msg string, err error) {
	slog.Error(msg, "error", err)
	os.Exit(1)
}

func runDiscover(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	scanner := discovery.NewScanner(
		discovery.WithPort(cfg.Discovery.Port),
		discovery.WithTimeout(cfg.Discovery.Timeout),
		discovery.WithLogger(logger),
	)
	results, err := scanner.ScanNetwork(ctx)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		fmt.Println("no pigpio daemons found")
		return nil
	}
	for _, r := range results {
		fmt.Printf("%s\tpigpio version %d\n", r.Address, r.Version)
	}
	return nil
}

// runPlot draws the configured channels without touching any engine.
func runPlot(cfg *config.Config, path string) error {
	gen, err := pwm.NewGenerator(sim.New(), cfg.Frequency, cfg.Pins)
	if err != nil {
		return err
	}
	if err := cfg.ConfigureChannels(gen); err != nil {
		return err
	}
	program, err := gen.Preview()
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	period := uint64(gen.Channels().Period())
	traces := plot.Lanes(program, cfg.Pins)
	if filepath.Ext(path) == ".svg" {
		err = plot.WriteSVG(f, period, traces, plot.DefaultOptions())
	} else {
		err = plot.WritePNG(f, period, traces, plot.DefaultOptions())
	}
	if err != nil {
		return err
	}
	return f.Close()
}

// runHold transmits the configured channels until interrupted, then stops
// the output.
func runHold(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if len(cfg.Channels) == 0 {
		return errors.New("no channels given (use -ch, -duty or -config)")
	}

	eng, err := engine.Open(ctx, cfg.Engine, logger)
	if err != nil {
		return err
	}
	defer eng.Close()

	gen, err := pwm.NewGenerator(eng, cfg.Frequency, cfg.Pins, cfg.ControllerOptions(logger)...)
	if err != nil {
		return err
	}
	if err := cfg.ConfigureChannels(gen); err != nil {
		return err
	}
	id, err := gen.Apply(ctx)
	if err != nil {
		return err
	}
	logger.Info("transmitting, interrupt to stop", "wave", id, "period_us", gen.Channels().Period())

	<-ctx.Done()
	logger.Info("shutting down")
	return gen.Stop()
}
