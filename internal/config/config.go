package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fkcurrie/multipwm/pkg/pwm"
)

// Engine drivers.
const (
	DriverPigpiod = "pigpiod"
	DriverCdev    = "cdev"
	DriverSim     = "sim"
)

// DefaultPins are the GPIOs channels 0-3 drive when none are configured.
var DefaultPins = []int{22, 19, 24, 25}

// Config represents the application configuration
type Config struct {
	Engine    EngineConfig    `yaml:"engine"`
	Frequency float64         `yaml:"frequency"`
	Pins      []int           `yaml:"pins"`
	Channels  []ChannelConfig `yaml:"channels"`
	Swap      SwapConfig      `yaml:"swap"`
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Log       LogConfig       `yaml:"log"`
}

// EngineConfig selects and addresses the waveform engine.
type EngineConfig struct {
	Driver      string        `yaml:"driver"`
	Address     string        `yaml:"address"` // pigpiod host:port
	Chip        string        `yaml:"chip"`    // cdev chip name
	Consumer    string        `yaml:"consumer"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	LockMemory  bool          `yaml:"lock_memory"`
}

// ChannelConfig is the timing of one channel, in microseconds. When Duty is
// set, High and Low are derived from it.
type ChannelConfig struct {
	Channel int      `yaml:"channel"`
	Phase   float64  `yaml:"phase"`
	High    float64  `yaml:"high"`
	Low     float64  `yaml:"low"`
	Count   int      `yaml:"count"`
	Duty    *float64 `yaml:"duty,omitempty"`
}

// SwapConfig bounds the wait for a new wave to take over.
type SwapConfig struct {
	Timeout      time.Duration `yaml:"timeout"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// ServerConfig configures the HTTP control API.
type ServerConfig struct {
	Listen string `yaml:"listen"`
}

// StoreConfig configures channel persistence. An empty path disables it.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// DiscoveryConfig configures the pigpiod network scan.
type DiscoveryConfig struct {
	Port    int           `yaml:"port"`
	Timeout time.Duration `yaml:"timeout"`
}

// LogConfig sets the log level: debug, info, warn or error.
type LogConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			Driver:      DriverPigpiod,
			Address:     "localhost:8888",
			Chip:        "gpiochip0",
			Consumer:    "multipwm",
			DialTimeout: 5 * time.Second,
		},
		Frequency: 100,
		Pins:      append([]int(nil), DefaultPins...),
		Swap: SwapConfig{
			Timeout:      pwm.DefaultSwapTimeout,
			PollInterval: pwm.DefaultPollInterval,
		},
		Server:    ServerConfig{Listen: ":8090"},
		Discovery: DiscoveryConfig{Port: 8888, Timeout: 2 * time.Second},
		Log:       LogConfig{Level: "info"},
	}
}

// LoadConfig loads the configuration from a YAML file over the defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills fields an explicit but partial file left empty.
func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Engine.Driver == "" {
		c.Engine.Driver = d.Engine.Driver
	}
	if c.Engine.Consumer == "" {
		c.Engine.Consumer = d.Engine.Consumer
	}
	if c.Engine.DialTimeout <= 0 {
		c.Engine.DialTimeout = d.Engine.DialTimeout
	}
	if len(c.Pins) == 0 {
		c.Pins = d.Pins
	}
	if c.Swap.Timeout <= 0 {
		c.Swap.Timeout = d.Swap.Timeout
	}
	if c.Swap.PollInterval <= 0 {
		c.Swap.PollInterval = d.Swap.PollInterval
	}
	if c.Discovery.Port == 0 {
		c.Discovery.Port = d.Discovery.Port
	}
	if c.Discovery.Timeout <= 0 {
		c.Discovery.Timeout = d.Discovery.Timeout
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
}

// Validate checks the values that can be checked without an engine. Channel
// timing against the cycle period is checked when it is applied.
func (c *Config) Validate() error {
	switch c.Engine.Driver {
	case DriverPigpiod:
		if c.Engine.Address == "" {
			return fmt.Errorf("engine.address is required for the %s driver", DriverPigpiod)
		}
	case DriverCdev:
		if c.Engine.Chip == "" {
			return fmt.Errorf("engine.chip is required for the %s driver", DriverCdev)
		}
	case DriverSim:
	default:
		return fmt.Errorf("unsupported engine.driver %q (use pigpiod, cdev or sim)", c.Engine.Driver)
	}
	if _, err := pwm.PeriodFor(c.Frequency); err != nil {
		return fmt.Errorf("frequency: %w", err)
	}
	seen := make(map[int]bool)
	for i, ch := range c.Channels {
		if ch.Channel < 0 || ch.Channel >= len(c.Pins) {
			return fmt.Errorf("channels[%d]: channel %d has no pin (%d pins configured)", i, ch.Channel, len(c.Pins))
		}
		if seen[ch.Channel] {
			return fmt.Errorf("channels[%d]: channel %d configured twice", i, ch.Channel)
		}
		seen[ch.Channel] = true
		if ch.Duty != nil && (*ch.Duty < 0 || *ch.Duty > 1) {
			return fmt.Errorf("channels[%d]: duty %v outside [0,1]", i, *ch.Duty)
		}
	}
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	return nil
}

// LogLevel returns the configured slog level.
func (c *Config) LogLevel() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log.level: %w", err)
	}
	return l, nil
}

// ControllerOptions returns the swap settings as controller options.
func (c *Config) ControllerOptions(logger *slog.Logger) []pwm.ControllerOption {
	return []pwm.ControllerOption{
		pwm.WithLogger(logger),
		pwm.WithSwapTimeout(c.Swap.Timeout),
		pwm.WithPollInterval(c.Swap.PollInterval),
	}
}

// ConfigureChannels stages every configured channel on g.
func (c *Config) ConfigureChannels(g *pwm.Generator) error {
	for _, ch := range c.Channels {
		var err error
		if ch.Duty != nil {
			err = g.ConfigureDuty(ch.Channel, ch.Phase, *ch.Duty, ch.Count)
		} else {
			err = g.Configure(ch.Channel, ch.Phase, ch.High, ch.Low, ch.Count)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
