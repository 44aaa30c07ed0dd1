package pwm

import (
	"fmt"
	"math"
	"sync"

	"github.com/fkcurrie/multipwm/pkg/wave"
)

// ChannelConfig is the applied timing of one channel, in whole microseconds.
type ChannelConfig struct {
	Channel int    `json:"channel"`
	Pin     int    `json:"pin"`
	Phase   uint32 `json:"phase"`
	High    uint32 `json:"high"`
	Low     uint32 `json:"low"`
	Count   int    `json:"count"`
}

// Used returns how much of the cycle the channel's pulses occupy.
func (c ChannelConfig) Used() uint64 {
	return uint64(c.Phase) + uint64(c.Count)*(uint64(c.High)+uint64(c.Low))
}

// ArmedTrain is a channel's pulse train ready for composition.
type ArmedTrain struct {
	Channel int
	Pin     int
	Train   wave.Train
}

// ChannelSet holds the channels that share one cycle period. Each channel
// drives one GPIO. Reconfiguring a channel leaves every other channel's
// train as it was.
type ChannelSet struct {
	mu        sync.RWMutex
	frequency float64
	period    uint32
	pins      []int
	configs   []ChannelConfig
	trains    []wave.Train
	maxEdges  int
}

// DefaultMaxEdges is the largest train a channel accepts by default. It
// matches the pulse limit of the pigpio daemon.
const DefaultMaxEdges = 12000

// ChannelSetOption configures a ChannelSet.
type ChannelSetOption func(*ChannelSet)

// WithMaxEdges sets the largest train, in edges, a channel accepts. A
// channel of count pulses needs 2*count+2 edges.
func WithMaxEdges(n int) ChannelSetOption {
	return func(s *ChannelSet) {
		if n > 0 {
			s.maxEdges = n
		}
	}
}

// PeriodFor returns the cycle period in microseconds for a frequency in Hz.
func PeriodFor(frequencyHz float64) (uint32, error) {
	if math.IsNaN(frequencyHz) || math.IsInf(frequencyHz, 0) || frequencyHz <= 0 {
		return 0, fmt.Errorf("invalid frequency %vHz", frequencyHz)
	}
	p := math.Round(1e6 / frequencyHz)
	if p < 1 {
		return 0, fmt.Errorf("frequency %vHz is above the 1us resolution", frequencyHz)
	}
	if p > math.MaxUint32 {
		return 0, fmt.Errorf("frequency %vHz is too low", frequencyHz)
	}
	return uint32(p), nil
}

// NewChannelSet creates channels 0..len(pins)-1 sharing the period derived
// from frequencyHz. Channel n drives GPIO pins[n].
func NewChannelSet(frequencyHz float64, pins []int, opts ...ChannelSetOption) (*ChannelSet, error) {
	period, err := PeriodFor(frequencyHz)
	if err != nil {
		return nil, &ConfigurationError{Channel: -1, Reason: "cycle period", Err: err}
	}
	if len(pins) == 0 {
		return nil, &ConfigurationError{Channel: -1, Reason: "no pins"}
	}
	seen := make(map[int]int, len(pins))
	for ch, pin := range pins {
		if pin < 0 || pin >= wave.GPIOCount {
			return nil, configErr(ch, fmt.Sprintf("gpio %d out of range", pin), nil)
		}
		if other, dup := seen[pin]; dup {
			return nil, configErr(ch, fmt.Sprintf("gpio %d already used by channel %d", pin, other), nil)
		}
		seen[pin] = ch
	}

	s := &ChannelSet{
		frequency: frequencyHz,
		period:    period,
		pins:      append([]int(nil), pins...),
		configs:   make([]ChannelConfig, len(pins)),
		trains:    make([]wave.Train, len(pins)),
		maxEdges:  DefaultMaxEdges,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Period returns the shared cycle period in microseconds.
func (s *ChannelSet) Period() uint32 { return s.period }

// Frequency returns the requested frequency in Hz.
func (s *ChannelSet) Frequency() float64 { return s.frequency }

// Pins returns the GPIO of each channel.
func (s *ChannelSet) Pins() []int { return append([]int(nil), s.pins...) }

// Len returns the number of channels.
func (s *ChannelSet) Len() int { return len(s.pins) }

// Configure sets a channel to pulse count times per cycle, starting phase
// micros into the cycle, each pulse high for high and low for low micros.
// Fractional micros are truncated. Nothing changes when an error is returned.
func (s *ChannelSet) Configure(ch int, phase, high, low float64, count int) error {
	if err := s.checkChannel(ch); err != nil {
		return err
	}
	p, err := micros(ch, "phase", phase)
	if err != nil {
		return err
	}
	h, err := micros(ch, "high time", high)
	if err != nil {
		return err
	}
	l, err := micros(ch, "low time", low)
	if err != nil {
		return err
	}
	if count < 0 {
		return configErr(ch, fmt.Sprintf("negative pulse count %d", count), nil)
	}
	return s.arm(ChannelConfig{Channel: ch, Pin: s.pins[ch], Phase: p, High: h, Low: l, Count: count})
}

// ConfigureDuty sets a channel from a duty ratio. The cycle after phase is
// split into count equal slots and each slot is high for duty of its length.
func (s *ChannelSet) ConfigureDuty(ch int, phase, duty float64, count int) error {
	if err := s.checkChannel(ch); err != nil {
		return err
	}
	p, err := micros(ch, "phase", phase)
	if err != nil {
		return err
	}
	if count < 0 {
		return configErr(ch, fmt.Sprintf("negative pulse count %d", count), nil)
	}
	if math.IsNaN(duty) {
		return configErr(ch, "duty is NaN", nil)
	}
	h, l, err := wave.DutySplit(p, duty, count, s.period)
	if err != nil {
		return configErr(ch, "duty", err)
	}
	return s.arm(ChannelConfig{Channel: ch, Pin: s.pins[ch], Phase: p, High: h, Low: l, Count: count})
}

// Apply arms a channel from a previously applied config, as returned by Config.
func (s *ChannelSet) Apply(cfg ChannelConfig) error {
	if err := s.checkChannel(cfg.Channel); err != nil {
		return err
	}
	if cfg.Pin != s.pins[cfg.Channel] {
		return configErr(cfg.Channel, fmt.Sprintf("gpio %d does not match channel gpio %d", cfg.Pin, s.pins[cfg.Channel]), nil)
	}
	if cfg.Count < 0 {
		return configErr(cfg.Channel, fmt.Sprintf("negative pulse count %d", cfg.Count), nil)
	}
	return s.arm(cfg)
}

// MaxEdges returns the largest train a channel accepts.
func (s *ChannelSet) MaxEdges() int { return s.maxEdges }

func (s *ChannelSet) arm(cfg ChannelConfig) error {
	if cfg.Count > (s.maxEdges-2)/2 {
		return configErr(cfg.Channel, fmt.Sprintf("%d pulses need more than %d edges", cfg.Count, s.maxEdges), nil)
	}
	train, err := wave.BuildTrain(wave.Bit(cfg.Pin), cfg.Phase, cfg.High, cfg.Low, cfg.Count, s.period)
	if err != nil {
		return configErr(cfg.Channel, "pulse train", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs[cfg.Channel] = cfg
	s.trains[cfg.Channel] = train
	return nil
}

// Disarm removes a channel from the next composite wave.
func (s *ChannelSet) Disarm(ch int) error {
	if err := s.checkChannel(ch); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs[ch] = ChannelConfig{}
	s.trains[ch] = nil
	return nil
}

// IsArmed reports whether a channel has a train ready.
func (s *ChannelSet) IsArmed(ch int) bool {
	if s.checkChannel(ch) != nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.trains[ch] != nil
}

// Config returns the applied config of an armed channel.
func (s *ChannelSet) Config(ch int) (ChannelConfig, bool) {
	if s.checkChannel(ch) != nil {
		return ChannelConfig{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.trains[ch] == nil {
		return ChannelConfig{}, false
	}
	return s.configs[ch], true
}

// Configs returns the configs of all armed channels in channel order.
func (s *ChannelSet) Configs() []ChannelConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ChannelConfig
	for ch, t := range s.trains {
		if t != nil {
			out = append(out, s.configs[ch])
		}
	}
	return out
}

// Armed returns a copy of every armed train in ascending channel order.
func (s *ChannelSet) Armed() []ArmedTrain {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ArmedTrain
	for ch, t := range s.trains {
		if t == nil {
			continue
		}
		out = append(out, ArmedTrain{Channel: ch, Pin: s.pins[ch], Train: t.Clone()})
	}
	return out
}

func (s *ChannelSet) checkChannel(ch int) error {
	if ch < 0 || ch >= len(s.pins) {
		return configErr(ch, fmt.Sprintf("no such channel (have %d)", len(s.pins)), nil)
	}
	return nil
}

func micros(ch int, what string, v float64) (uint32, error) {
	switch {
	case math.IsNaN(v) || math.IsInf(v, 0):
		return 0, configErr(ch, fmt.Sprintf("%s is %v", what, v), nil)
	case v < 0:
		return 0, configErr(ch, fmt.Sprintf("negative %s %v", what, v), nil)
	case v > math.MaxUint32:
		return 0, configErr(ch, fmt.Sprintf("%s %v too large", what, v), nil)
	}
	return uint32(math.Trunc(v)), nil
}
