package pwm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/fkcurrie/multipwm/pkg/wave"
)

// Generator drives a set of channels on one engine. Channels are configured
// independently and take effect together on the next Apply, at a cycle
// boundary of the wave being transmitted.
type Generator struct {
	mu       sync.Mutex
	eng      Engine
	channels *ChannelSet
	comp     *Compositor
	ctrl     *Controller
	logger   *slog.Logger
}

// Status is a snapshot of a Generator.
type Status struct {
	Frequency float64         `json:"frequency"`
	Period    uint32          `json:"period_us"`
	Pins      []int           `json:"pins"`
	State     State           `json:"state"`
	Current   WaveID          `json:"current"`
	Pending   WaveID          `json:"pending"`
	Channels  []ChannelConfig `json:"channels"`
}

// NewGenerator creates channels on pins sharing the period of frequencyHz
// and puts every pin in output mode. Nothing is transmitted until Apply.
func NewGenerator(eng Engine, frequencyHz float64, pins []int, opts ...ControllerOption) (*Generator, error) {
	channels, err := NewChannelSet(frequencyHz, pins)
	if err != nil {
		return nil, err
	}

	ctrl := NewController(eng, opts...)
	for _, pin := range pins {
		if err := eng.SetOutput(pin); err != nil {
			return nil, fmt.Errorf("setting gpio %d to output: %w", pin, err)
		}
	}

	return &Generator{
		eng:      eng,
		channels: channels,
		comp:     NewCompositor(eng, ctrl.logger),
		ctrl:     ctrl,
		logger:   ctrl.logger,
	}, nil
}

// Channels returns the generator's channel set.
func (g *Generator) Channels() *ChannelSet { return g.channels }

// Controller returns the generator's wave controller.
func (g *Generator) Controller() *Controller { return g.ctrl }

// Configure stages a channel's timing for the next Apply.
func (g *Generator) Configure(ch int, phase, high, low float64, count int) error {
	return g.channels.Configure(ch, phase, high, low, count)
}

// ConfigureDuty stages a channel's timing from a duty ratio.
func (g *Generator) ConfigureDuty(ch int, phase, duty float64, count int) error {
	return g.channels.ConfigureDuty(ch, phase, duty, count)
}

// Disarm removes a channel from the next Apply.
func (g *Generator) Disarm(ch int) error {
	return g.channels.Disarm(ch)
}

// Apply composes every armed channel into a new wave and makes it the
// transmitted one. If the swap times out the returned *SwapTimeoutError
// leaves the old wave transmitting; see Controller.Await and
// Controller.Abandon.
func (g *Generator) Apply(ctx context.Context) (WaveID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	id, err := g.comp.Compose(ctx, g.channels.Armed())
	if err != nil {
		return NoWave, err
	}

	if err := g.ctrl.Activate(ctx, id); err != nil {
		// an aborted swap leaves id to Stop, which deletes it
		if !errors.Is(err, ErrSwapAborted) {
			g.release(id)
		}
		return id, err
	}
	return id, nil
}

// release deletes id unless the controller has taken ownership of it.
func (g *Generator) release(id WaveID) {
	if cur, ok := g.ctrl.Current(); ok && cur == id {
		return
	}
	if pending, ok := g.ctrl.Pending(); ok && pending == id {
		return
	}
	if err := g.eng.Delete(id); err != nil {
		g.logger.Warn("deleting unused wave", "wave", id, "error", err)
	}
}

// Preview returns the merged program the next Apply would transmit.
func (g *Generator) Preview() (wave.Train, error) {
	return g.comp.Program(g.channels.Armed())
}

// Stop halts transmission and frees all waves. Channel configs are kept.
func (g *Generator) Stop() error {
	return g.ctrl.Stop()
}

// Status returns a snapshot of the generator.
func (g *Generator) Status() Status {
	cur, _ := g.ctrl.Current()
	pending, _ := g.ctrl.Pending()
	return Status{
		Frequency: g.channels.Frequency(),
		Period:    g.channels.Period(),
		Pins:      g.channels.Pins(),
		State:     g.ctrl.State(),
		Current:   cur,
		Pending:   pending,
		Channels:  g.channels.Configs(),
	}
}
