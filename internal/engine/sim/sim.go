// Package sim is an in-memory waveform engine. It keeps the composed
// programs, models the cycle-boundary takeover of a synchronised send as a
// number of Active queries, and records everything it is asked to do.
package sim

import (
	"errors"
	"fmt"
	"sync"

	"github.com/fkcurrie/multipwm/pkg/pwm"
	"github.com/fkcurrie/multipwm/pkg/wave"
)

// DefaultMaxEdges matches the pulse limit of the pigpio daemon.
const DefaultMaxEdges = 12000

var (
	ErrUnknownWave  = errors.New("unknown wave")
	ErrWaveActive   = errors.New("wave is in use")
	ErrEmptyWave    = errors.New("no edges to create a wave from")
	ErrTooManyEdges = errors.New("too many edges")
)

// Option configures an Engine.
type Option func(*Engine)

// WithSwapPolls sets how many Active calls report the old wave after a
// synchronised send before the new wave takes over.
func WithSwapPolls(n int) Option {
	return func(e *Engine) { e.swapPolls = n }
}

// WithMaxEdges sets the largest program Create accepts.
func WithMaxEdges(n int) Option {
	return func(e *Engine) { e.maxEdges = n }
}

// Engine implements pwm.Engine in memory. It is safe for concurrent use.
type Engine struct {
	mu          sync.Mutex
	swapPolls   int
	maxEdges    int
	stall       bool
	unavailable bool

	outputs   map[int]bool
	pending   []wave.Train
	waves     map[pwm.WaveID]wave.Train
	nextID    pwm.WaveID
	active    pwm.WaveID
	queued    pwm.WaveID
	countdown int

	history []pwm.WaveID
	calls   []string
}

var _ pwm.Engine = (*Engine)(nil)

// New returns an idle engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		swapPolls: 1,
		maxEdges:  DefaultMaxEdges,
		outputs:   make(map[int]bool),
		waves:     make(map[pwm.WaveID]wave.Train),
		active:    pwm.NoWave,
		queued:    pwm.NoWave,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetStall stops queued waves from ever taking over while true.
func (e *Engine) SetStall(stall bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stall = stall
}

// SetUnavailable makes every call fail with pwm.ErrEngineUnavailable.
func (e *Engine) SetUnavailable(down bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.unavailable = down
}

func (e *Engine) check(call string) error {
	e.calls = append(e.calls, call)
	if e.unavailable {
		return fmt.Errorf("%s: %w", call, pwm.ErrEngineUnavailable)
	}
	return nil
}

// SetOutput implements pwm.Engine.
func (e *Engine) SetOutput(pin int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.check("SetOutput"); err != nil {
		return err
	}
	if pin < 0 || pin >= wave.GPIOCount {
		return fmt.Errorf("gpio %d out of range", pin)
	}
	e.outputs[pin] = true
	return nil
}

// AddEdges implements pwm.Engine.
func (e *Engine) AddEdges(edges []wave.Edge) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.check("AddEdges"); err != nil {
		return err
	}
	e.pending = append(e.pending, wave.Train(edges).Clone())
	return nil
}

// ClearPending implements pwm.Engine.
func (e *Engine) ClearPending() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.check("ClearPending"); err != nil {
		return err
	}
	e.pending = nil
	return nil
}

// Create implements pwm.Engine.
func (e *Engine) Create() (pwm.WaveID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.check("Create"); err != nil {
		return pwm.NoWave, err
	}

	trains := e.pending
	e.pending = nil
	program, err := wave.Merge(trains...)
	if err != nil {
		return pwm.NoWave, err
	}
	if len(program) == 0 {
		return pwm.NoWave, ErrEmptyWave
	}
	if len(program) > e.maxEdges {
		return pwm.NoWave, fmt.Errorf("%w: %d > %d", ErrTooManyEdges, len(program), e.maxEdges)
	}
	for _, g := range program.Mask().GPIOs() {
		if !e.outputs[g] {
			return pwm.NoWave, fmt.Errorf("gpio %d is not an output", g)
		}
	}

	id := e.nextID
	e.nextID++
	e.waves[id] = program
	return id, nil
}

// SendRepeat implements pwm.Engine.
func (e *Engine) SendRepeat(id pwm.WaveID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.check("SendRepeat"); err != nil {
		return err
	}
	if _, ok := e.waves[id]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownWave, id)
	}
	e.active = id
	e.queued = pwm.NoWave
	return nil
}

// SendRepeatSync implements pwm.Engine.
func (e *Engine) SendRepeatSync(id pwm.WaveID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.check("SendRepeatSync"); err != nil {
		return err
	}
	if _, ok := e.waves[id]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownWave, id)
	}
	switch e.active {
	case pwm.NoWave:
		e.active = id
		e.queued = pwm.NoWave
	case id:
		e.queued = pwm.NoWave
	default:
		e.queued = id
		e.countdown = e.swapPolls
	}
	return nil
}

// Active implements pwm.Engine. A queued wave takes over once the configured
// number of queries has elapsed.
func (e *Engine) Active() (pwm.WaveID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.check("Active"); err != nil {
		return pwm.NoWave, err
	}
	if e.queued != pwm.NoWave && !e.stall {
		if e.countdown <= 0 {
			e.active = e.queued
			e.queued = pwm.NoWave
		} else {
			e.countdown--
		}
	}
	e.history = append(e.history, e.active)
	return e.active, nil
}

// Delete implements pwm.Engine.
func (e *Engine) Delete(id pwm.WaveID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.check("Delete"); err != nil {
		return err
	}
	if _, ok := e.waves[id]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownWave, id)
	}
	if id == e.active || id == e.queued {
		return fmt.Errorf("%w: %d", ErrWaveActive, id)
	}
	delete(e.waves, id)
	return nil
}

// Halt implements pwm.Engine.
func (e *Engine) Halt() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.check("Halt"); err != nil {
		return err
	}
	e.active = pwm.NoWave
	e.queued = pwm.NoWave
	return nil
}

// Program returns the merged program of a wave that has not been deleted.
func (e *Engine) Program(id pwm.WaveID) (wave.Train, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.waves[id]
	return p.Clone(), ok
}

// Waves returns the number of live waves.
func (e *Engine) Waves() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.waves)
}

// Output reports whether pin was put in output mode.
func (e *Engine) Output(pin int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.outputs[pin]
}

// ActiveHistory returns every value Active has reported.
func (e *Engine) ActiveHistory() []pwm.WaveID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]pwm.WaveID(nil), e.history...)
}

// Calls returns the names of the engine methods called so far.
func (e *Engine) Calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...)
}

// Peek returns the transmitting wave without advancing a pending takeover.
func (e *Engine) Peek() pwm.WaveID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}
