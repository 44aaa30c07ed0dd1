// Package cdev is a software waveform engine that plays composed waves on
// GPIO lines through the Linux GPIO character device. Waves repeat from a
// dedicated goroutine scheduled against the monotonic clock; a synchronised
// send takes over at the end of the cycle being played.
package cdev

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/fkcurrie/multipwm/pkg/pwm"
	"github.com/fkcurrie/multipwm/pkg/wave"
)

// DefaultConsumer labels the requested lines in the kernel.
const DefaultConsumer = "multipwm"

// coarse sleeps stop this far short of a deadline and the clock covers the rest
const spinMargin = 200 * time.Microsecond

var (
	ErrUnknownWave  = errors.New("unknown wave")
	ErrWaveActive   = errors.New("wave is in use")
	ErrEmptyWave    = errors.New("no edges to create a wave from")
	ErrTooManyEdges = errors.New("too many edges")
	ErrTransmitting = errors.New("outputs cannot change while transmitting")
)

// Lines is a set of requested output lines, set together.
type Lines interface {
	SetValues(values []int) error
	Close() error
}

// RequestFunc requests offsets as outputs driven to values.
type RequestFunc func(offsets, values []int) (Lines, error)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithConsumer sets the consumer label of requested lines.
func WithConsumer(name string) Option {
	return func(e *Engine) { e.consumer = name }
}

// WithMaxEdges sets the largest wave Create accepts.
func WithMaxEdges(n int) Option {
	return func(e *Engine) { e.maxEdges = n }
}

// WithLockMemory locks the process memory on Open so page faults do not
// stall the transmitter.
func WithLockMemory() Option {
	return func(e *Engine) { e.lockMemory = true }
}

// WithCycleHook registers fn to run on the transmitter goroutine at the
// start of every cycle with the wave about to be played.
func WithCycleHook(fn func(pwm.WaveID)) Option {
	return func(e *Engine) { e.hook = fn }
}

// Engine implements pwm.Engine and pwm.ActiveWaiter.
type Engine struct {
	request    RequestFunc
	clock      clock
	logger     *slog.Logger
	consumer   string
	maxEdges   int
	lockMemory bool
	hook       func(pwm.WaveID)
	closer     io.Closer

	mu      sync.Mutex
	offsets []int
	lines   Lines
	pending []wave.Train
	waves   map[pwm.WaveID]program
	nextID  pwm.WaveID
	active  pwm.WaveID
	queued  pwm.WaveID
	changed chan struct{}
	stop    chan struct{}
	done    chan struct{}
}

var (
	_ pwm.Engine       = (*Engine)(nil)
	_ pwm.ActiveWaiter = (*Engine)(nil)
)

// New returns an engine that requests its lines through request.
func New(request RequestFunc, opts ...Option) *Engine {
	e := &Engine{
		request:  request,
		clock:    monotonic(),
		logger:   slog.Default(),
		consumer: DefaultConsumer,
		maxEdges: 12000,
		waves:    make(map[pwm.WaveID]program),
		active:   pwm.NoWave,
		queued:   pwm.NoWave,
		changed:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetOutput implements pwm.Engine. Lines are re-requested as one set so
// every level change of a step lands in a single call.
func (e *Engine) SetOutput(pin int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if pin < 0 || pin >= wave.GPIOCount {
		return fmt.Errorf("gpio %d out of range", pin)
	}
	if slices.Contains(e.offsets, pin) {
		return nil
	}
	if e.stop != nil {
		return ErrTransmitting
	}

	offsets := append(slices.Clone(e.offsets), pin)
	if e.lines != nil {
		if err := e.lines.Close(); err != nil {
			e.logger.Warn("releasing gpio lines", "error", err)
		}
		e.lines = nil
	}
	lines, err := e.request(offsets, make([]int, len(offsets)))
	if err != nil {
		e.offsets = nil
		return fmt.Errorf("requesting gpio lines %v: %w", offsets, err)
	}
	e.lines = lines
	e.offsets = offsets
	e.logger.Debug("gpio line requested", "gpio", pin, "lines", offsets)
	return nil
}

// AddEdges implements pwm.Engine.
func (e *Engine) AddEdges(edges []wave.Edge) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending = append(e.pending, wave.Train(edges).Clone())
	return nil
}

// ClearPending implements pwm.Engine.
func (e *Engine) ClearPending() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending = nil
	return nil
}

// Create implements pwm.Engine.
func (e *Engine) Create() (pwm.WaveID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	trains := e.pending
	e.pending = nil
	merged, err := wave.Merge(trains...)
	if err != nil {
		return pwm.NoWave, err
	}
	if len(merged) == 0 || merged.Duration() == 0 {
		return pwm.NoWave, ErrEmptyWave
	}
	if len(merged) > e.maxEdges {
		return pwm.NoWave, fmt.Errorf("%w: %d > %d", ErrTooManyEdges, len(merged), e.maxEdges)
	}
	for _, g := range merged.Mask().GPIOs() {
		if !slices.Contains(e.offsets, g) {
			return pwm.NoWave, fmt.Errorf("gpio %d is not an output", g)
		}
	}

	id := e.nextID
	e.nextID++
	e.waves[id] = compile(merged)
	return id, nil
}

// SendRepeat implements pwm.Engine. Whatever is playing stops immediately.
func (e *Engine) SendRepeat(id pwm.WaveID) error {
	e.mu.Lock()
	if _, ok := e.waves[id]; !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownWave, id)
	}
	e.mu.Unlock()

	e.halt()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.setActiveLocked(id)
	e.startLocked()
	return nil
}

// SendRepeatSync implements pwm.Engine. The wave replaces the one playing at
// the end of its current cycle.
func (e *Engine) SendRepeatSync(id pwm.WaveID) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.waves[id]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownWave, id)
	}
	switch {
	case e.stop == nil:
		e.setActiveLocked(id)
		e.startLocked()
	case id == e.active:
		e.queued = pwm.NoWave
	default:
		e.queued = id
	}
	return nil
}

// Active implements pwm.Engine.
func (e *Engine) Active() (pwm.WaveID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active, nil
}

// WaitActive implements pwm.ActiveWaiter.
func (e *Engine) WaitActive(ctx context.Context, id pwm.WaveID) error {
	for {
		e.mu.Lock()
		active, changed := e.active, e.changed
		e.mu.Unlock()
		if active == id {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

// Delete implements pwm.Engine.
func (e *Engine) Delete(id pwm.WaveID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.waves[id]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownWave, id)
	}
	if id == e.active || id == e.queued {
		return fmt.Errorf("%w: %d", ErrWaveActive, id)
	}
	delete(e.waves, id)
	return nil
}

// Halt implements pwm.Engine. Lines keep the level they were last driven to.
func (e *Engine) Halt() error {
	e.halt()
	return nil
}

// Close halts transmission and releases the lines.
func (e *Engine) Close() error {
	e.halt()

	e.mu.Lock()
	defer e.mu.Unlock()
	var errs []error
	if e.lines != nil {
		errs = append(errs, e.lines.Close())
		e.lines = nil
	}
	if e.closer != nil {
		errs = append(errs, e.closer.Close())
		e.closer = nil
	}
	return errors.Join(errs...)
}

func (e *Engine) halt() {
	e.mu.Lock()
	stop, done := e.stop, e.done
	e.stop, e.done = nil, nil
	e.queued = pwm.NoWave
	e.setActiveLocked(pwm.NoWave)
	e.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
}

func (e *Engine) setActiveLocked(id pwm.WaveID) {
	if e.active == id {
		return
	}
	e.active = id
	close(e.changed)
	e.changed = make(chan struct{})
}

func (e *Engine) startLocked() {
	e.stop = make(chan struct{})
	e.done = make(chan struct{})
	go e.run(e.lines, slices.Clone(e.offsets), e.stop, e.done)
}

// run plays the active wave cycle after cycle until stop is closed.
func (e *Engine) run(lines Lines, offsets []int, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	values := make([]int, len(offsets))
	start := e.clock.now()
	for {
		e.mu.Lock()
		if e.queued != pwm.NoWave {
			e.setActiveLocked(e.queued)
			e.queued = pwm.NoWave
		}
		id := e.active
		prog := e.waves[id]
		e.mu.Unlock()

		if e.hook != nil {
			e.hook(id)
		}
		for _, s := range prog.steps {
			if !e.sleepUntil(start+time.Duration(s.at)*time.Microsecond, stop) {
				return
			}
			for i, off := range offsets {
				values[i] = 0
				if s.level.Has(off) {
					values[i] = 1
				}
			}
			if err := lines.SetValues(values); err != nil {
				e.logger.Error("driving gpio lines", "wave", id, "error", err)
			}
		}

		start += time.Duration(prog.period) * time.Microsecond
		if late := e.clock.now() - start; late > time.Duration(prog.period)*time.Microsecond {
			e.logger.Debug("transmitter fell behind, resynchronising", "wave", id, "late", late)
			start = e.clock.now()
		}
	}
}

// sleepUntil waits for the monotonic deadline. It returns false if stop was
// closed first.
func (e *Engine) sleepUntil(deadline time.Duration, stop <-chan struct{}) bool {
	for {
		select {
		case <-stop:
			return false
		default:
		}
		rem := deadline - e.clock.now()
		if rem <= 0 {
			return true
		}
		if rem <= spinMargin {
			e.clock.sleepUntil(deadline)
			return true
		}
		t := time.NewTimer(rem - spinMargin)
		select {
		case <-stop:
			t.Stop()
			return false
		case <-t.C:
		}
	}
}

// clock reads and sleeps against a monotonic time base.
type clock interface {
	now() time.Duration
	sleepUntil(deadline time.Duration)
}
