package pwm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultPollInterval is how often Active is queried during a swap.
	DefaultPollInterval = time.Millisecond
	// DefaultSwapTimeout bounds the wait for a swapped wave to go active.
	DefaultSwapTimeout = 2 * time.Second
)

// ErrSwapPending is returned when a swap is requested while another one is
// still waiting for the engine.
var ErrSwapPending = errors.New("a swap is already pending")

var errAborted = errors.New("wait aborted")

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithLogger sets the controller logger.
func WithLogger(l *slog.Logger) ControllerOption {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithPollInterval sets how often the engine is polled during a swap.
func WithPollInterval(d time.Duration) ControllerOption {
	return func(c *Controller) {
		if d > 0 {
			c.poll = d
		}
	}
}

// WithSwapTimeout bounds the wait for a swapped wave to go active.
func WithSwapTimeout(d time.Duration) ControllerOption {
	return func(c *Controller) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithObserver registers a function called on every lifecycle event. It is
// called synchronously and must not call back into the Controller.
func WithObserver(fn func(Event)) ControllerOption {
	return func(c *Controller) { c.observer = fn }
}

// Controller owns the waves of one engine: the one transmitting and, during
// a swap, the one queued behind it. A wave is only deleted once the engine
// reports a different wave active or transmission has been halted.
//
// Only one Controller may drive an engine.
type Controller struct {
	eng      Engine
	logger   *slog.Logger
	poll     time.Duration
	timeout  time.Duration
	observer func(Event)

	// op serialises lifecycle operations; mu guards the fields below so
	// Stop can interrupt a waiting swap.
	op sync.Mutex

	mu      sync.Mutex
	state   State
	current WaveID
	pending WaveID
	abort   chan struct{}
}

// NewController returns an idle controller for eng.
func NewController(eng Engine, opts ...ControllerOption) *Controller {
	c := &Controller{
		eng:     eng,
		logger:  slog.Default(),
		poll:    DefaultPollInterval,
		timeout: DefaultSwapTimeout,
		current: NoWave,
		pending: NoWave,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Current returns the wave the controller considers authoritative.
func (c *Controller) Current() (WaveID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current, c.state != Idle
}

// Pending returns the wave queued by an unfinished swap.
func (c *Controller) Pending() (WaveID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending, c.state == Swapping
}

// Activate starts id when idle and swaps to it otherwise.
func (c *Controller) Activate(ctx context.Context, id WaveID) error {
	c.op.Lock()
	defer c.op.Unlock()

	if c.State() == Idle {
		return c.start(id)
	}
	return c.swap(ctx, id)
}

// Start transmits id repeatedly. The controller must be idle.
func (c *Controller) Start(id WaveID) error {
	c.op.Lock()
	defer c.op.Unlock()
	return c.start(id)
}

func (c *Controller) start(id WaveID) error {
	c.mu.Lock()
	if c.state != Idle {
		cur := c.current
		c.mu.Unlock()
		return fmt.Errorf("wave %d is already transmitting", cur)
	}
	c.mu.Unlock()

	if err := c.eng.SendRepeat(id); err != nil {
		return fmt.Errorf("transmitting wave %d: %w", id, err)
	}

	c.mu.Lock()
	c.state = Running
	c.current = id
	c.mu.Unlock()

	c.logger.Info("wave started", "wave", id)
	c.emit(Event{Kind: EventStarted, Wave: id, Previous: NoWave})
	return nil
}

// Swap queues next behind the transmitting wave so the engine switches at a
// cycle boundary, waits until the engine reports next active, then deletes
// the old wave. On timeout a *SwapTimeoutError is returned, the old wave
// keeps transmitting and the swap can be resumed with Await or undone with
// Abandon.
func (c *Controller) Swap(ctx context.Context, next WaveID) error {
	c.op.Lock()
	defer c.op.Unlock()
	return c.swap(ctx, next)
}

// SwapAsync runs Swap in the background and delivers its result.
func (c *Controller) SwapAsync(ctx context.Context, next WaveID) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- c.Swap(ctx, next)
	}()
	return done
}

func (c *Controller) swap(ctx context.Context, next WaveID) error {
	c.mu.Lock()
	switch c.state {
	case Idle:
		c.mu.Unlock()
		return ErrNotRunning
	case Swapping:
		pending := c.pending
		c.mu.Unlock()
		return fmt.Errorf("%w: wave %d", ErrSwapPending, pending)
	}
	cur := c.current
	if next == cur {
		c.mu.Unlock()
		return fmt.Errorf("wave %d is already transmitting", next)
	}
	abort := make(chan struct{})
	c.abort = abort
	c.mu.Unlock()

	if err := c.eng.SendRepeatSync(next); err != nil {
		c.clearAbort(abort)
		return fmt.Errorf("queueing wave %d: %w", next, err)
	}

	c.mu.Lock()
	c.state = Swapping
	c.pending = next
	c.mu.Unlock()

	c.logger.Info("wave swap requested", "from", cur, "to", next)
	c.emit(Event{Kind: EventSwapRequested, Wave: next, Previous: cur})
	return c.await(ctx, cur, next, abort)
}

// Await resumes waiting for a swap that previously timed out.
func (c *Controller) Await(ctx context.Context) error {
	c.op.Lock()
	defer c.op.Unlock()

	c.mu.Lock()
	if c.state != Swapping {
		c.mu.Unlock()
		return ErrNoSwapPending
	}
	cur, next := c.current, c.pending
	abort := make(chan struct{})
	c.abort = abort
	c.mu.Unlock()

	return c.await(ctx, cur, next, abort)
}

func (c *Controller) await(ctx context.Context, cur, next WaveID, abort chan struct{}) error {
	defer c.clearAbort(abort)

	start := time.Now()
	wctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	err := c.waitActive(wctx, cur, next, abort)
	switch {
	case err == nil:
	case errors.Is(err, errAborted):
		c.logger.Warn("wave swap aborted", "from", cur, "to", next)
		c.emit(Event{Kind: EventSwapAborted, Wave: next, Previous: cur})
		return ErrSwapAborted
	case errors.Is(err, context.DeadlineExceeded):
		waited := time.Since(start)
		c.logger.Warn("wave swap timed out", "from", cur, "to", next, "waited", waited)
		c.emit(Event{Kind: EventSwapTimeout, Wave: next, Previous: cur})
		return &SwapTimeoutError{Current: cur, Next: next, Waited: waited}
	default:
		return fmt.Errorf("waiting for wave %d: %w", next, err)
	}

	c.mu.Lock()
	c.state = Running
	c.current = next
	c.pending = NoWave
	c.mu.Unlock()

	if err := c.eng.Delete(cur); err != nil {
		c.logger.Warn("deleting superseded wave", "wave", cur, "error", err)
		c.emit(Event{Kind: EventDeleteFailed, Wave: cur, Err: err.Error()})
		return fmt.Errorf("wave %d active, deleting wave %d: %w", next, cur, err)
	}

	c.logger.Info("wave swapped", "from", cur, "to", next, "took", time.Since(start))
	c.emit(Event{Kind: EventSwapped, Wave: next, Previous: cur})
	return nil
}

// waitActive blocks until the engine reports next active.
func (c *Controller) waitActive(ctx context.Context, cur, next WaveID, abort <-chan struct{}) error {
	if w, ok := c.eng.(ActiveWaiter); ok {
		wctx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			select {
			case <-abort:
				cancel()
			case <-wctx.Done():
			}
		}()
		err := w.WaitActive(wctx, next)
		if err != nil {
			select {
			case <-abort:
				return errAborted
			default:
			}
		}
		return err
	}

	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()
	for {
		id, err := c.eng.Active()
		if err != nil {
			return err
		}
		if id == next {
			return nil
		}
		if id != cur {
			c.logger.Warn("engine reports unexpected wave", "active", id, "from", cur, "to", next)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-abort:
			return errAborted
		case <-ticker.C:
		}
	}
}

// Abandon drops a pending swap and keeps the old wave transmitting. The old
// wave is queued again so the engine never has nothing to transmit, then the
// abandoned wave is deleted once the old one is confirmed active.
func (c *Controller) Abandon(ctx context.Context) error {
	c.op.Lock()
	defer c.op.Unlock()

	c.mu.Lock()
	if c.state != Swapping {
		c.mu.Unlock()
		return ErrNoSwapPending
	}
	cur, next := c.current, c.pending
	abort := make(chan struct{})
	c.abort = abort
	c.mu.Unlock()
	defer c.clearAbort(abort)

	if err := c.eng.SendRepeatSync(cur); err != nil {
		return fmt.Errorf("requeueing wave %d: %w", cur, err)
	}

	wctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.waitActive(wctx, next, cur, abort); err != nil {
		if errors.Is(err, errAborted) {
			return ErrSwapAborted
		}
		return fmt.Errorf("waiting for wave %d: %w", cur, err)
	}

	c.mu.Lock()
	c.state = Running
	c.pending = NoWave
	c.mu.Unlock()

	if err := c.eng.Delete(next); err != nil {
		c.logger.Warn("deleting abandoned wave", "wave", next, "error", err)
		c.emit(Event{Kind: EventDeleteFailed, Wave: next, Err: err.Error()})
		return fmt.Errorf("deleting abandoned wave %d: %w", next, err)
	}

	c.logger.Info("wave swap abandoned", "kept", cur, "dropped", next)
	c.emit(Event{Kind: EventAbandoned, Wave: cur, Previous: next})
	return nil
}

// Stop halts transmission and deletes every wave the controller owns. A swap
// waiting for the engine is aborted first.
func (c *Controller) Stop() error {
	c.mu.Lock()
	if c.abort != nil {
		close(c.abort)
		c.abort = nil
	}
	c.mu.Unlock()

	c.op.Lock()
	defer c.op.Unlock()

	c.mu.Lock()
	state, cur, pending := c.state, c.current, c.pending
	c.mu.Unlock()
	if state == Idle {
		return nil
	}

	if err := c.eng.Halt(); err != nil {
		return fmt.Errorf("halting transmission: %w", err)
	}

	var errs []error
	if err := c.eng.Delete(cur); err != nil {
		errs = append(errs, fmt.Errorf("deleting wave %d: %w", cur, err))
	}
	if state == Swapping {
		if err := c.eng.Delete(pending); err != nil {
			errs = append(errs, fmt.Errorf("deleting wave %d: %w", pending, err))
		}
	}

	c.mu.Lock()
	c.state = Idle
	c.current = NoWave
	c.pending = NoWave
	c.mu.Unlock()

	c.logger.Info("transmission stopped", "wave", cur)
	c.emit(Event{Kind: EventStopped, Wave: NoWave, Previous: cur})
	return errors.Join(errs...)
}

func (c *Controller) clearAbort(abort chan struct{}) {
	c.mu.Lock()
	if c.abort == abort {
		c.abort = nil
	}
	c.mu.Unlock()
}

func (c *Controller) emit(ev Event) {
	if c.observer == nil {
		return
	}
	ev.State = c.State()
	ev.Time = time.Now()
	c.observer(ev)
}
