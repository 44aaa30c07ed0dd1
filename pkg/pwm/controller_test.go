package pwm_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fkcurrie/multipwm/internal/engine/sim"
	"github.com/fkcurrie/multipwm/pkg/pwm"
	"github.com/fkcurrie/multipwm/pkg/wave"
)

// newWave composes a single-channel wave on eng and returns its id.
func newWave(t *testing.T, eng *sim.Engine, pin int, high uint32) pwm.WaveID {
	t.Helper()
	require.NoError(t, eng.SetOutput(pin))
	train, err := wave.BuildTrain(wave.Bit(pin), 0, high, 1000-high, 1, 1000)
	require.NoError(t, err)
	require.NoError(t, eng.AddEdges(train))
	id, err := eng.Create()
	require.NoError(t, err)
	return id
}

func fastController(eng pwm.Engine, opts ...pwm.ControllerOption) *pwm.Controller {
	opts = append([]pwm.ControllerOption{
		pwm.WithPollInterval(100 * time.Microsecond),
		pwm.WithSwapTimeout(200 * time.Millisecond),
	}, opts...)
	return pwm.NewController(eng, opts...)
}

func TestControllerStartAndSwap(t *testing.T) {
	eng := sim.New(sim.WithSwapPolls(3))
	ctrl := fastController(eng)
	ctx := context.Background()

	first := newWave(t, eng, 22, 250)
	second := newWave(t, eng, 22, 750)

	require.NoError(t, ctrl.Activate(ctx, first))
	assert.Equal(t, pwm.Running, ctrl.State())
	assert.Equal(t, first, eng.Peek())

	require.NoError(t, ctrl.Activate(ctx, second))
	assert.Equal(t, pwm.Running, ctrl.State())

	active, err := eng.Active()
	require.NoError(t, err)
	assert.Equal(t, second, active)
	_, ok := eng.Program(first)
	assert.False(t, ok, "superseded wave should be deleted")

	cur, ok := ctrl.Current()
	assert.True(t, ok)
	assert.Equal(t, second, cur)

	history := eng.ActiveHistory()
	require.NotEmpty(t, history)
	for i, id := range history {
		assert.True(t, id == first || id == second, "poll %d reported wave %d", i, id)
	}
	assert.Equal(t, first, history[0], "old wave must be reported until the cycle boundary")
}

func TestControllerSwapRequiresRunning(t *testing.T) {
	eng := sim.New()
	ctrl := fastController(eng)
	id := newWave(t, eng, 4, 500)

	err := ctrl.Swap(context.Background(), id)
	assert.True(t, errors.Is(err, pwm.ErrNotRunning))

	require.NoError(t, ctrl.Start(id))
	assert.Error(t, ctrl.Start(id))
	assert.Error(t, ctrl.Swap(context.Background(), id))
}

func TestControllerSwapTimeoutKeepsOldWave(t *testing.T) {
	eng := sim.New()
	ctrl := fastController(eng, pwm.WithSwapTimeout(20*time.Millisecond))
	ctx := context.Background()

	first := newWave(t, eng, 22, 250)
	second := newWave(t, eng, 22, 750)
	require.NoError(t, ctrl.Start(first))

	eng.SetStall(true)
	err := ctrl.Swap(ctx, second)
	var terr *pwm.SwapTimeoutError
	require.True(t, errors.As(err, &terr), "want *SwapTimeoutError, got %v", err)
	assert.Equal(t, first, terr.Current)
	assert.Equal(t, second, terr.Next)

	assert.Equal(t, pwm.Swapping, ctrl.State())
	assert.Equal(t, first, eng.Peek())
	_, ok := eng.Program(first)
	assert.True(t, ok, "old wave must survive a timed out swap")

	third := newWave(t, eng, 22, 500)
	err = ctrl.Swap(ctx, third)
	assert.True(t, errors.Is(err, pwm.ErrSwapPending))

	eng.SetStall(false)
	require.NoError(t, ctrl.Await(ctx))
	assert.Equal(t, pwm.Running, ctrl.State())
	assert.Equal(t, second, eng.Peek())
	_, ok = eng.Program(first)
	assert.False(t, ok)

	assert.True(t, errors.Is(ctrl.Await(ctx), pwm.ErrNoSwapPending))
}

func TestControllerAbandon(t *testing.T) {
	eng := sim.New()
	ctrl := fastController(eng, pwm.WithSwapTimeout(20*time.Millisecond))
	ctx := context.Background()

	first := newWave(t, eng, 22, 250)
	second := newWave(t, eng, 22, 750)
	require.NoError(t, ctrl.Start(first))

	eng.SetStall(true)
	var terr *pwm.SwapTimeoutError
	require.True(t, errors.As(ctrl.Swap(ctx, second), &terr))

	eng.SetStall(false)
	require.NoError(t, ctrl.Abandon(ctx))
	assert.Equal(t, pwm.Running, ctrl.State())
	cur, _ := ctrl.Current()
	assert.Equal(t, first, cur)
	assert.Equal(t, first, eng.Peek())

	_, ok := eng.Program(second)
	assert.False(t, ok, "abandoned wave should be deleted")
	_, ok = eng.Program(first)
	assert.True(t, ok)

	assert.True(t, errors.Is(ctrl.Abandon(ctx), pwm.ErrNoSwapPending))
}

func TestControllerStopDuringSwap(t *testing.T) {
	eng := sim.New()
	ctrl := pwm.NewController(eng,
		pwm.WithPollInterval(100*time.Microsecond),
		pwm.WithSwapTimeout(time.Minute),
	)
	ctx := context.Background()

	first := newWave(t, eng, 22, 250)
	second := newWave(t, eng, 22, 750)
	require.NoError(t, ctrl.Start(first))

	eng.SetStall(true)
	done := ctrl.SwapAsync(ctx, second)
	require.Eventually(t, func() bool { return ctrl.State() == pwm.Swapping },
		time.Second, time.Millisecond)

	require.NoError(t, ctrl.Stop())
	select {
	case err := <-done:
		assert.True(t, errors.Is(err, pwm.ErrSwapAborted), "got %v", err)
	case <-time.After(time.Second):
		t.Fatal("swap did not return after Stop")
	}

	assert.Equal(t, pwm.Idle, ctrl.State())
	assert.Equal(t, pwm.NoWave, eng.Peek())
	assert.Zero(t, eng.Waves())
}

func TestControllerStop(t *testing.T) {
	eng := sim.New()
	ctrl := fastController(eng)

	require.NoError(t, ctrl.Stop(), "stopping an idle controller is a no-op")

	id := newWave(t, eng, 22, 500)
	require.NoError(t, ctrl.Start(id))
	require.NoError(t, ctrl.Stop())

	assert.Equal(t, pwm.Idle, ctrl.State())
	assert.Equal(t, pwm.NoWave, eng.Peek())
	assert.Zero(t, eng.Waves())
	assert.Contains(t, eng.Calls(), "Halt")
}

func TestControllerFailedQueueKeepsOutput(t *testing.T) {
	eng := sim.New()
	ctrl := fastController(eng)
	ctx := context.Background()

	first := newWave(t, eng, 22, 250)
	require.NoError(t, ctrl.Start(first))

	err := ctrl.Swap(ctx, pwm.WaveID(42))
	require.Error(t, err)
	assert.Equal(t, pwm.Running, ctrl.State())
	assert.Equal(t, first, eng.Peek())

	eng.SetUnavailable(true)
	second := pwm.WaveID(1)
	err = ctrl.Swap(ctx, second)
	assert.True(t, errors.Is(err, pwm.ErrEngineUnavailable))
	assert.Equal(t, pwm.Running, ctrl.State())
	assert.NotContains(t, eng.Calls(), "Halt")
}

func TestControllerObserver(t *testing.T) {
	var (
		mu     sync.Mutex
		events []pwm.Event
	)
	eng := sim.New()
	ctrl := fastController(eng, pwm.WithObserver(func(ev pwm.Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev)
	}))
	ctx := context.Background()

	first := newWave(t, eng, 22, 250)
	second := newWave(t, eng, 22, 750)
	require.NoError(t, ctrl.Activate(ctx, first))
	require.NoError(t, ctrl.Activate(ctx, second))
	require.NoError(t, ctrl.Stop())

	mu.Lock()
	defer mu.Unlock()
	var kinds []pwm.EventKind
	for _, ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []pwm.EventKind{
		pwm.EventStarted,
		pwm.EventSwapRequested,
		pwm.EventSwapped,
		pwm.EventStopped,
	}, kinds)
	assert.Equal(t, second, events[2].Wave)
	assert.Equal(t, first, events[2].Previous)
	assert.Equal(t, pwm.Running, events[2].State)
}

// waitingEngine adds change notification to the simulated engine.
type waitingEngine struct {
	*sim.Engine
	waits int
}

func (w *waitingEngine) WaitActive(ctx context.Context, id pwm.WaveID) error {
	w.waits++
	for {
		active, err := w.Active()
		if err != nil {
			return err
		}
		if active == id {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Microsecond):
		}
	}
}

func TestControllerUsesActiveWaiter(t *testing.T) {
	eng := &waitingEngine{Engine: sim.New(sim.WithSwapPolls(2))}
	ctrl := fastController(eng)
	ctx := context.Background()

	first := newWave(t, eng.Engine, 22, 250)
	second := newWave(t, eng.Engine, 22, 750)
	require.NoError(t, ctrl.Activate(ctx, first))
	require.NoError(t, ctrl.Activate(ctx, second))

	assert.Equal(t, 1, eng.waits)
	assert.Equal(t, second, eng.Peek())
}
