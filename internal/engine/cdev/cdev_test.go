package cdev

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fkcurrie/multipwm/pkg/pwm"
	"github.com/fkcurrie/multipwm/pkg/wave"
)

type fakeLines struct {
	mu      sync.Mutex
	offsets []int
	writes  [][]int
	closed  bool
}

func (l *fakeLines) SetValues(values []int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.writes = append(l.writes, slices.Clone(values))
	return nil
}

func (l *fakeLines) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

func (l *fakeLines) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.writes)
}

// harness records line requests and the wave played in every cycle.
type harness struct {
	mu       sync.Mutex
	requests []*fakeLines
	cycles   []cycle
}

type cycle struct {
	id     pwm.WaveID
	writes int
}

func (h *harness) request(offsets, values []int) (Lines, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	l := &fakeLines{offsets: slices.Clone(offsets)}
	h.requests = append(h.requests, l)
	return l, nil
}

func (h *harness) lines() *fakeLines {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.requests[len(h.requests)-1]
}

func (h *harness) cycleHook(id pwm.WaveID) {
	writes := h.lines().count()
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cycles = append(h.cycles, cycle{id: id, writes: writes})
}

func (h *harness) recorded() []cycle {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.cycles)
}

func newEngine(t *testing.T, h *harness, pins ...int) *Engine {
	t.Helper()
	e := New(h.request, WithCycleHook(h.cycleHook))
	for _, pin := range pins {
		require.NoError(t, e.SetOutput(pin))
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func createWave(t *testing.T, e *Engine, trains ...wave.Train) pwm.WaveID {
	t.Helper()
	require.NoError(t, e.ClearPending())
	for _, tr := range trains {
		require.NoError(t, e.AddEdges(tr))
	}
	id, err := e.Create()
	require.NoError(t, err)
	return id
}

func mustTrain(t *testing.T, pin int, phase, high, low uint32, count int, period uint32) wave.Train {
	t.Helper()
	tr, err := wave.BuildTrain(wave.Bit(pin), phase, high, low, count, period)
	require.NoError(t, err)
	return tr
}

func TestCompile(t *testing.T) {
	a := mustTrain(t, 22, 0, 250, 250, 2, 1000)
	b := mustTrain(t, 19, 100, 300, 200, 1, 1000)
	merged, err := wave.Merge(a, b)
	require.NoError(t, err)

	g22, g19 := wave.Bit(22), wave.Bit(19)
	want := program{
		steps: []step{
			{at: 0, level: g22},
			{at: 100, level: g22 | g19},
			{at: 250, level: g19},
			{at: 400, level: 0},
			{at: 500, level: g22},
			{at: 750, level: 0},
		},
		period: 1000,
		mask:   g22 | g19,
	}
	got := compile(merged)
	if diff := cmp.Diff(want, got, cmp.AllowUnexported(program{}, step{})); diff != "" {
		t.Errorf("compile() mismatch (-want +got):\n%s", diff)
	}
}

func TestCompileDropsCycleEnd(t *testing.T) {
	got := compile(mustTrain(t, 4, 0, 500, 500, 1, 1000))
	require.Len(t, got.steps, 2)
	assert.Equal(t, uint64(500), got.steps[1].at)
}

func TestSetOutputRequestsAllLines(t *testing.T) {
	h := &harness{}
	e := newEngine(t, h, 22, 19)
	require.NoError(t, e.SetOutput(22))

	require.Len(t, h.requests, 2)
	assert.True(t, h.requests[0].closed)
	assert.Equal(t, []int{22, 19}, h.requests[1].offsets)
	assert.Error(t, e.SetOutput(40))
}

func TestCreateErrors(t *testing.T) {
	h := &harness{}
	e := newEngine(t, h, 22)

	_, err := e.Create()
	assert.True(t, errors.Is(err, ErrEmptyWave))

	require.NoError(t, e.AddEdges(mustTrain(t, 5, 0, 10, 10, 1, 100)))
	_, err = e.Create()
	assert.ErrorContains(t, err, "gpio 5 is not an output")

	small := New(h.request, WithMaxEdges(3))
	require.NoError(t, small.SetOutput(22))
	require.NoError(t, small.AddEdges(mustTrain(t, 22, 0, 10, 10, 4, 100)))
	_, err = small.Create()
	assert.True(t, errors.Is(err, ErrTooManyEdges))

	assert.True(t, errors.Is(e.SendRepeat(9), ErrUnknownWave))
	assert.True(t, errors.Is(e.SendRepeatSync(9), ErrUnknownWave))
	assert.True(t, errors.Is(e.Delete(9), ErrUnknownWave))
}

func TestTransmitAndSwapAtCycleBoundary(t *testing.T) {
	h := &harness{}
	e := newEngine(t, h, 22, 19)

	first := createWave(t, e, mustTrain(t, 22, 0, 200, 300, 2, 1000))
	second := createWave(t, e,
		mustTrain(t, 22, 0, 100, 100, 5, 1000),
		mustTrain(t, 19, 500, 250, 250, 1, 1000),
	)

	steps := map[pwm.WaveID]int{
		first:  len(e.waves[first].steps),
		second: len(e.waves[second].steps),
	}

	require.NoError(t, e.SendRepeat(first))
	require.Eventually(t, func() bool { return len(h.recorded()) >= 3 }, time.Second, time.Millisecond)

	assert.True(t, errors.Is(e.Delete(first), ErrWaveActive))
	require.NoError(t, e.SendRepeatSync(second))
	assert.True(t, errors.Is(e.Delete(second), ErrWaveActive))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, e.WaitActive(ctx, second))
	require.NoError(t, e.Delete(first))
	require.Eventually(t, func() bool {
		n := 0
		for _, c := range h.recorded() {
			if c.id == second {
				n++
			}
		}
		return n >= 3
	}, time.Second, time.Millisecond)
	require.NoError(t, e.Halt())

	active, err := e.Active()
	require.NoError(t, err)
	assert.Equal(t, pwm.NoWave, active)

	cycles := h.recorded()
	switched := false
	for i := 0; i+1 < len(cycles); i++ {
		c := cycles[i]
		assert.Equal(t, steps[c.id], cycles[i+1].writes-c.writes, "cycle %d of wave %d was cut short", i, c.id)
		if c.id == second {
			switched = true
		} else {
			assert.False(t, switched, "wave %d played after the swap", c.id)
		}
	}
	assert.True(t, switched)
}

func TestWaitActiveHonoursContext(t *testing.T) {
	h := &harness{}
	e := newEngine(t, h, 22)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, e.WaitActive(ctx, 3), context.DeadlineExceeded)
}

func TestEngineDrivesGenerator(t *testing.T) {
	h := &harness{}
	e := New(h.request, WithCycleHook(h.cycleHook))
	t.Cleanup(func() { e.Close() })

	g, err := pwm.NewGenerator(e, 1000, []int{22, 19, 24, 25})
	require.NoError(t, err)
	assert.Equal(t, []int{22, 19, 24, 25}, h.lines().offsets)

	ctx := context.Background()
	require.NoError(t, g.Configure(0, 0, 100, 100, 5))
	first, err := g.Apply(ctx)
	require.NoError(t, err)

	require.NoError(t, g.Configure(1, 500, 250, 250, 1))
	second, err := g.Apply(ctx)
	require.NoError(t, err)

	active, err := e.Active()
	require.NoError(t, err)
	assert.Equal(t, second, active)
	assert.True(t, errors.Is(e.Delete(first), ErrUnknownWave), "superseded wave should already be deleted")

	assert.True(t, errors.Is(e.SetOutput(5), ErrTransmitting))
	require.NoError(t, g.Stop())
	assert.Equal(t, pwm.Idle, g.Controller().State())
}
