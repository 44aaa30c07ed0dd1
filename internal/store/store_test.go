package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fkcurrie/multipwm/pkg/pwm"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state", "pwm.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestChannelsRoundTrip(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	a := pwm.ChannelConfig{Channel: 2, Pin: 24, Phase: 500, High: 100, Low: 400, Count: 3}
	b := pwm.ChannelConfig{Channel: 0, Pin: 22, High: 5000, Low: 5000, Count: 1}
	require.NoError(t, s.SaveChannel(ctx, a))
	require.NoError(t, s.SaveChannel(ctx, b))

	a.Count = 4
	require.NoError(t, s.SaveChannel(ctx, a))

	got, err := s.Channels(ctx)
	require.NoError(t, err)
	if diff := cmp.Diff([]pwm.ChannelConfig{b, a}, got); diff != "" {
		t.Errorf("Channels() mismatch (-want +got):\n%s", diff)
	}

	require.NoError(t, s.DeleteChannel(ctx, 0))
	got, err = s.Channels(ctx)
	require.NoError(t, err)
	assert.Equal(t, []pwm.ChannelConfig{a}, got)
}

func TestReplaceChannels(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveChannel(ctx, pwm.ChannelConfig{Channel: 3, Pin: 25, High: 1, Low: 1, Count: 1}))

	want := []pwm.ChannelConfig{
		{Channel: 0, Pin: 22, High: 10, Low: 10, Count: 2},
		{Channel: 1, Pin: 19, Phase: 40, High: 10, Low: 10, Count: 2},
	}
	require.NoError(t, s.ReplaceChannels(ctx, want))
	got, err := s.Channels(ctx)
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(want, got))

	require.NoError(t, s.ReplaceChannels(ctx, nil))
	got, err = s.Channels(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRestore(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	require.NoError(t, s.ReplaceChannels(ctx, []pwm.ChannelConfig{
		{Channel: 0, Pin: 22, High: 5000, Low: 5000, Count: 1},
		{Channel: 1, Pin: 7, High: 100, Low: 100, Count: 1},
		{Channel: 2, Pin: 24, Phase: 9000, High: 5000, Low: 5000, Count: 1},
	}))

	set, err := pwm.NewChannelSet(100, []int{22, 19, 24})
	require.NoError(t, err)
	n, err := s.Restore(ctx, set)
	assert.Equal(t, 1, n)
	require.Error(t, err)
	assert.ErrorContains(t, err, "channel 1")
	assert.ErrorContains(t, err, "channel 2")
	assert.True(t, set.IsArmed(0))
	assert.False(t, set.IsArmed(1))
}

func TestEvents(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	for i, kind := range []pwm.EventKind{pwm.EventStarted, pwm.EventSwapRequested, pwm.EventSwapped, pwm.EventStopped} {
		require.NoError(t, s.RecordEvent(ctx, pwm.Event{
			Kind:     kind,
			Wave:     pwm.WaveID(i),
			Previous: pwm.NoWave,
			State:    pwm.Running,
			Time:     base.Add(time.Duration(i) * time.Second),
		}))
	}

	got, err := s.Events(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, pwm.EventSwapped, got[0].Kind)
	assert.Equal(t, pwm.EventStopped, got[1].Kind)
	assert.Equal(t, pwm.WaveID(3), got[1].Wave)
	assert.Equal(t, pwm.NoWave, got[1].Previous)
	assert.Equal(t, pwm.Running, got[1].State)
	assert.True(t, base.Add(3*time.Second).Equal(got[1].Time))
}

func TestOpenMemory(t *testing.T) {
	s, err := Open(":memory:")
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.SaveChannel(context.Background(), pwm.ChannelConfig{Channel: 0, Pin: 22}))
	got, err := s.Channels(context.Background())
	require.NoError(t, err)
	assert.Len(t, got, 1)
}
