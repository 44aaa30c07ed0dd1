// Package pwm drives several phase-shifted PWM channels that share one cycle
// period through a single waveform engine, replacing the transmitted wave at
// cycle boundaries so outputs never glitch.
//
// A ChannelSet holds the per-channel parameters and pulse trains, a
// Compositor turns the armed trains into one engine wave and a Controller
// owns the wave lifecycle. Generator ties the three together.
package pwm

import (
	"context"

	"github.com/fkcurrie/multipwm/pkg/wave"
)

// WaveID identifies a wave created by an Engine.
type WaveID int

// NoWave is reported by Engine.Active when nothing is transmitting.
const NoWave WaveID = -1

// Engine is a waveform transmitter that holds one active transmission.
//
// AddEdges appends to a pending program that Create compiles into a wave,
// merging edges that land on the same offset. Create and ClearPending both
// empty the pending program.
type Engine interface {
	// SetOutput puts a GPIO in output mode. It is idempotent.
	SetOutput(pin int) error
	AddEdges(edges []wave.Edge) error
	ClearPending() error
	Create() (WaveID, error)
	// SendRepeat transmits id continuously, replacing anything else at once.
	SendRepeat(id WaveID) error
	// SendRepeatSync transmits id continuously once the current wave
	// finishes its cycle.
	SendRepeatSync(id WaveID) error
	Active() (WaveID, error)
	// Delete frees a wave. Deleting the active wave is an error.
	Delete(id WaveID) error
	// Halt stops all transmission.
	Halt() error
}

// ActiveWaiter is implemented by engines that can signal when a wave becomes
// active, so callers do not need to poll.
type ActiveWaiter interface {
	WaitActive(ctx context.Context, id WaveID) error
}
