package pwm

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrEngineUnavailable means the transmission engine cannot be reached.
	ErrEngineUnavailable = errors.New("waveform engine unavailable")

	// ErrSwapAborted is returned by a swap whose wait was cut short by Stop.
	ErrSwapAborted = errors.New("swap aborted")

	// ErrNoSwapPending is returned by Await and Abandon when nothing is pending.
	ErrNoSwapPending = errors.New("no swap pending")

	// ErrNotRunning is returned when an operation needs a transmitting wave.
	ErrNotRunning = errors.New("no wave is transmitting")
)

// ConfigurationError reports channel parameters that cannot be honoured.
type ConfigurationError struct {
	Channel int
	Reason  string
	Err     error
}

func (e *ConfigurationError) Error() string {
	msg := fmt.Sprintf("channel %d: %s", e.Channel, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// CompositionError reports that the engine refused to build a wave. The
// previously transmitting wave is unaffected.
type CompositionError struct {
	Err error
}

func (e *CompositionError) Error() string {
	return fmt.Sprintf("composing wave: %v", e.Err)
}

func (e *CompositionError) Unwrap() error { return e.Err }

// SwapTimeoutError reports that the engine did not take over the new wave in
// time. Current keeps transmitting; Next stays pending until Await or Abandon.
type SwapTimeoutError struct {
	Current WaveID
	Next    WaveID
	Waited  time.Duration
}

func (e *SwapTimeoutError) Error() string {
	return fmt.Sprintf("wave %d not active after %v (wave %d still transmitting)", e.Next, e.Waited, e.Current)
}

func configErr(ch int, reason string, err error) error {
	return &ConfigurationError{Channel: ch, Reason: reason, Err: err}
}
