package pwm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/fkcurrie/multipwm/pkg/wave"
)

// Compositor submits armed pulse trains to an engine and creates one wave
// from them.
type Compositor struct {
	eng    Engine
	logger *slog.Logger
}

// NewCompositor returns a compositor for eng. A nil logger uses slog.Default.
func NewCompositor(eng Engine, logger *slog.Logger) *Compositor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Compositor{eng: eng, logger: logger}
}

// Compose submits the trains in ascending channel order and creates a wave.
// On error no wave is left behind and whatever the engine is transmitting
// keeps running.
func (c *Compositor) Compose(ctx context.Context, armed []ArmedTrain) (WaveID, error) {
	if len(armed) == 0 {
		return NoWave, &CompositionError{Err: errors.New("no armed channels")}
	}
	if err := ctx.Err(); err != nil {
		return NoWave, err
	}

	ordered := sortedTrains(armed)
	if err := c.eng.ClearPending(); err != nil {
		return NoWave, &CompositionError{Err: fmt.Errorf("clearing pending edges: %w", err)}
	}
	for _, a := range ordered {
		if err := c.eng.AddEdges(a.Train); err != nil {
			c.discard()
			return NoWave, &CompositionError{Err: fmt.Errorf("channel %d: %w", a.Channel, err)}
		}
	}
	id, err := c.eng.Create()
	if err != nil {
		c.discard()
		return NoWave, &CompositionError{Err: err}
	}

	c.logger.Debug("wave composed", "wave", id, "channels", len(ordered))
	return id, nil
}

// Program returns the merged program the engine is expected to build from
// armed, using the same ordering as Compose.
func (c *Compositor) Program(armed []ArmedTrain) (wave.Train, error) {
	ordered := sortedTrains(armed)
	trains := make([]wave.Train, len(ordered))
	for i, a := range ordered {
		trains[i] = a.Train
	}
	return wave.Merge(trains...)
}

func (c *Compositor) discard() {
	if err := c.eng.ClearPending(); err != nil {
		c.logger.Warn("discarding pending edges", "error", err)
	}
}

func sortedTrains(armed []ArmedTrain) []ArmedTrain {
	out := append([]ArmedTrain(nil), armed...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out
}
