package cdev

import "github.com/fkcurrie/multipwm/pkg/wave"

// step is the output level of every line from at micros into the cycle.
type step struct {
	at    uint64
	level wave.Mask
}

// program is a wave compiled for playback.
type program struct {
	steps  []step
	period uint64
	mask   wave.Mask
}

// compile flattens a merged train into absolute level changes. Every GPIO
// starts the cycle low. Edges sharing an offset collapse into one step,
// edges that change nothing are skipped, and edges landing exactly on the
// end of the cycle are dropped since the next cycle's first step overrides
// them.
func compile(t wave.Train) program {
	p := program{period: t.Duration(), mask: t.Mask()}
	var (
		at    uint64
		level wave.Mask
	)
	for _, e := range t {
		level = (level | e.Set) &^ e.Clear
		if at < p.period {
			switch n := len(p.steps); {
			case n > 0 && p.steps[n-1].at == at:
				p.steps[n-1].level = level
			case n > 0 && p.steps[n-1].level == level:
			default:
				p.steps = append(p.steps, step{at: at, level: level})
			}
		}
		at += uint64(e.Delay)
	}
	return p
}
