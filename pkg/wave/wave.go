// Package wave describes GPIO waveforms as sequences of edges: a set mask, a
// clear mask and the delay until the next edge. Times are in microseconds.
package wave

import (
	"errors"
	"fmt"
	"strings"
)

// GPIOCount is the number of GPIOs addressable by a Mask.
const GPIOCount = 32

// ErrOverrun is returned when a pulse train does not fit in its cycle.
var ErrOverrun = errors.New("pulse train overruns the cycle period")

// Mask is a bitset of GPIOs, bit n is GPIO n.
type Mask uint32

// Bit returns the mask for a single GPIO.
func Bit(gpio int) Mask {
	if gpio < 0 || gpio >= GPIOCount {
		return 0
	}
	return Mask(1) << uint(gpio)
}

// Has reports whether gpio is in the mask.
func (m Mask) Has(gpio int) bool {
	return m&Bit(gpio) != 0
}

// GPIOs lists the GPIOs in the mask in ascending order.
func (m Mask) GPIOs() []int {
	var out []int
	for g := 0; g < GPIOCount; g++ {
		if m.Has(g) {
			out = append(out, g)
		}
	}
	return out
}

// Edge sets and clears GPIOs simultaneously, then holds for Delay micros.
type Edge struct {
	Set   Mask
	Clear Mask
	Delay uint32
}

// Valid reports whether no GPIO is both set and cleared.
func (e Edge) Valid() bool {
	return e.Set&e.Clear == 0
}

func (e Edge) String() string {
	return fmt.Sprintf("{set:%#x clear:%#x delay:%dus}", uint32(e.Set), uint32(e.Clear), e.Delay)
}

// Train is an ordered list of edges.
type Train []Edge

// Duration returns the sum of the delays.
func (t Train) Duration() uint64 {
	var total uint64
	for _, e := range t {
		total += uint64(e.Delay)
	}
	return total
}

// Mask returns every GPIO touched by the train.
func (t Train) Mask() Mask {
	var m Mask
	for _, e := range t {
		m |= e.Set | e.Clear
	}
	return m
}

// Clone returns a copy that does not share storage with t.
func (t Train) Clone() Train {
	if t == nil {
		return nil
	}
	out := make(Train, len(t))
	copy(out, t)
	return out
}

func (t Train) String() string {
	parts := make([]string, len(t))
	for i, e := range t {
		parts[i] = e.String()
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// Level returns the level of gpio at offset micros into the train, assuming
// the gpio starts low. Edges at the same offset apply in order.
func (t Train) Level(gpio int, offset uint64) bool {
	bit := Bit(gpio)
	var at uint64
	high := false
	for _, e := range t {
		if at > offset {
			break
		}
		if e.Set&bit != 0 {
			high = true
		}
		if e.Clear&bit != 0 {
			high = false
		}
		at += uint64(e.Delay)
	}
	return high
}
