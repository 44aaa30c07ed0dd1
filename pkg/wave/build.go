package wave

import (
	"fmt"
	"math"
)

// BuildTrain returns one cycle of pulses for the GPIOs in bit.
//
// The train holds low for phase, then repeats count pulses of high followed
// by low, then holds low for whatever is left of period. The delays always sum
// to period. A train that needs more than period returns ErrOverrun.
func BuildTrain(bit Mask, phase, high, low uint32, count int, period uint32) (Train, error) {
	if count < 0 {
		return nil, fmt.Errorf("negative pulse count %d", count)
	}
	if phase > period {
		return nil, fmt.Errorf("%w: phase %dus, period is %dus", ErrOverrun, phase, period)
	}
	// divide so a huge count cannot wrap past the check
	avail := uint64(period - phase)
	pulse := uint64(high) + uint64(low)
	if pulse > 0 && uint64(count) > avail/pulse {
		return nil, fmt.Errorf("%w: %d pulses of %dus after %dus phase, period is %dus",
			ErrOverrun, count, pulse, phase, period)
	}
	if count > (math.MaxInt-2)/2 {
		return nil, fmt.Errorf("%d zero width pulses are too many", count)
	}
	rest := avail - uint64(count)*pulse

	train := make(Train, 0, 2*count+2)
	train = append(train, Edge{Clear: bit, Delay: phase})
	for i := 0; i < count; i++ {
		train = append(train,
			Edge{Set: bit, Delay: high},
			Edge{Clear: bit, Delay: low},
		)
	}
	train = append(train, Edge{Clear: bit, Delay: uint32(rest)})
	return train, nil
}

// DutySplit divides the part of period after phase into count equal slots
// and returns the high and low time of each slot for the given duty ratio.
// Results are truncated to whole microseconds.
func DutySplit(phase uint32, duty float64, count int, period uint32) (high, low uint32, err error) {
	if duty < 0 || duty > 1 {
		return 0, 0, fmt.Errorf("duty %v outside [0,1]", duty)
	}
	if count <= 0 {
		return 0, 0, nil
	}
	if phase > period {
		return 0, 0, fmt.Errorf("%w: phase %dus, period is %dus", ErrOverrun, phase, period)
	}
	slot := (period - phase) / uint32(count)
	high = uint32(float64(slot) * duty)
	return high, slot - high, nil
}
