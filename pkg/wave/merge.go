package wave

import (
	"errors"
	"fmt"
)

// ErrConflict is returned by Merge when two trains drive the same GPIO in
// opposite directions at the same instant.
var ErrConflict = errors.New("conflicting edges at the same offset")

// Merge combines trains that start together into one program.
//
// Trains are folded in the order given. Edges from different trains that
// land on the same offset are coalesced by OR-ing their masks; several edges
// of one train at the same offset stay separate and keep their order. The
// result lasts as long as the longest input.
func Merge(trains ...Train) (Train, error) {
	var out Train
	for i, t := range trains {
		merged, err := mergeTwo(out, t)
		if err != nil {
			return nil, fmt.Errorf("train %d: %w", i, err)
		}
		out = merged
	}
	return out, nil
}

type timedEdge struct {
	at    uint64
	set   Mask
	clear Mask
}

func absolute(t Train) ([]timedEdge, uint64) {
	out := make([]timedEdge, len(t))
	var at uint64
	for i, e := range t {
		out[i] = timedEdge{at: at, set: e.Set, clear: e.Clear}
		at += uint64(e.Delay)
	}
	return out, at
}

func mergeTwo(a, b Train) (Train, error) {
	if len(a) == 0 {
		return b.Clone(), nil
	}
	if len(b) == 0 {
		return a.Clone(), nil
	}

	ea, ta := absolute(a)
	eb, tb := absolute(b)
	total := ta
	if tb > total {
		total = tb
	}

	merged := make([]timedEdge, 0, len(ea)+len(eb))
	i, j := 0, 0
	for i < len(ea) || j < len(eb) {
		switch {
		case j >= len(eb) || (i < len(ea) && ea[i].at < eb[j].at):
			merged = append(merged, ea[i])
			i++
		case i >= len(ea) || eb[j].at < ea[i].at:
			merged = append(merged, eb[j])
			j++
		default:
			e := timedEdge{
				at:    ea[i].at,
				set:   ea[i].set | eb[j].set,
				clear: ea[i].clear | eb[j].clear,
			}
			if e.set&e.clear != 0 {
				return nil, fmt.Errorf("%w: gpio mask %#x at %dus", ErrConflict, uint32(e.set&e.clear), e.at)
			}
			merged = append(merged, e)
			i++
			j++
		}
	}

	out := make(Train, len(merged))
	for k, e := range merged {
		next := total
		if k+1 < len(merged) {
			next = merged[k+1].at
		}
		out[k] = Edge{Set: e.set, Clear: e.clear, Delay: uint32(next - e.at)}
	}
	return out, nil
}
