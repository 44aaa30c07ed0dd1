package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/fkcurrie/multipwm/internal/config"
)

// channelFlags collects repeated -ch and -duty flags as channel configs.
type channelFlags struct {
	duty bool
	list *[]config.ChannelConfig
}

func (f channelFlags) String() string {
	if f.list == nil {
		return ""
	}
	parts := make([]string, 0, len(*f.list))
	for _, c := range *f.list {
		if c.Duty != nil {
			parts = append(parts, fmt.Sprintf("%d:%g:%g:%d", c.Channel, c.Phase, *c.Duty, c.Count))
		} else {
			parts = append(parts, fmt.Sprintf("%d:%g:%g:%g:%d", c.Channel, c.Phase, c.High, c.Low, c.Count))
		}
	}
	return strings.Join(parts, ",")
}

func (f channelFlags) Set(v string) error {
	c, err := parseChannel(v, f.duty)
	if err != nil {
		return err
	}
	*f.list = append(*f.list, c)
	return nil
}

// parseChannel reads "ch:phase:high:low:count", or "ch:phase:duty:count"
// when duty is set. Times are microseconds.
func parseChannel(v string, duty bool) (config.ChannelConfig, error) {
	fields := strings.Split(v, ":")
	want := 5
	if duty {
		want = 4
	}
	if len(fields) != want {
		if duty {
			return config.ChannelConfig{}, fmt.Errorf("%q: want ch:phase:duty:count", v)
		}
		return config.ChannelConfig{}, fmt.Errorf("%q: want ch:phase:high:low:count", v)
	}

	var c config.ChannelConfig
	var err error
	if c.Channel, err = strconv.Atoi(fields[0]); err != nil {
		return c, fmt.Errorf("%q: channel: %w", v, err)
	}
	if c.Phase, err = strconv.ParseFloat(fields[1], 64); err != nil {
		return c, fmt.Errorf("%q: phase: %w", v, err)
	}
	if duty {
		d, err := strconv.ParseFloat(fields[2], 64)
		if err != nil {
			return c, fmt.Errorf("%q: duty: %w", v, err)
		}
		c.Duty = &d
	} else {
		if c.High, err = strconv.ParseFloat(fields[2], 64); err != nil {
			return c, fmt.Errorf("%q: high: %w", v, err)
		}
		if c.Low, err = strconv.ParseFloat(fields[3], 64); err != nil {
			return c, fmt.Errorf("%q: low: %w", v, err)
		}
	}
	if c.Count, err = strconv.Atoi(fields[len(fields)-1]); err != nil {
		return c, fmt.Errorf("%q: count: %w", v, err)
	}
	return c, nil
}

// parsePins reads a comma separated GPIO list.
func parsePins(v string) ([]int, error) {
	var pins []int
	for _, s := range strings.Split(v, ",") {
		pin, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("pin %q: %w", s, err)
		}
		pins = append(pins, pin)
	}
	return pins, nil
}
