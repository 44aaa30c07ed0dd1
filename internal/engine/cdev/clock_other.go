//go:build !linux

package cdev

import "time"

type wallClock struct {
	base time.Time
}

func monotonic() clock { return wallClock{base: time.Now()} }

func (c wallClock) now() time.Duration { return time.Since(c.base) }

func (c wallClock) sleepUntil(deadline time.Duration) {
	time.Sleep(deadline - c.now())
}
