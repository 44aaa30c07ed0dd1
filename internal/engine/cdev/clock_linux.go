//go:build linux

package cdev

import (
	"time"

	"golang.org/x/sys/unix"
)

type monoClock struct{}

func monotonic() clock { return monoClock{} }

func (monoClock) now() time.Duration {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0
	}
	return time.Duration(ts.Nano())
}

// sleepUntil uses an absolute deadline so wakeup latency does not
// accumulate from one step to the next.
func (monoClock) sleepUntil(deadline time.Duration) {
	ts := unix.NsecToTimespec(int64(deadline))
	for {
		err := unix.ClockNanosleep(unix.CLOCK_MONOTONIC, unix.TIMER_ABSTIME, &ts, nil)
		if err != unix.EINTR {
			return
		}
	}
}

func lockMemory() error {
	return unix.Mlockall(unix.MCL_CURRENT | unix.MCL_FUTURE)
}
