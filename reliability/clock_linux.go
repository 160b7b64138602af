//go:build linux
// +build linux

package reliability

import (
	"time"

	"golang.org/x/sys/unix"
)

// MonotonicNow reads CLOCK_MONOTONIC directly. The pacer's packet-time
// arithmetic is in nanoseconds and must never observe a wall-clock step
// (NTP slew, manual adjustment) as elapsed time; hosts that drive the
// engine from their own clock can ignore this and pass whatever "now"
// they like, but the shipped drive loop uses it.
func MonotonicNow() time.Time {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return time.Now()
	}
	return monotonicEpoch.Add(time.Duration(ts.Nano()))
}

// monotonicEpoch anchors CLOCK_MONOTONIC readings to a stable wall
// time, so MonotonicNow values are comparable with time.Time values
// produced earlier in the same process.
var monotonicEpoch = func() time.Time {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return time.Now()
	}
	return time.Now().Add(-time.Duration(ts.Nano()))
}()
