package types

import (
	"golang.org/x/sys/unix"
)

// AnyTarget disables identity filtering.
const AnyTarget TargetFilter = -1

// TargetFilter selects the monitored process. Negative values match every pid.
type TargetFilter int32

// Matches reports whether events from pid pass the filter.
func (f TargetFilter) Matches(pid uint32) bool {
	return f < 0 || uint32(f) == pid
}

// Any reports whether the filter is the unfiltered sentinel.
func (f TargetFilter) Any() bool {
	return f < 0
}

// Caller identifies the thread a hook fired on.
type Caller struct {
	Pid uint32 // thread group id
	Tid uint32
}

// ID packs the caller the same way bpf_get_current_pid_tgid does.
func (c Caller) ID() uint64 {
	return uint64(c.Pid)<<32 | uint64(c.Tid)
}

// Clock supplies monotonic nanoseconds.
type Clock interface {
	Now() uint64
}

// MonotonicClock reads CLOCK_MONOTONIC, the same base as bpf_ktime_get_ns.
type MonotonicClock struct{}

func (MonotonicClock) Now() uint64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0
	}
	return uint64(ts.Nano())
}
