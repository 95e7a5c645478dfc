package peerwasm

import (
	"fmt"
	"time"
)

// Timestamp is a timestamp in nanoseconds.
type Timestamp uint64

func (t Timestamp) Duration() time.Duration {
	return time.Duration(t)
}

func (t Timestamp) Time() time.Time {
	return time.Unix(0, int64(t)).UTC()
}

func (t Timestamp) String() string {
	return t.Time().Format(time.RFC3339Nano)
}

// ClockID is an identifier for the clocks of clock_time_get.
type ClockID uint32

const (
	// Realtime is the clock measuring real time. Time value zero corresponds
	// with 1970-01-01T00:00:00Z.
	Realtime ClockID = iota

	// Monotonic measures the time elapsed since the runtime started. It
	// never jumps backward.
	Monotonic
)

var epoch = time.Now()

// Now reads the clock. It fails with EINVAL for clocks that are not
// supported.
func (c ClockID) Now() (Timestamp, Errno) {
	switch c {
	case Realtime:
		return Timestamp(time.Now().UnixNano()), ESUCCESS
	case Monotonic:
		return Timestamp(time.Since(epoch)), ESUCCESS
	default:
		return 0, EINVAL
	}
}

func (c ClockID) String() string {
	switch c {
	case Realtime:
		return "Realtime"
	case Monotonic:
		return "Monotonic"
	default:
		return fmt.Sprintf("ClockID(%d)", c)
	}
}
