package snapshot

import "time"

// Clock supplies the local receipt time in seconds since the Unix epoch.
type Clock interface {
	Now() float64
}

var processStart = time.Now()

// SystemClock reads wall time anchored at process start and advanced by
// the monotonic clock, so readings never go backwards when the system
// clock is stepped.
type SystemClock struct{}

func (SystemClock) Now() float64 {
	return float64(processStart.UnixNano())/1e9 + time.Since(processStart).Seconds()
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() float64

func (f ClockFunc) Now() float64 { return f() }
