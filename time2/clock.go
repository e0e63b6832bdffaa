package time2

import (
	"time"
)

// A subset of the time package used by the connection pool and server nodes
// so tests can control idle expiry and last-seen timestamps.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

type realClock struct{}

func NewRealClock() Clock {
	return &realClock{}
}

func (c *realClock) Now() time.Time {
	return time.Now()
}

func (c *realClock) Since(t time.Time) time.Duration {
	return time.Since(t)
}

var DefaultClock = NewRealClock()
