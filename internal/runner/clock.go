package runner

import "time"

// Clock is the time source of a live runner.
type Clock interface {
	Now() time.Time
	// After delivers once d has elapsed.
	After(d time.Duration) <-chan time.Time
}

// RealClock is the wall clock in UTC.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now().UTC() }

func (RealClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
