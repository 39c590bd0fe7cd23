// Package timeops centralizes wall-clock and timezone arithmetic. Business
// logic never calls time.Now or loads locations directly; it goes through a
// Clock and the window helpers here so tests can pin time.
package timeops

import "time"

// Clock provides the current time. Production code uses SystemClock; tests
// substitute a fixed clock.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the real wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// FixedClock always returns the same instant. Test helper.
type FixedClock struct {
	T time.Time
}

func (c FixedClock) Now() time.Time { return c.T }
