package engine

import "time"

// Clock is the wall-time source for decisions, deadlines and timers.
//
// AfterFunc schedules f once after d and returns a stop function that
// reports whether the call was prevented. SystemClock satisfies it with
// the time package; tests use a fake that fires timers on Advance.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) func() bool
}

// SystemClock reads the real wall clock in UTC.
type SystemClock struct{}

// Now returns the current time in UTC.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

// AfterFunc wraps time.AfterFunc.
func (SystemClock) AfterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}
