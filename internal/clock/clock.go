package clock

import "time"

// Clock is the time source shared by the expiry sweep and the snapshot
// debouncers.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// Real implements Clock using the standard library.
type Real struct{}

// Now returns the current UTC time.
func (Real) Now() time.Time {
	return time.Now().UTC()
}

// After mirrors time.After while satisfying the Clock interface.
func (Real) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// Or returns c when non-nil, otherwise the real clock.
func Or(c Clock) Clock {
	if c != nil {
		return c
	}
	return Real{}
}
