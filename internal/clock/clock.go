// Package clock abstracts time so retry and reconnect schedules are
// testable without sleeping.
package clock

import "time"

// Clock is the minimal time surface the core needs.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time                         { return time.Now() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// System returns the wall clock.
func System() Clock { return systemClock{} }
