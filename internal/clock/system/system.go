// Package system provides the wall clock used for session and event timestamps.
package system

import "time"

// Clock implements crawler.Clock.
type Clock struct{}

// New creates a Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time in UTC.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
