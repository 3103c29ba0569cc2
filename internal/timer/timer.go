// Package timer holds the natural-language timer core: the expression
// parser that resolves phrases like "in 2d 3h", "on Sun at 6pm" or
// "tomorrow at 4pm" into an absolute target time, and the Timer entity
// with its dueness and rendering helpers.
//
// Everything here is purely functional: the current time is always an
// explicit argument, so the same input and clock reading always produce
// the same result.
package timer

import (
	"time"
)

// Timer is one pending reminder. Description doubles as the timer's
// identifier within its owner's collection.
type Timer struct {
	Description string
	TargetAt    time.Time
	RequireAck  bool

	// LastAlert is the time of the most recent repeat alert for an
	// ack-required timer that already fired. Zero means never alerted.
	LastAlert time.Time

	CreatedAt time.Time
}

// Due reports whether the timer has reached its target.
func (t *Timer) Due(now time.Time) bool {
	return !now.Before(t.TargetAt)
}

// Remaining returns the signed duration until the target.
// Negative once the timer is overdue.
func (t *Timer) Remaining(now time.Time) time.Duration {
	return t.TargetAt.Sub(now)
}

// Clone returns a copy safe to hand out while the original keeps
// mutating under its owner's lock.
func (t *Timer) Clone() *Timer {
	cp := *t
	return &cp
}
