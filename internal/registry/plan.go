package registry

import (
	"fmt"
	"sort"
	"time"

	"timerbot/internal/timer"
)

type ActionKind int

const (
	// ActionFire delivers a one-shot notification and removes the timer.
	ActionFire ActionKind = iota
	// ActionRealert delivers an alert for an ack-required timer and
	// stamps its last-alert time. The timer stays until acknowledged.
	ActionRealert
)

// Action is one planned notification. Timer aliases the registry's live
// entry so the executor can apply the state change after delivery.
type Action struct {
	Timer *timer.Timer
	Kind  ActionKind
	Text  string
}

// Plan decides, without side effects, which notifications one sweep
// cycle owes the given timers at the given instant.
//
// A due timer without the ack requirement fires exactly once. A due
// ack-required timer alerts when it has never alerted or when more than
// realertEvery has passed since its last alert; in between it is
// throttled. Timers whose target lies in the future produce nothing.
func Plan(timers []*timer.Timer, now time.Time, realertEvery time.Duration) []Action {
	sorted := make([]*timer.Timer, len(timers))
	copy(sorted, timers)
	sort.Slice(sorted, func(i, j int) bool {
		if !sorted[i].TargetAt.Equal(sorted[j].TargetAt) {
			return sorted[i].TargetAt.Before(sorted[j].TargetAt)
		}
		return sorted[i].Description < sorted[j].Description
	})

	var actions []Action
	for _, t := range sorted {
		if !t.Due(now) {
			continue
		}
		if !t.RequireAck {
			actions = append(actions, Action{
				Timer: t,
				Kind:  ActionFire,
				Text:  fmt.Sprintf("Timer '%s' done %s", t.Description, t.TargetString(now)),
			})
			continue
		}
		if t.LastAlert.IsZero() || now.Sub(t.LastAlert) > realertEvery {
			actions = append(actions, Action{
				Timer: t,
				Kind:  ActionRealert,
				Text:  fmt.Sprintf("Timer '%s' done %s. Ack the timer to stop alerts.", t.Description, t.TargetString(now)),
			})
		}
	}
	return actions
}
