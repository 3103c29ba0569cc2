package timer

import (
	"strconv"
	"strings"
	"time"
)

// TargetString renders the target as "at 06:00:00PM" when it falls on
// the same date as now, otherwise "on Fri 14 Feb 2025, 05:00:00PM".
func (t *Timer) TargetString(now time.Time) string {
	ty, tm, td := t.TargetAt.Date()
	ny, nm, nd := now.Date()
	if ty == ny && tm == nm && td == nd {
		return "at " + t.TargetAt.Format("03:04:05PM")
	}
	return "on " + t.TargetAt.Format("Mon 02 Jan 2006, 03:04:05PM")
}

// RemainingString renders the time left as "in 2d, 3h, 4m, 5s", or
// "2d, 3h, 4m, 5s ago" once overdue. Zero-valued units are omitted; a
// remainder under one second renders as "in 0s".
func (t *Timer) RemainingString(now time.Time) string {
	d := t.Remaining(now)
	if d < 0 {
		return FormatDuration(-d) + " ago"
	}
	return "in " + FormatDuration(d)
}

// FormatDuration renders a non-negative duration as "2d, 3h, 4m, 5s",
// omitting zero-valued units. Anything under one second is "0s".
func FormatDuration(d time.Duration) string {
	total := int64(d / time.Second)
	parts := make([]string, 0, 4)
	for _, u := range []struct {
		secs  int64
		label string
	}{
		{86400, "d"},
		{3600, "h"},
		{60, "m"},
		{1, "s"},
	} {
		if n := total / u.secs; n > 0 {
			parts = append(parts, strconv.FormatInt(n, 10)+u.label)
			total %= u.secs
		}
	}
	if len(parts) == 0 {
		return "0s"
	}
	return strings.Join(parts, ", ")
}
