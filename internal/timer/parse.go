package timer

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrNoMatch means the raw text matches no known timer grammar.
	ErrNoMatch = errors.New("not a recognized timer expression")

	// ErrBadClock, ErrBadWeekday and ErrBadMonthDay flag a grammar that
	// matched structurally but carried an anchor token no known format
	// accepts. They wrap the offending token in the message.
	ErrBadClock    = errors.New("unrecognized clock time")
	ErrBadWeekday  = errors.New("unrecognized weekday")
	ErrBadMonthDay = errors.New("unrecognized month day")
)

// errNoUnits makes a structurally matching countdown with zero units
// fall through to the remaining grammars.
var errNoUnits = errors.New("countdown without units")

// clockPat matches 12h and 24h clock tokens: "6pm", "6:30pm", "6.30pm",
// "18:30", "18.30", "18".
const clockPat = `\d\d?(?:[:.]\d\d)?(?:am|pm)?`

// grammar is one recognized timespec form. The resolver receives the
// submatches of re (applied to the timespec only) and the parse-time
// clock reading, and returns the absolute target.
type grammar struct {
	name    string
	re      *regexp.Regexp
	resolve func(re *regexp.Regexp, m []string, now time.Time) (time.Time, error)
}

// wrap anchors a timespec pattern inside the full timer expression:
//
//	<description> : <timespec> [req-ack]
//
// The description is anything up to the first colon; the trailing flag
// is optional. Matching is case-insensitive over the whole input.
func wrap(timespec string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)^(?P<desc>[^:]+?)\s*:\s*` + timespec + `(?:\s+(?P<flags>req-ack))?\s*$`)
}

// grammars are tried in priority order; the first full match wins.
// The order matters for malformed overlapping input, so keep it:
// countdown, day-countdown, weekday, month-day, tomorrow, today.
var grammars = []grammar{
	{
		name: "countdown", // in 2d 3h 4m 5s
		re: wrap(`in` +
			`(?:\s+(?P<days>\d+)\s*(?:d|days))?` +
			`(?:\s+(?P<hours>\d+)\s*(?:h|hs))?` +
			`(?:\s+(?P<mins>\d+)\s*(?:m|min))?` +
			`(?:\s+(?P<secs>\d+)\s*(?:s|sec))?`),
		resolve: resolveCountdown,
	},
	{
		name:    "day-countdown", // in 2d at 6pm
		re:      wrap(`in\s+(?P<days>\d+)\s*(?:d|days)\s+at\s+(?P<time>` + clockPat + `)`),
		resolve: resolveDayCountdown,
	},
	{
		name:    "weekday", // on Sun at 6pm
		re:      wrap(`(?:on|next)\s+(?P<wday>\w+)\s+at\s+(?P<time>` + clockPat + `)`),
		resolve: resolveWeekday,
	},
	{
		name:    "month-day", // on May 6 at 4am
		re:      wrap(`(?:on|next)\s+(?P<month>\w+\s+\d\d?)\s+at\s+(?P<time>` + clockPat + `)`),
		resolve: resolveMonthDay,
	},
	{
		name:    "tomorrow", // tomorrow at 4pm
		re:      wrap(`tomorrow\s+at\s+(?P<time>` + clockPat + `)`),
		resolve: resolveTomorrow,
	},
	{
		name:    "today", // at 4pm
		re:      wrap(`at\s+(?P<time>` + clockPat + `)`),
		resolve: resolveToday,
	},
}

// Parse resolves a raw expression of the form
//
//	<description> : <timespec> [req-ack]
//
// into a Timer. Anchor-style timespecs never resolve to the past: they
// roll forward by a day, a week or a year as appropriate.
func Parse(raw string, now time.Time) (*Timer, error) {
	for _, g := range grammars {
		m := g.re.FindStringSubmatch(raw)
		if m == nil {
			continue
		}
		target, err := g.resolve(g.re, m, now)
		if errors.Is(err, errNoUnits) {
			continue
		}
		if err != nil {
			return nil, err
		}
		t := &Timer{
			Description: strings.TrimSpace(m[g.re.SubexpIndex("desc")]),
			TargetAt:    target,
			CreatedAt:   now,
		}
		if flags := g.re.SubexpIndex("flags"); flags >= 0 && m[flags] != "" {
			t.RequireAck = true
		}
		return t, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrNoMatch, raw)
}

func group(re *regexp.Regexp, m []string, name string) string {
	i := re.SubexpIndex(name)
	if i < 0 {
		return ""
	}
	return m[i]
}

func resolveCountdown(re *regexp.Regexp, m []string, now time.Time) (time.Time, error) {
	var d time.Duration
	units := 0
	for _, u := range []struct {
		name string
		unit time.Duration
	}{
		{"days", 24 * time.Hour},
		{"hours", time.Hour},
		{"mins", time.Minute},
		{"secs", time.Second},
	} {
		v := group(re, m, u.name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %q", ErrNoMatch, v)
		}
		d += time.Duration(n) * u.unit
		units++
	}
	if units == 0 {
		return time.Time{}, errNoUnits
	}
	return now.Add(d), nil
}

func resolveDayCountdown(re *regexp.Regexp, m []string, now time.Time) (time.Time, error) {
	days, err := strconv.Atoi(group(re, m, "days"))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrNoMatch, group(re, m, "days"))
	}
	hh, mm, err := parseClock(group(re, m, "time"))
	if err != nil {
		return time.Time{}, err
	}
	return at(midnight(now).AddDate(0, 0, days), hh, mm), nil
}

func resolveWeekday(re *regexp.Regexp, m []string, now time.Time) (time.Time, error) {
	hh, mm, err := parseClock(group(re, m, "time"))
	if err != nil {
		return time.Time{}, err
	}
	wd, err := parseWeekday(group(re, m, "wday"))
	if err != nil {
		return time.Time{}, err
	}
	diff := (int(wd) - int(now.Weekday()) + 7) % 7
	target := at(midnight(now).AddDate(0, 0, diff), hh, mm)
	// Same-day times that already passed mean next week.
	if !target.After(now) {
		target = target.AddDate(0, 0, 7)
	}
	return target, nil
}

func resolveMonthDay(re *regexp.Regexp, m []string, now time.Time) (time.Time, error) {
	hh, mm, err := parseClock(group(re, m, "time"))
	if err != nil {
		return time.Time{}, err
	}
	tok := group(re, m, "month")
	for _, layout := range []string{"Jan 2 2006", "January 2 2006"} {
		d, err := time.Parse(layout, fmt.Sprintf("%s %d", tok, now.Year()))
		if err != nil {
			continue
		}
		target := time.Date(d.Year(), d.Month(), d.Day(), hh, mm, 0, 0, now.Location())
		if target.After(now) {
			return target, nil
		}
		// Already passed this year; same date next year. The re-parse
		// catches dates that only exist in leap years.
		d, err = time.Parse(layout, fmt.Sprintf("%s %d", tok, now.Year()+1))
		if err != nil {
			continue
		}
		return time.Date(d.Year(), d.Month(), d.Day(), hh, mm, 0, 0, now.Location()), nil
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrBadMonthDay, tok)
}

func resolveTomorrow(re *regexp.Regexp, m []string, now time.Time) (time.Time, error) {
	hh, mm, err := parseClock(group(re, m, "time"))
	if err != nil {
		return time.Time{}, err
	}
	return at(midnight(now).AddDate(0, 0, 1), hh, mm), nil
}

func resolveToday(re *regexp.Regexp, m []string, now time.Time) (time.Time, error) {
	hh, mm, err := parseClock(group(re, m, "time"))
	if err != nil {
		return time.Time{}, err
	}
	target := at(midnight(now), hh, mm)
	if target.After(now) {
		return target, nil
	}
	return target.AddDate(0, 0, 1), nil
}

// clockLayouts are tried in order; the first one that parses wins.
// 12-hour forms come first so "6.30pm" is not read as 24-hour.
var clockLayouts = []string{"3:04pm", "3.04pm", "3pm", "15:04", "15.04", "15"}

func parseClock(tok string) (hour, min int, err error) {
	for _, layout := range clockLayouts {
		t, perr := time.Parse(layout, tok)
		if perr != nil {
			continue
		}
		h, m, _ := t.Clock()
		return h, m, nil
	}
	return 0, 0, fmt.Errorf("%w: %q", ErrBadClock, tok)
}

func parseWeekday(tok string) (time.Weekday, error) {
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := d.String()
		if strings.EqualFold(tok, name) || strings.EqualFold(tok, name[:3]) {
			return d, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrBadWeekday, tok)
}

func midnight(now time.Time) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, now.Location())
}

func at(day time.Time, hour, min int) time.Time {
	y, m, d := day.Date()
	return time.Date(y, m, d, hour, min, 0, 0, day.Location())
}

// Help returns the usage text shown for an empty or unparsable command.
func Help() string {
	return strings.TrimSpace(`
Set a timer: /timer description: timespec [req-ack]
Ack a timer: /timer ack description

Examples:
  /timer coffee: in 5m
  /timer dentist: on thursday at 6pm
  /timer meeting: in 2 days at 3:30pm
  /timer birthday: on Feb 14 at 5pm
  /timer pills: at 22:00 req-ack
`)
}
