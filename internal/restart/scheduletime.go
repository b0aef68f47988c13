package restart

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// ScheduleTime is a recurring wall-clock instant: a time of day, an
// optional weekday filter, and the timezone the time of day is read in.
// It is a pure value; occurrences are recomputed on demand, never cached.
type ScheduleTime struct {
	hour   int
	minute int
	days   map[time.Weekday]bool // empty = every day
	loc    *time.Location
}

// NewScheduleTime parses an "HH:MM" 24-hour time string.
func NewScheduleTime(timeStr string, days map[time.Weekday]bool, loc *time.Location) (ScheduleTime, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(timeStr))
	if err != nil {
		return ScheduleTime{}, fmt.Errorf("invalid time %q, expected HH:MM: %w", timeStr, err)
	}
	if loc == nil {
		loc = time.UTC
	}
	if days == nil {
		days = map[time.Weekday]bool{}
	}
	return ScheduleTime{hour: t.Hour(), minute: t.Minute(), days: days, loc: loc}, nil
}

// NextOccurrence returns the next instant this schedule fires, strictly
// after now. A candidate equal to now rolls over to the next valid day.
func (st ScheduleTime) NextOccurrence(now time.Time) time.Time {
	local := now.In(st.loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), st.hour, st.minute, 0, 0, st.loc)

	if !next.After(local) {
		next = next.AddDate(0, 0, 1)
	}
	if len(st.days) > 0 {
		for !st.days[next.Weekday()] {
			next = next.AddDate(0, 0, 1)
		}
	}
	return next
}

// SecondsUntil returns whole seconds from now until the next occurrence.
func (st ScheduleTime) SecondsUntil(now time.Time) int64 {
	return int64(st.NextOccurrence(now).Sub(now) / time.Second)
}

// RunsOn reports whether the schedule fires on the given weekday.
func (st ScheduleTime) RunsOn(day time.Weekday) bool {
	return len(st.days) == 0 || st.days[day]
}

func (st ScheduleTime) Location() *time.Location { return st.loc }

// FormattedTimeUntil renders the time left until the next occurrence in the
// coarsest sensible unit ("in 3 days", "in 2 hours 15 minutes", ...).
func (st ScheduleTime) FormattedTimeUntil(now time.Time) string {
	seconds := st.SecondsUntil(now)
	hours := seconds / 3600
	minutes := (seconds % 3600) / 60

	switch {
	case hours > 24:
		days := hours / 24
		return fmt.Sprintf("in %d day%s", days, plural(days))
	case hours > 0 && minutes > 0:
		return fmt.Sprintf("in %d hour%s %d minute%s", hours, plural(hours), minutes, plural(minutes))
	case hours > 0:
		return fmt.Sprintf("in %d hour%s", hours, plural(hours))
	case minutes > 0:
		return fmt.Sprintf("in %d minute%s", minutes, plural(minutes))
	default:
		return fmt.Sprintf("in %d second%s", seconds, plural(seconds))
	}
}

func plural(n int64) string {
	if n == 1 {
		return ""
	}
	return "s"
}

func (st ScheduleTime) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%02d:%02d", st.hour, st.minute)

	if len(st.days) > 0 {
		names := make([]string, 0, len(st.days))
		for d := range st.days {
			names = append(names, d.String())
		}
		sort.Strings(names)
		b.WriteString(" on ")
		b.WriteString(strings.Join(names, ", "))
	}
	fmt.Fprintf(&b, " (%s)", st.loc.String())
	return b.String()
}
