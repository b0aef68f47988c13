package restart

import (
	"testing"
	"time"
)

func mustScheduleTime(t *testing.T, s string, days map[time.Weekday]bool, loc *time.Location) ScheduleTime {
	t.Helper()
	st, err := NewScheduleTime(s, days, loc)
	if err != nil {
		t.Fatalf("NewScheduleTime(%q): %v", s, err)
	}
	return st
}

func TestNextOccurrenceSameDay(t *testing.T) {
	st := mustScheduleTime(t, "04:00", nil, time.UTC)

	now := time.Date(2026, 3, 10, 2, 30, 0, 0, time.UTC) // Tuesday
	next := st.NextOccurrence(now)

	want := time.Date(2026, 3, 10, 4, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
	if got := st.SecondsUntil(now); got != 5400 {
		t.Fatalf("SecondsUntil = %d, want 5400", got)
	}
}

func TestNextOccurrenceRollsToTomorrow(t *testing.T) {
	st := mustScheduleTime(t, "04:00", nil, time.UTC)

	now := time.Date(2026, 3, 10, 5, 0, 0, 0, time.UTC)
	next := st.NextOccurrence(now)

	want := time.Date(2026, 3, 11, 4, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}

func TestNextOccurrenceExactlyNowRollsOver(t *testing.T) {
	st := mustScheduleTime(t, "04:00", nil, time.UTC)

	now := time.Date(2026, 3, 10, 4, 0, 0, 0, time.UTC)
	next := st.NextOccurrence(now)

	if !next.After(now) {
		t.Fatalf("next occurrence %v is not strictly after now %v", next, now)
	}
	want := time.Date(2026, 3, 11, 4, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}

func TestNextOccurrenceHonorsWeekdays(t *testing.T) {
	days := map[time.Weekday]bool{time.Friday: true}
	st := mustScheduleTime(t, "04:00", days, time.UTC)

	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC) // Tuesday afternoon
	next := st.NextOccurrence(now)

	if next.Weekday() != time.Friday {
		t.Fatalf("next weekday = %v, want Friday", next.Weekday())
	}
	want := time.Date(2026, 3, 13, 4, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}

func TestNextOccurrenceAlwaysFuture(t *testing.T) {
	st := mustScheduleTime(t, "00:00", map[time.Weekday]bool{time.Monday: true}, time.UTC)

	now := time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC) // Monday midnight exactly
	for i := 0; i < 10; i++ {
		next := st.NextOccurrence(now)
		if !next.After(now) {
			t.Fatalf("iteration %d: next %v not after now %v", i, next, now)
		}
		if next.Weekday() != time.Monday {
			t.Fatalf("iteration %d: next weekday = %v", i, next.Weekday())
		}
		now = next
	}
}

func TestNextOccurrenceTimezone(t *testing.T) {
	berlin, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	st := mustScheduleTime(t, "04:00", nil, berlin)

	// 01:00 UTC in winter is 02:00 in Berlin, so 04:00 Berlin is 2h away.
	now := time.Date(2026, 1, 15, 1, 0, 0, 0, time.UTC)
	if got := st.SecondsUntil(now); got != 7200 {
		t.Fatalf("SecondsUntil = %d, want 7200", got)
	}
}

func TestRunsOn(t *testing.T) {
	every := mustScheduleTime(t, "04:00", nil, time.UTC)
	if !every.RunsOn(time.Wednesday) {
		t.Fatalf("empty day filter should run every day")
	}

	st := mustScheduleTime(t, "04:00", map[time.Weekday]bool{time.Saturday: true}, time.UTC)
	if st.RunsOn(time.Sunday) {
		t.Fatalf("should not run on Sunday")
	}
	if !st.RunsOn(time.Saturday) {
		t.Fatalf("should run on Saturday")
	}
}

func TestScheduleTimeParseErrors(t *testing.T) {
	for _, raw := range []string{"", "4am", "25:00", "12:61", "12-30"} {
		if _, err := NewScheduleTime(raw, nil, time.UTC); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestFormattedTimeUntil(t *testing.T) {
	st := mustScheduleTime(t, "04:00", nil, time.UTC)

	now := time.Date(2026, 3, 10, 2, 30, 0, 0, time.UTC)
	if got := st.FormattedTimeUntil(now); got != "in 1 hour 30 minutes" {
		t.Fatalf("got %q", got)
	}

	now = time.Date(2026, 3, 10, 3, 59, 0, 0, time.UTC)
	if got := st.FormattedTimeUntil(now); got != "in 1 minute" {
		t.Fatalf("got %q", got)
	}
}
