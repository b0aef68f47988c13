package restart

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	durationPattern = regexp.MustCompile(`(\d+)([smhd])`)
	namePattern     = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

// FormatDuration renders a second count the way operators read countdowns:
// "2h 30m", "45s", "now". Seconds are only shown below one hour.
func FormatDuration(seconds int64) string {
	if seconds <= 0 {
		return "now"
	}

	days := seconds / 86400
	hours := (seconds % 86400) / 3600
	minutes := (seconds % 3600) / 60
	secs := seconds % 60

	var b strings.Builder
	if days > 0 {
		b.WriteString(strconv.FormatInt(days, 10))
		b.WriteString("d ")
	}
	if hours > 0 {
		b.WriteString(strconv.FormatInt(hours, 10))
		b.WriteString("h ")
	}
	if minutes > 0 {
		b.WriteString(strconv.FormatInt(minutes, 10))
		b.WriteString("m ")
	}
	if secs > 0 && days == 0 && hours == 0 {
		b.WriteString(strconv.FormatInt(secs, 10))
		b.WriteString("s")
	}
	return strings.TrimSpace(b.String())
}

// ParseDuration parses compact operator input like "90s", "5m", "1h30m",
// "2d". Returns -1 when nothing parseable is found.
func ParseDuration(s string) int64 {
	if s == "" {
		return -1
	}
	var total int64
	for _, m := range durationPattern.FindAllStringSubmatch(strings.ToLower(s), -1) {
		v, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			continue
		}
		switch m[2] {
		case "s":
			total += v
		case "m":
			total += v * 60
		case "h":
			total += v * 3600
		case "d":
			total += v * 86400
		}
	}
	if total <= 0 {
		return -1
	}
	return total
}

// ParseDays maps config day names onto weekdays. An empty result means
// every day; "*" or "all" anywhere in the list short-circuits to that.
// Unknown names are skipped.
func ParseDays(names []string) map[time.Weekday]bool {
	days := map[time.Weekday]bool{}
	if len(names) == 0 {
		return days
	}
	for _, raw := range names {
		s := strings.ToLower(strings.TrimSpace(raw))
		if s == "*" || s == "all" {
			return map[time.Weekday]bool{}
		}
		if d, ok := weekdayNames[s]; ok {
			days[d] = true
		}
	}
	return days
}

var weekdayNames = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
	"sun":       time.Sunday,
	"mon":       time.Monday,
	"tue":       time.Tuesday,
	"wed":       time.Wednesday,
	"thu":       time.Thursday,
	"fri":       time.Friday,
	"sat":       time.Saturday,
}

// ValidScheduleName reports whether a schedule name uses only the allowed
// identifier charset.
func ValidScheduleName(name string) bool {
	return namePattern.MatchString(name)
}
