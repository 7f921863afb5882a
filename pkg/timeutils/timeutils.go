package timeutils

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseWeekdays parses a comma separated list of weekdays, 0 being Sunday.
func ParseWeekdays(days string) (map[time.Weekday]bool, error) {
	if strings.TrimSpace(days) == "" {
		return nil, fmt.Errorf("no weekdays given")
	}
	set := make(map[time.Weekday]bool)
	for _, p := range strings.Split(days, ",") {
		d, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || d < 0 || d > 6 {
			return nil, fmt.Errorf("invalid weekday %q", p)
		}
		set[time.Weekday(d)] = true
	}
	return set, nil
}

// ParseClock parses "HH:MM".
func ParseClock(clock string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", strings.TrimSpace(clock))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid time of day %q, expected HH:MM", clock)
	}
	return t.Hour(), t.Minute(), nil
}

// NextOccurrence returns the first instant strictly after from that falls on
// one of days at clock, in UTC.
func NextOccurrence(days, clock string, from time.Time) (time.Time, error) {
	set, err := ParseWeekdays(days)
	if err != nil {
		return time.Time{}, err
	}
	hour, minute, err := ParseClock(clock)
	if err != nil {
		return time.Time{}, err
	}

	from = from.UTC()
	candidate := time.Date(from.Year(), from.Month(), from.Day(), hour, minute, 0, 0, time.UTC)
	if !candidate.After(from) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	// a non-empty set always matches within a week
	for !set[candidate.Weekday()] {
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate, nil
}
