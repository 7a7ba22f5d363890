// Package schedule computes upcoming run instants for wakeup triggers.
package schedule

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

var clockRegex = regexp.MustCompile(`^(\d{1,2}):(\d{2})$`)

// ParseClock parses "H:MM" or "HH:MM" into hour and minute
func ParseClock(s string) (hour, minute int, err error) {
	m := clockRegex.FindStringSubmatch(s)
	if m == nil {
		return 0, 0, fmt.Errorf("invalid time %q (expected HH:MM)", s)
	}
	hour, _ = strconv.Atoi(m[1]) // regex guarantees digits
	minute, _ = strconv.Atoi(m[2])
	if hour > 23 || minute > 59 {
		return 0, 0, fmt.Errorf("time %q out of range", s)
	}
	return hour, minute, nil
}

// NormalizeTimeInput validates s and returns it as zero-padded "HH:MM"
func NormalizeTimeInput(s string) (string, bool) {
	h, m, err := ParseClock(s)
	if err != nil {
		return "", false
	}
	return fmt.Sprintf("%02d:%02d", h, m), true
}

// MinuteOfDay returns the minute offset of a clock string, or -1 if invalid
func MinuteOfDay(s string) int {
	h, m, err := ParseClock(s)
	if err != nil {
		return -1
	}
	return h*60 + m
}

// InWindow reports whether the clock time of t falls in [start, end).
// A window whose end is not after its start wraps past midnight.
func InWindow(t time.Time, start, end string) bool {
	s, e := MinuteOfDay(start), MinuteOfDay(end)
	if s < 0 || e < 0 {
		return false
	}
	m := t.Hour()*60 + t.Minute()
	if s < e {
		return m >= s && m < e
	}
	return m >= s || m < e
}
