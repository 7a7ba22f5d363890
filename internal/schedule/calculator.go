package schedule

import (
	"sort"
	"time"

	"github.com/hochfrequenz/wakeup-engine/internal/domain"
)

const (
	dailyHorizonDays    = 7
	weeklyHorizonDays   = 14
	intervalHorizonDays = 7
)

type clock struct{ hour, minute int }

// sortedClocks parses, dedupes and orders a list of "HH:MM" strings.
// Unparseable entries are skipped.
func sortedClocks(times []string) []clock {
	seen := make(map[int]bool, len(times))
	out := make([]clock, 0, len(times))
	for _, s := range times {
		h, m, err := ParseClock(s)
		if err != nil || seen[h*60+m] {
			continue
		}
		seen[h*60+m] = true
		out = append(out, clock{h, m})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].hour*60+out[i].minute < out[j].hour*60+out[j].minute
	})
	return out
}

func at(day time.Time, offset, hour, minute int) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day()+offset, hour, minute, 0, 0, day.Location())
}

// NextRuns returns up to count instants strictly after now, ascending.
// Daily looks 7 days ahead, weekly 14 and interval 7.
func NextRuns(t domain.ScheduledTrigger, now time.Time, count int) []time.Time {
	if count <= 0 {
		return nil
	}
	switch t.RepeatMode {
	case domain.RepeatWeekly:
		return weeklyRuns(t, now, count)
	case domain.RepeatInterval:
		return intervalRuns(t, now, count)
	default:
		return dailyRuns(t.DailyTimes, now, count)
	}
}

func dailyRuns(times []string, now time.Time, count int) []time.Time {
	clocks := sortedClocks(times)
	var out []time.Time
	for offset := 0; offset < dailyHorizonDays && len(out) < count; offset++ {
		for _, c := range clocks {
			run := at(now, offset, c.hour, c.minute)
			if run.After(now) {
				out = append(out, run)
				if len(out) == count {
					break
				}
			}
		}
	}
	return out
}

func weeklyRuns(t domain.ScheduledTrigger, now time.Time, count int) []time.Time {
	days := make(map[time.Weekday]bool, len(t.WeeklyDays))
	for _, d := range t.WeeklyDays {
		if d >= 0 && d <= 6 {
			days[time.Weekday(d)] = true
		}
	}
	clocks := sortedClocks(t.WeeklyTimes)
	var out []time.Time
	for offset := 0; offset < weeklyHorizonDays && len(out) < count; offset++ {
		day := at(now, offset, 0, 0)
		if !days[day.Weekday()] {
			continue
		}
		for _, c := range clocks {
			run := at(now, offset, c.hour, c.minute)
			if run.After(now) {
				out = append(out, run)
				if len(out) == count {
					break
				}
			}
		}
	}
	return out
}

// intervalRuns emits startHour, startHour+step, ... up to the end hour,
// always at the start minute.
func intervalRuns(t domain.ScheduledTrigger, now time.Time, count int) []time.Time {
	startH, startM, err := ParseClock(t.IntervalStart)
	if err != nil {
		return nil
	}
	endH, _, err := ParseClock(t.IntervalEnd)
	if err != nil {
		return nil
	}
	step := t.IntervalHours
	if step <= 0 {
		return nil
	}
	var out []time.Time
	for offset := 0; offset < intervalHorizonDays && len(out) < count; offset++ {
		for h := startH; h <= endH; h += step {
			run := at(now, offset, h, startM)
			if run.After(now) {
				out = append(out, run)
				if len(out) == count {
					break
				}
			}
		}
	}
	return out
}
