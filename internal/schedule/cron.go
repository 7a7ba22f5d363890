package schedule

import (
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hochfrequenz/wakeup-engine/internal/domain"
)

const cronHorizonDays = 7

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseCron parses a standard five-field cron expression
func ParseCron(expr string) (cron.Schedule, error) {
	return cronParser.Parse(expr)
}

// minuteHourSchedule keeps only the minute and hour fields of expr.
// Day-of-month, month and weekday are ignored for preview and firing.
func minuteHourSchedule(expr string) (cron.Schedule, bool) {
	fields := strings.Fields(expr)
	if len(fields) < 5 {
		return nil, false
	}
	sched, err := cronParser.Parse(fields[0] + " " + fields[1] + " * * *")
	if err != nil {
		return nil, false
	}
	return sched, true
}

// ValidCron reports whether expr yields a usable minute/hour schedule
func ValidCron(expr string) bool {
	_, ok := minuteHourSchedule(expr)
	return ok
}

// NextCronRuns returns up to count instants strictly after now within the
// next 7 calendar days. Malformed expressions yield an empty result.
func NextCronRuns(expr string, now time.Time, count int) []time.Time {
	sched, ok := minuteHourSchedule(expr)
	if !ok || count <= 0 {
		return nil
	}
	limit := at(now, cronHorizonDays, 0, 0)
	var out []time.Time
	next := now
	for len(out) < count {
		next = sched.Next(next)
		if next.IsZero() || !next.Before(limit) {
			break
		}
		out = append(out, next)
	}
	return out
}

// Preview returns the upcoming instants of any trigger. Quota-reset
// triggers are event driven; only their fallback times are previewed,
// and only when a time window is set.
func Preview(trigger domain.Trigger, now time.Time, count int) []time.Time {
	switch t := trigger.(type) {
	case domain.ScheduledTrigger:
		return NextRuns(t, now, count)
	case domain.CrontabTrigger:
		return NextCronRuns(t.Expr, now, count)
	case domain.QuotaResetTrigger:
		if t.Window == nil {
			return nil
		}
		return dailyRuns(t.FallbackTimes, now, count)
	}
	return nil
}

// FirstRunAfter returns the first instant strictly after ref, or the zero
// time when the trigger has none within its horizon.
func FirstRunAfter(trigger domain.Trigger, ref time.Time) time.Time {
	runs := Preview(trigger, ref, 1)
	if len(runs) == 0 {
		return time.Time{}
	}
	return runs[0]
}
