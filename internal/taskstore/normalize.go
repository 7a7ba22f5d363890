package taskstore

import (
	"math"
	"strings"

	"github.com/hochfrequenz/wakeup-engine/internal/domain"
)

// Defaults applied to missing schedule fields
const (
	DefaultTime          = "08:00"
	DefaultIntervalHours = 4
	DefaultIntervalStart = "07:00"
	DefaultIntervalEnd   = "22:00"
	DefaultFallbackTime  = "07:00"
	DefaultWindowStart   = "09:00"
	DefaultWindowEnd     = "18:00"
	DefaultModel         = "gemini-3-flash"
)

var defaultWeeklyDays = []int{1, 2, 3, 4, 5}

// DefaultSchedule is the schedule a new task form starts from
func DefaultSchedule() domain.ScheduleConfig {
	cfg := NormalizeSchedule(domain.ScheduleWire{})
	cfg.SelectedModels = []string{DefaultModel}
	return cfg
}

// NormalizeSchedule fills every missing field of a partial or legacy
// schedule with its default
func NormalizeSchedule(w domain.ScheduleWire) domain.ScheduleConfig {
	cfg := w.Config()
	cfg.MaxOutputTokens = NormalizeMaxOutputTokens(w.MaxOutputTokens, 0)
	return NormalizeConfig(cfg)
}

// NormalizeConfig fills empty fields of a typed schedule. It is idempotent.
func NormalizeConfig(cfg domain.ScheduleConfig) domain.ScheduleConfig {
	out := domain.ScheduleConfig{
		SelectedModels:   cloneStrings(cfg.SelectedModels),
		SelectedAccounts: cloneStrings(cfg.SelectedAccounts),
		CustomPrompt:     strings.TrimSpace(cfg.CustomPrompt),
		MaxOutputTokens:  max(cfg.MaxOutputTokens, 0),
	}

	switch t := cfg.Trigger.(type) {
	case domain.CrontabTrigger:
		out.Trigger = domain.CrontabTrigger{Expr: strings.TrimSpace(t.Expr)}
	case domain.QuotaResetTrigger:
		q := domain.QuotaResetTrigger{FallbackTimes: orDefault(t.FallbackTimes, DefaultFallbackTime)}
		if t.Window != nil {
			q.Window = &domain.TimeWindow{
				Start: orDefaultString(t.Window.Start, DefaultWindowStart),
				End:   orDefaultString(t.Window.End, DefaultWindowEnd),
			}
		}
		out.Trigger = q
	case domain.ScheduledTrigger:
		out.Trigger = normalizeScheduled(t)
	default:
		out.Trigger = normalizeScheduled(domain.ScheduledTrigger{})
	}
	return out
}

func normalizeScheduled(t domain.ScheduledTrigger) domain.ScheduledTrigger {
	switch t.RepeatMode {
	case domain.RepeatDaily, domain.RepeatWeekly, domain.RepeatInterval:
	default:
		t.RepeatMode = domain.RepeatDaily
	}

	var days []int
	for _, d := range t.WeeklyDays {
		if d >= 0 && d <= 6 {
			days = append(days, d)
		}
	}
	if len(days) == 0 {
		days = append([]int(nil), defaultWeeklyDays...)
	}

	hours := t.IntervalHours
	if hours <= 0 {
		hours = DefaultIntervalHours
	}

	return domain.ScheduledTrigger{
		RepeatMode:    t.RepeatMode,
		DailyTimes:    orDefault(t.DailyTimes, DefaultTime),
		WeeklyDays:    days,
		WeeklyTimes:   orDefault(t.WeeklyTimes, DefaultTime),
		IntervalHours: hours,
		IntervalStart: orDefaultString(t.IntervalStart, DefaultIntervalStart),
		IntervalEnd:   orDefaultString(t.IntervalEnd, DefaultIntervalEnd),
	}
}

// NormalizeMaxOutputTokens coerces value to a non-negative integer.
// A positive value wins, then a non-negative fallback, then 0.
func NormalizeMaxOutputTokens(value *float64, fallback float64) int {
	if value != nil && !math.IsNaN(*value) && !math.IsInf(*value, 0) && *value > 0 {
		return int(math.Floor(*value))
	}
	if !math.IsNaN(fallback) && !math.IsInf(fallback, 0) && fallback >= 0 {
		return int(math.Floor(fallback))
	}
	return 0
}

func orDefault(values []string, def string) []string {
	if len(values) == 0 {
		return []string{def}
	}
	return cloneStrings(values)
}

func orDefaultString(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

func cloneStrings(s []string) []string {
	if len(s) == 0 {
		return nil
	}
	return append([]string(nil), s...)
}
