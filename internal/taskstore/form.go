package taskstore

import (
	"fmt"
	"sort"
	"strings"

	"github.com/hochfrequenz/wakeup-engine/internal/domain"
	"github.com/hochfrequenz/wakeup-engine/internal/schedule"
)

// ValidationError reports the first invalid field of a task form
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// TaskForm is the editable state of a task before it is saved.
// The Pending* fields hold a time the user typed but did not add yet.
type TaskForm struct {
	ID      string `json:"id,omitempty"`
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`

	TriggerMode domain.TriggerKind `json:"triggerMode"`
	RepeatMode  domain.RepeatMode  `json:"repeatMode"`

	DailyTimes    []string `json:"dailyTimes"`
	WeeklyDays    []int    `json:"weeklyDays"`
	WeeklyTimes   []string `json:"weeklyTimes"`
	IntervalHours int      `json:"intervalHours"`
	IntervalStart string   `json:"intervalStartTime"`
	IntervalEnd   string   `json:"intervalEndTime"`

	Crontab string `json:"crontab"`

	TimeWindowEnabled bool     `json:"timeWindowEnabled"`
	TimeWindowStart   string   `json:"timeWindowStart"`
	TimeWindowEnd     string   `json:"timeWindowEnd"`
	FallbackTimes     []string `json:"fallbackTimes"`

	SelectedModels   []string `json:"selectedModels"`
	SelectedAccounts []string `json:"selectedAccounts"`
	CustomPrompt     string   `json:"customPrompt"`
	MaxOutputTokens  float64  `json:"maxOutputTokens"`

	PendingDailyTime    string `json:"pendingDailyTime,omitempty"`
	PendingWeeklyTime   string `json:"pendingWeeklyTime,omitempty"`
	PendingFallbackTime string `json:"pendingFallbackTime,omitempty"`
}

// FormFromTask loads a saved task into an editable form
func FormFromTask(task domain.WakeupTask) TaskForm {
	cfg := NormalizeConfig(task.Schedule)
	w := cfg.Wire()
	form := TaskForm{
		ID:                task.ID,
		Name:              task.Name,
		Enabled:           task.Enabled,
		TriggerMode:       cfg.TriggerKind(),
		SelectedModels:    cfg.SelectedModels,
		SelectedAccounts:  cfg.SelectedAccounts,
		CustomPrompt:      cfg.CustomPrompt,
		MaxOutputTokens:   float64(cfg.MaxOutputTokens),
		Crontab:           w.Crontab,
		TimeWindowEnabled: w.TimeWindowEnabled,
		TimeWindowStart:   w.TimeWindowStart,
		TimeWindowEnd:     w.TimeWindowEnd,
		FallbackTimes:     w.FallbackTimes,
	}
	defaults := normalizeScheduled(domain.ScheduledTrigger{})
	if st, ok := cfg.Trigger.(domain.ScheduledTrigger); ok {
		defaults = st
	}
	form.RepeatMode = defaults.RepeatMode
	form.DailyTimes = defaults.DailyTimes
	form.WeeklyDays = defaults.WeeklyDays
	form.WeeklyTimes = defaults.WeeklyTimes
	form.IntervalHours = defaults.IntervalHours
	form.IntervalStart = defaults.IntervalStart
	form.IntervalEnd = defaults.IntervalEnd
	return form
}

// Validate checks the form in a fixed order: name, accounts, models, crontab
func (f TaskForm) Validate() error {
	if strings.TrimSpace(f.Name) == "" {
		return &ValidationError{Field: "name", Message: "task name is required"}
	}
	if len(nonBlank(f.SelectedAccounts)) == 0 {
		return &ValidationError{Field: "accounts", Message: "select at least one account"}
	}
	if len(nonBlank(f.SelectedModels)) == 0 {
		return &ValidationError{Field: "models", Message: "select at least one model"}
	}
	if f.TriggerMode == domain.TriggerCrontab && strings.TrimSpace(f.Crontab) == "" {
		return &ValidationError{Field: "crontab", Message: "crontab expression is required"}
	}
	return nil
}

// Schedule folds pending time inputs into the active mode and builds the
// normalized schedule
func (f TaskForm) Schedule() domain.ScheduleConfig {
	daily := f.DailyTimes
	weekly := f.WeeklyTimes
	fallback := f.FallbackTimes

	mode := f.TriggerMode
	if !mode.Valid() {
		mode = domain.TriggerScheduled
	}
	switch {
	case mode == domain.TriggerScheduled && f.RepeatMode == domain.RepeatDaily:
		daily = withPending(daily, f.PendingDailyTime)
	case mode == domain.TriggerScheduled && f.RepeatMode == domain.RepeatWeekly:
		weekly = withPending(weekly, f.PendingWeeklyTime)
	case mode == domain.TriggerQuotaReset && f.TimeWindowEnabled:
		fallback = withPending(fallback, f.PendingFallbackTime)
	}

	tokens := f.MaxOutputTokens
	wire := domain.ScheduleWire{
		RepeatMode:        f.RepeatMode,
		DailyTimes:        sortedTimes(daily),
		WeeklyDays:        f.WeeklyDays,
		WeeklyTimes:       sortedTimes(weekly),
		IntervalHours:     f.IntervalHours,
		IntervalStartTime: f.IntervalStart,
		IntervalEndTime:   f.IntervalEnd,
		SelectedModels:    nonBlank(f.SelectedModels),
		SelectedAccounts:  nonBlank(f.SelectedAccounts),
		CustomPrompt:      f.CustomPrompt,
		MaxOutputTokens:   &tokens,
		TimeWindowEnabled: f.TimeWindowEnabled,
		TimeWindowStart:   f.TimeWindowStart,
		TimeWindowEnd:     f.TimeWindowEnd,
		FallbackTimes:     sortedTimes(fallback),
	}
	switch mode {
	case domain.TriggerCrontab:
		wire.Crontab = f.Crontab
	case domain.TriggerQuotaReset:
		wire.WakeOnReset = true
	}
	return NormalizeSchedule(wire)
}

// NormalizeTimeInput validates a typed time and zero-pads it to "HH:MM"
func NormalizeTimeInput(s string) (string, bool) {
	return schedule.NormalizeTimeInput(strings.TrimSpace(s))
}

func withPending(times []string, pending string) []string {
	if t, ok := NormalizeTimeInput(pending); ok {
		return append(append([]string(nil), times...), t)
	}
	return times
}

// sortedTimes normalizes, dedupes and sorts a list of times.
// Invalid entries are dropped.
func sortedTimes(times []string) []string {
	seen := make(map[string]bool, len(times))
	var out []string
	for _, s := range times {
		t, ok := NormalizeTimeInput(s)
		if !ok || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func nonBlank(values []string) []string {
	var out []string
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
