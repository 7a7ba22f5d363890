package domain

import (
	"encoding/json"
	"math"
	"strings"
)

// Trigger is the closed set of ways a wakeup task can fire.
// Implementations are ScheduledTrigger, CrontabTrigger and QuotaResetTrigger.
type Trigger interface {
	Kind() TriggerKind
	trigger()
}

// ScheduledTrigger fires at wall-clock times chosen by RepeatMode
type ScheduledTrigger struct {
	RepeatMode    RepeatMode
	DailyTimes    []string
	WeeklyDays    []int
	WeeklyTimes   []string
	IntervalHours int
	IntervalStart string
	IntervalEnd   string
}

func (ScheduledTrigger) Kind() TriggerKind { return TriggerScheduled }
func (ScheduledTrigger) trigger()          {}

// CrontabTrigger fires on a cron expression; only minute and hour are honored
type CrontabTrigger struct {
	Expr string
}

func (CrontabTrigger) Kind() TriggerKind { return TriggerCrontab }
func (CrontabTrigger) trigger()          {}

// TimeWindow restricts quota-reset firing to [Start, End)
type TimeWindow struct {
	Start string
	End   string
}

// QuotaResetTrigger fires when an account's quota resets
type QuotaResetTrigger struct {
	Window        *TimeWindow
	FallbackTimes []string
}

func (QuotaResetTrigger) Kind() TriggerKind { return TriggerQuotaReset }
func (QuotaResetTrigger) trigger()          {}

// ScheduleConfig is the full configuration of a wakeup task
type ScheduleConfig struct {
	Trigger          Trigger
	SelectedModels   []string
	SelectedAccounts []string
	CustomPrompt     string
	MaxOutputTokens  int
}

// TriggerKind returns the kind of the active trigger, defaulting to scheduled
func (c ScheduleConfig) TriggerKind() TriggerKind {
	if c.Trigger == nil {
		return TriggerScheduled
	}
	return c.Trigger.Kind()
}

// ScheduleWire is the flat persisted form of a schedule.
// Every field is optional so partial or legacy documents decode cleanly.
type ScheduleWire struct {
	RepeatMode        RepeatMode `json:"repeatMode,omitempty"`
	DailyTimes        []string   `json:"dailyTimes,omitempty"`
	WeeklyDays        []int      `json:"weeklyDays,omitempty"`
	WeeklyTimes       []string   `json:"weeklyTimes,omitempty"`
	IntervalHours     int        `json:"intervalHours,omitempty"`
	IntervalStartTime string     `json:"intervalStartTime,omitempty"`
	IntervalEndTime   string     `json:"intervalEndTime,omitempty"`
	SelectedModels    []string   `json:"selectedModels"`
	SelectedAccounts  []string   `json:"selectedAccounts"`
	Crontab           string     `json:"crontab,omitempty"`
	WakeOnReset       bool       `json:"wakeOnReset,omitempty"`
	CustomPrompt      string     `json:"customPrompt,omitempty"`
	MaxOutputTokens   *float64   `json:"maxOutputTokens,omitempty"`
	TimeWindowEnabled bool       `json:"timeWindowEnabled,omitempty"`
	TimeWindowStart   string     `json:"timeWindowStart,omitempty"`
	TimeWindowEnd     string     `json:"timeWindowEnd,omitempty"`
	FallbackTimes     []string   `json:"fallbackTimes,omitempty"`
}

// ResolveTriggerKind picks the active trigger of a flat schedule.
// Quota reset wins over a crontab, which wins over the scheduled mode.
func (w ScheduleWire) ResolveTriggerKind() TriggerKind {
	if w.WakeOnReset {
		return TriggerQuotaReset
	}
	if strings.TrimSpace(w.Crontab) != "" {
		return TriggerCrontab
	}
	return TriggerScheduled
}

// Config builds the typed configuration without filling defaults
func (w ScheduleWire) Config() ScheduleConfig {
	cfg := ScheduleConfig{
		SelectedModels:   w.SelectedModels,
		SelectedAccounts: w.SelectedAccounts,
		CustomPrompt:     w.CustomPrompt,
	}
	if w.MaxOutputTokens != nil && *w.MaxOutputTokens > 0 && *w.MaxOutputTokens < math.MaxInt32 {
		cfg.MaxOutputTokens = int(*w.MaxOutputTokens)
	}
	switch w.ResolveTriggerKind() {
	case TriggerQuotaReset:
		q := QuotaResetTrigger{FallbackTimes: w.FallbackTimes}
		if w.TimeWindowEnabled {
			q.Window = &TimeWindow{Start: w.TimeWindowStart, End: w.TimeWindowEnd}
		}
		cfg.Trigger = q
	case TriggerCrontab:
		cfg.Trigger = CrontabTrigger{Expr: strings.TrimSpace(w.Crontab)}
	default:
		cfg.Trigger = ScheduledTrigger{
			RepeatMode:    w.RepeatMode,
			DailyTimes:    w.DailyTimes,
			WeeklyDays:    w.WeeklyDays,
			WeeklyTimes:   w.WeeklyTimes,
			IntervalHours: w.IntervalHours,
			IntervalStart: w.IntervalStartTime,
			IntervalEnd:   w.IntervalEndTime,
		}
	}
	return cfg
}

// Wire flattens the configuration into its persisted form
func (c ScheduleConfig) Wire() ScheduleWire {
	tokens := float64(c.MaxOutputTokens)
	w := ScheduleWire{
		SelectedModels:   c.SelectedModels,
		SelectedAccounts: c.SelectedAccounts,
		CustomPrompt:     c.CustomPrompt,
		MaxOutputTokens:  &tokens,
	}
	switch t := c.Trigger.(type) {
	case ScheduledTrigger:
		w.RepeatMode = t.RepeatMode
		w.DailyTimes = t.DailyTimes
		w.WeeklyDays = t.WeeklyDays
		w.WeeklyTimes = t.WeeklyTimes
		w.IntervalHours = t.IntervalHours
		w.IntervalStartTime = t.IntervalStart
		w.IntervalEndTime = t.IntervalEnd
	case CrontabTrigger:
		w.Crontab = t.Expr
	case QuotaResetTrigger:
		w.WakeOnReset = true
		w.FallbackTimes = t.FallbackTimes
		if t.Window != nil {
			w.TimeWindowEnabled = true
			w.TimeWindowStart = t.Window.Start
			w.TimeWindowEnd = t.Window.End
		}
	}
	return w
}

func (c ScheduleConfig) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Wire())
}

func (c *ScheduleConfig) UnmarshalJSON(data []byte) error {
	var w ScheduleWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*c = w.Config()
	return nil
}

// WakeupTask is a named, persisted schedule
type WakeupTask struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Enabled   bool           `json:"enabled"`
	CreatedAt int64          `json:"createdAt"`
	LastRunAt int64          `json:"lastRunAt,omitempty"`
	Schedule  ScheduleConfig `json:"schedule"`
}

// TargetsAccount reports whether the task selects the given account
func (t WakeupTask) TargetsAccount(accountID string) bool {
	for _, id := range t.Schedule.SelectedAccounts {
		if id == accountID {
			return true
		}
	}
	return false
}
