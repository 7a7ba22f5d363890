package taskstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/wakeup-engine/internal/domain"
)

func validForm() TaskForm {
	return TaskForm{
		Name:             "Morning",
		Enabled:          true,
		TriggerMode:      domain.TriggerScheduled,
		RepeatMode:       domain.RepeatDaily,
		DailyTimes:       []string{"08:00"},
		SelectedModels:   []string{"m1"},
		SelectedAccounts: []string{"a1"},
	}
}

func TestTaskForm_ValidateOrder(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*TaskForm)
		wantField string
	}{
		{"valid", func(*TaskForm) {}, ""},
		{"blank name wins", func(f *TaskForm) {
			f.Name = "  "
			f.SelectedAccounts = nil
			f.SelectedModels = nil
		}, "name"},
		{"accounts before models", func(f *TaskForm) {
			f.SelectedAccounts = []string{" "}
			f.SelectedModels = nil
		}, "accounts"},
		{"models", func(f *TaskForm) { f.SelectedModels = nil }, "models"},
		{"empty crontab", func(f *TaskForm) {
			f.TriggerMode = domain.TriggerCrontab
			f.Crontab = " "
		}, "crontab"},
		{"crontab ignored in other modes", func(f *TaskForm) { f.Crontab = "" }, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			form := validForm()
			tt.mutate(&form)
			err := form.Validate()
			if tt.wantField == "" {
				assert.NoError(t, err)
				return
			}
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.wantField, verr.Field)
		})
	}
}

func TestTaskForm_ScheduleFoldsPendingDaily(t *testing.T) {
	form := validForm()
	form.DailyTimes = []string{"12:00", "08:00"}
	form.PendingDailyTime = "7:30"
	form.PendingWeeklyTime = "10:00"

	trig := form.Schedule().Trigger.(domain.ScheduledTrigger)

	assert.Equal(t, []string{"07:30", "08:00", "12:00"}, trig.DailyTimes)
	assert.Equal(t, []string{"08:00"}, trig.WeeklyTimes, "pending weekly time only applies in weekly mode")
}

func TestTaskForm_ScheduleFoldsPendingWeekly(t *testing.T) {
	form := validForm()
	form.RepeatMode = domain.RepeatWeekly
	form.WeeklyTimes = []string{"10:00"}
	form.PendingWeeklyTime = "10:00"
	form.PendingDailyTime = "06:00"

	trig := form.Schedule().Trigger.(domain.ScheduledTrigger)

	assert.Equal(t, []string{"10:00"}, trig.WeeklyTimes)
	assert.Equal(t, []string{"08:00"}, trig.DailyTimes)
}

func TestTaskForm_ScheduleFoldsFallbackOnlyWithWindow(t *testing.T) {
	form := validForm()
	form.TriggerMode = domain.TriggerQuotaReset
	form.FallbackTimes = []string{"07:00"}
	form.PendingFallbackTime = "06:15"

	trig := form.Schedule().Trigger.(domain.QuotaResetTrigger)
	assert.Nil(t, trig.Window)
	assert.Equal(t, []string{"07:00"}, trig.FallbackTimes)

	form.TimeWindowEnabled = true
	trig = form.Schedule().Trigger.(domain.QuotaResetTrigger)
	require.NotNil(t, trig.Window)
	assert.Equal(t, []string{"06:15", "07:00"}, trig.FallbackTimes)
}

func TestTaskForm_ScheduleDropsInvalidPending(t *testing.T) {
	form := validForm()
	form.PendingDailyTime = "25:00"

	trig := form.Schedule().Trigger.(domain.ScheduledTrigger)
	assert.Equal(t, []string{"08:00"}, trig.DailyTimes)
}

func TestTaskForm_ScheduleCrontab(t *testing.T) {
	form := validForm()
	form.TriggerMode = domain.TriggerCrontab
	form.Crontab = "0 7 * * *"
	form.MaxOutputTokens = 32.9

	cfg := form.Schedule()

	assert.Equal(t, domain.CrontabTrigger{Expr: "0 7 * * *"}, cfg.Trigger)
	assert.Equal(t, 32, cfg.MaxOutputTokens)
}

func TestFormFromTask_RoundTrip(t *testing.T) {
	form := validForm()
	form.ID = "t1"
	form.RepeatMode = domain.RepeatInterval
	form.IntervalHours = 3
	form.IntervalStart = "06:00"
	form.IntervalEnd = "21:00"
	cfg := form.Schedule()

	back := FormFromTask(domain.WakeupTask{ID: "t1", Name: "Morning", Enabled: true, Schedule: cfg})

	assert.Equal(t, domain.TriggerScheduled, back.TriggerMode)
	assert.Equal(t, domain.RepeatInterval, back.RepeatMode)
	assert.Equal(t, 3, back.IntervalHours)
	assert.Equal(t, cfg, back.Schedule())
}

func TestNormalizeTimeInput(t *testing.T) {
	tests := map[string]string{
		"8:00":   "08:00",
		" 09:05": "09:05",
		"23:59":  "23:59",
	}
	for in, want := range tests {
		got, ok := NormalizeTimeInput(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got)
	}
	for _, bad := range []string{"24:00", "9:7", "abc", "", "-1:00"} {
		_, ok := NormalizeTimeInput(bad)
		assert.False(t, ok, bad)
	}
}
