package taskstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/wakeup-engine/internal/domain"
	"github.com/hochfrequenz/wakeup-engine/internal/notify"
)

type syncCall struct {
	enabled bool
	tasks   []domain.WakeupTask
}

type recordingSync struct {
	mu    sync.Mutex
	calls []syncCall
	err   error
}

func (r *recordingSync) SyncState(_ context.Context, enabled bool, tasks []domain.WakeupTask) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, syncCall{enabled: enabled, tasks: tasks})
	return r.err
}

func (r *recordingSync) last() syncCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[len(r.calls)-1]
}

type staticRegistry struct {
	accounts []domain.Account
	models   []domain.Model
}

func (s staticRegistry) Accounts(context.Context) ([]domain.Account, error) { return s.accounts, nil }
func (s staticRegistry) Models(context.Context) ([]domain.Model, error)     { return s.models, nil }

type seqIDs struct{ n int }

func (s *seqIDs) NewID() string {
	s.n++
	return "task-" + string(rune('0'+s.n))
}

var fixedNow = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

func newTestService(t *testing.T, opts ...Option) (*Service, *recordingSync) {
	t.Helper()
	syncer := &recordingSync{}
	opts = append([]Option{
		WithIDGenerator(&seqIDs{}),
		WithClock(func() time.Time { return fixedNow }),
	}, opts...)
	return NewService(newTestStore(t), syncer, opts...), syncer
}

func TestService_SaveTaskCreatesAndSyncs(t *testing.T) {
	ctx := context.Background()
	svc, syncer := newTestService(t)

	task, err := svc.SaveTask(ctx, validForm())
	require.NoError(t, err)

	assert.Equal(t, "task-1", task.ID)
	assert.Equal(t, fixedNow.UnixMilli(), task.CreatedAt)
	require.Len(t, syncer.calls, 1)
	call := syncer.last()
	assert.False(t, call.enabled, "global flag starts disabled")
	require.Len(t, call.tasks, 1)
	assert.Equal(t, "Morning", call.tasks[0].Name)
}

func TestService_SaveTaskValidationDoesNotSync(t *testing.T) {
	ctx := context.Background()
	svc, syncer := newTestService(t)

	form := validForm()
	form.Name = ""
	_, err := svc.SaveTask(ctx, form)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "name", verr.Field)
	assert.Empty(t, syncer.calls)
	tasks, err := svc.Tasks(ctx)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestService_UpdateKeepsCreatedAt(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	task, err := svc.SaveTask(ctx, validForm())
	require.NoError(t, err)
	require.NoError(t, svc.MarkRun(ctx, task.ID, 42))

	form := FormFromTask(*task)
	form.Name = "Evening"
	updated, err := svc.SaveTask(ctx, form)
	require.NoError(t, err)

	assert.Equal(t, task.ID, updated.ID)
	assert.Equal(t, task.CreatedAt, updated.CreatedAt)
	assert.Equal(t, int64(42), updated.LastRunAt)
	tasks, err := svc.Tasks(ctx)
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}

func TestService_UpdateMissingTask(t *testing.T) {
	svc, _ := newTestService(t)
	form := validForm()
	form.ID = "ghost"
	_, err := svc.SaveTask(context.Background(), form)
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestService_EveryMutationSyncs(t *testing.T) {
	ctx := context.Background()
	svc, syncer := newTestService(t)

	task, err := svc.SaveTask(ctx, validForm())
	require.NoError(t, err)
	require.NoError(t, svc.SetTaskEnabled(ctx, task.ID, false))
	require.NoError(t, svc.SetWakeupEnabled(ctx, true))
	assert.True(t, syncer.last().enabled)
	assert.False(t, syncer.last().tasks[0].Enabled)
	require.NoError(t, svc.DeleteTask(ctx, task.ID))

	assert.Len(t, syncer.calls, 4)
	assert.Empty(t, syncer.last().tasks)
}

func TestService_SyncErrorSurfaces(t *testing.T) {
	ctx := context.Background()
	svc, syncer := newTestService(t)
	syncer.err = errors.New("scheduler down")

	_, err := svc.SaveTask(ctx, validForm())
	assert.ErrorContains(t, err, "scheduler down")

	// The task is still saved.
	tasks, err := svc.Tasks(ctx)
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}

func TestService_SaveFiltersUnknownSelections(t *testing.T) {
	reg := staticRegistry{
		accounts: []domain.Account{{ID: "a1", Email: "a1@example.com"}},
		models:   []domain.Model{{ID: "m1"}},
	}
	svc, _ := newTestService(t, WithRegistry(reg))

	form := validForm()
	form.SelectedAccounts = []string{"a1", "stale"}
	task, err := svc.SaveTask(context.Background(), form)
	require.NoError(t, err)
	assert.Equal(t, []string{"a1"}, task.Schedule.SelectedAccounts)

	form.SelectedAccounts = []string{"stale"}
	_, err = svc.SaveTask(context.Background(), form)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "accounts", verr.Field)
}

func TestService_ReconcileNotifies(t *testing.T) {
	ctx := context.Background()
	reg := &staticRegistry{
		accounts: []domain.Account{{ID: "a1"}},
		models:   []domain.Model{{ID: "m1"}},
	}
	rec := &notify.Recorder{}
	svc, syncer := newTestService(t, WithRegistry(reg), WithNotifier(rec))

	_, err := svc.SaveTask(ctx, validForm())
	require.NoError(t, err)

	reg.accounts = []domain.Account{{ID: "a2"}, {ID: "a3"}}
	report, err := svc.Reconcile(ctx)
	require.NoError(t, err)

	assert.Len(t, report.Changed, 1)
	assert.Equal(t, []string{"a2"}, syncer.last().tasks[0].Schedule.SelectedAccounts)
	require.Len(t, rec.Notices(), 1)
	assert.Equal(t, notify.ToneWarning, rec.Notices()[0].Tone)

	// Nothing left to change.
	report, err = svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Changed)
}

func TestService_FallbackMaxOutputTokens(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	assert.Equal(t, 0, svc.FallbackMaxOutputTokens(ctx))

	disabled := validForm()
	disabled.Enabled = false
	disabled.MaxOutputTokens = 99
	_, err := svc.SaveTask(ctx, disabled)
	require.NoError(t, err)

	enabled := validForm()
	enabled.MaxOutputTokens = 64
	_, err = svc.SaveTask(ctx, enabled)
	require.NoError(t, err)

	assert.Equal(t, 64, svc.FallbackMaxOutputTokens(ctx))
}

func TestService_ImportLegacy(t *testing.T) {
	ctx := context.Background()
	svc, syncer := newTestService(t)

	doc := []byte(`{"enabled":true,"repeatMode":"weekly","weeklyDays":[1,3],"selectedModels":["m1"],"selectedAccounts":["a1"]}`)
	task, err := svc.ImportLegacy(ctx, doc)
	require.NoError(t, err)
	require.NotNil(t, task)

	assert.Equal(t, LegacyTaskName, task.Name)
	assert.True(t, task.Enabled)
	trig := task.Schedule.Trigger.(domain.ScheduledTrigger)
	assert.Equal(t, domain.RepeatWeekly, trig.RepeatMode)
	assert.Equal(t, []int{1, 3}, trig.WeeklyDays)
	assert.Equal(t, []string{"08:00"}, trig.WeeklyTimes)
	assert.Len(t, syncer.calls, 1)

	// Second import is skipped because tasks exist.
	again, err := svc.ImportLegacy(ctx, doc)
	require.NoError(t, err)
	assert.Nil(t, again)

	_, err = svc.ImportLegacy(ctx, []byte("{broken"))
	assert.Error(t, err)
}
