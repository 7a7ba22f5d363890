package taskstore

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hochfrequenz/wakeup-engine/internal/domain"
)

func taskSelecting(id string, accounts, models []string) domain.WakeupTask {
	return domain.WakeupTask{
		ID:   id,
		Name: "task " + id,
		Schedule: domain.ScheduleConfig{
			Trigger:          domain.ScheduledTrigger{},
			SelectedAccounts: accounts,
			SelectedModels:   models,
		},
	}
}

func TestReconcile_FallsBackToFirst(t *testing.T) {
	tasks := []domain.WakeupTask{taskSelecting("t1", []string{"x"}, []string{"m"})}

	out, report := Reconcile(tasks, []string{"a", "b"}, []string{"m"})

	assert.Equal(t, []string{"a"}, out[0].Schedule.SelectedAccounts)
	assert.Equal(t, []string{"m"}, out[0].Schedule.SelectedModels)
	assert.Equal(t, []string{"t1"}, report.Changed)
	assert.Equal(t, []string{"task t1"}, report.Retargeted)
}

func TestReconcile_Filters(t *testing.T) {
	tasks := []domain.WakeupTask{
		taskSelecting("t1", []string{"a", "gone"}, []string{"m1", "m2"}),
		taskSelecting("t2", []string{"b"}, []string{"m2"}),
	}

	out, report := Reconcile(tasks, []string{"a", "b"}, []string{"m2"})

	assert.Equal(t, []string{"a"}, out[0].Schedule.SelectedAccounts)
	assert.Equal(t, []string{"m2"}, out[0].Schedule.SelectedModels)
	assert.Equal(t, tasks[1], out[1])
	assert.Equal(t, []string{"t1"}, report.Changed)
	assert.Empty(t, report.Retargeted)
}

func TestReconcile_EmptyRegistryIsNoop(t *testing.T) {
	tasks := []domain.WakeupTask{taskSelecting("t1", []string{"x"}, []string{"y"})}

	out, report := Reconcile(tasks, nil, nil)

	assert.Equal(t, tasks, out)
	assert.Empty(t, report.Changed)
}

func TestReconcile_ResultIsSubsetOrFirst(t *testing.T) {
	known := []string{"a", "b", "c"}
	selections := [][]string{nil, {"a"}, {"z"}, {"c", "a", "q"}, {"q", "r"}}
	for _, sel := range selections {
		out, _ := Reconcile([]domain.WakeupTask{taskSelecting("t", sel, []string{"a"})}, known, known)
		got := out[0].Schedule.SelectedAccounts
		assert.NotEmpty(t, got)
		for _, id := range got {
			assert.Contains(t, known, id)
		}
	}
}
