package taskstore

import (
	"github.com/hochfrequenz/wakeup-engine/internal/domain"
)

// ReconcileReport lists the tasks whose selections were changed
type ReconcileReport struct {
	Changed []string
	// Retargeted names the tasks that lost every selection and fell back
	// to the first registry entry.
	Retargeted []string
}

// Reconcile drops selected account and model ids that no longer exist.
// A task left with an empty selection falls back to the first id of the
// registry. An empty registry leaves the selections untouched.
func Reconcile(tasks []domain.WakeupTask, accountIDs, modelIDs []string) ([]domain.WakeupTask, ReconcileReport) {
	var report ReconcileReport
	out := make([]domain.WakeupTask, len(tasks))
	for i, task := range tasks {
		accounts, accChanged, accFallback := reconcileIDs(task.Schedule.SelectedAccounts, accountIDs)
		models, modChanged, modFallback := reconcileIDs(task.Schedule.SelectedModels, modelIDs)
		out[i] = task
		if !accChanged && !modChanged {
			continue
		}
		out[i].Schedule.SelectedAccounts = accounts
		out[i].Schedule.SelectedModels = models
		report.Changed = append(report.Changed, task.ID)
		if accFallback || modFallback {
			report.Retargeted = append(report.Retargeted, task.Name)
		}
	}
	return out, report
}

func reconcileIDs(selected, known []string) (out []string, changed, fallback bool) {
	if len(known) == 0 {
		return selected, false, false
	}
	valid := make(map[string]bool, len(known))
	for _, id := range known {
		valid[id] = true
	}
	for _, id := range selected {
		if valid[id] {
			out = append(out, id)
		}
	}
	if len(out) == 0 {
		return []string{known[0]}, true, true
	}
	return out, len(out) != len(selected), false
}
