package progress

import (
	"sort"
	"sync"

	"github.com/hochfrequenz/wakeup-engine/internal/domain"
)

// LiveView follows one batch and ignores events of any other
type LiveView struct {
	mu    sync.Mutex
	batch string
	last  Event
	items map[string]domain.VerificationItem
}

// NewLiveView tracks batchID
func NewLiveView(batchID string) *LiveView {
	return &LiveView{batch: batchID, items: make(map[string]domain.VerificationItem)}
}

// Apply folds ev into the view. It reports false for events of other batches.
func (v *LiveView) Apply(ev Event) bool {
	if ev.BatchID != v.batch {
		return false
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.last = ev
	if ev.Item != nil {
		v.items[ev.Item.AccountID] = *ev.Item
	}
	return true
}

// Snapshot returns the latest counters and the settled items sorted by email
func (v *LiveView) Snapshot() (Event, []domain.VerificationItem) {
	v.mu.Lock()
	defer v.mu.Unlock()
	items := make([]domain.VerificationItem, 0, len(v.items))
	for _, item := range v.items {
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Email < items[j].Email })
	return v.last, items
}

// Done reports whether the final event has been seen
func (v *LiveView) Done() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.last.BatchID != "" && !v.last.Running
}
