// Package progress carries verification progress events from the batch
// runner to any number of observers.
package progress

import (
	"sync"

	"go.uber.org/zap"

	"github.com/hochfrequenz/wakeup-engine/internal/domain"
)

// Event reports the state of a verification batch after one item settled.
// The final event of a batch has Running false and no Item.
type Event struct {
	BatchID                   string                   `json:"batchId"`
	Total                     int                      `json:"total"`
	Completed                 int                      `json:"completed"`
	SuccessCount              int                      `json:"successCount"`
	VerificationRequiredCount int                      `json:"verificationRequiredCount"`
	FailedCount               int                      `json:"failedCount"`
	Running                   bool                     `json:"running"`
	Item                      *domain.VerificationItem `json:"item,omitempty"`
}

// DefaultBuffer is the channel size used when Subscribe gets 0
const DefaultBuffer = 64

type subscriber struct {
	batchID string
	ch      chan Event
}

// Bus fans events out to subscribers without blocking the publisher
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]subscriber
	logger *zap.Logger
}

// NewBus creates an empty bus
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{subs: make(map[int]subscriber), logger: logger.Named("progress")}
}

// Subscribe returns a channel of events for batchID, or for every batch
// when batchID is empty. The returned func unsubscribes and closes the
// channel.
func (b *Bus) Subscribe(batchID string, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = subscriber{batchID: batchID, ch: ch}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers ev to matching subscribers. A subscriber whose buffer
// is full misses the event.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.batchID != "" && sub.batchID != ev.BatchID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.logger.Warn("dropping progress event for slow subscriber", zap.String("batch_id", ev.BatchID))
		}
	}
}

// Subscribers returns the number of active subscriptions
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
