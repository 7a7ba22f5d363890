// Package history persists ping records, verification batches and
// per-account verification state.
package history

import (
	"context"
	"sort"
	"sync"
)

// Stream names one bounded collection of entries
type Stream string

const (
	StreamPings    Stream = "pings"
	StreamBatches  Stream = "batches"
	StreamAccounts Stream = "accounts"
)

// Entry is one persisted JSON document keyed by id
type Entry struct {
	ID        string
	Timestamp int64
	Data      []byte
}

// Backend stores entries per stream. Put replaces entries with the same
// id and, when limit > 0, keeps only the limit newest entries.
// Load returns entries newest first.
type Backend interface {
	Put(ctx context.Context, stream Stream, entries []Entry, limit int) error
	Load(ctx context.Context, stream Stream) ([]Entry, error)
	Delete(ctx context.Context, stream Stream, ids []string) (int, error)
	Clear(ctx context.Context, stream Stream) error
	Close() error
}

// MemoryBackend keeps entries in process memory
type MemoryBackend struct {
	mu      sync.Mutex
	seq     uint64
	streams map[Stream]map[string]memEntry
}

type memEntry struct {
	Entry
	seq uint64
}

// NewMemoryBackend creates an empty in-memory backend
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{streams: make(map[Stream]map[string]memEntry)}
}

func (m *MemoryBackend) Put(_ context.Context, stream Stream, entries []Entry, limit int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.streams[stream]
	if s == nil {
		s = make(map[string]memEntry)
		m.streams[stream] = s
	}
	for _, e := range entries {
		m.seq++
		s[e.ID] = memEntry{Entry: Entry{ID: e.ID, Timestamp: e.Timestamp, Data: append([]byte(nil), e.Data...)}, seq: m.seq}
	}
	if limit > 0 && len(s) > limit {
		for _, e := range m.sortedLocked(stream)[limit:] {
			delete(s, e.ID)
		}
	}
	return nil
}

func (m *MemoryBackend) sortedLocked(stream Stream) []memEntry {
	out := make([]memEntry, 0, len(m.streams[stream]))
	for _, e := range m.streams[stream] {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp > out[j].Timestamp
		}
		return out[i].seq > out[j].seq
	})
	return out
}

func (m *MemoryBackend) Load(_ context.Context, stream Stream) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sorted := m.sortedLocked(stream)
	out := make([]Entry, len(sorted))
	for i, e := range sorted {
		out[i] = e.Entry
	}
	return out, nil
}

func (m *MemoryBackend) Delete(_ context.Context, stream Stream, ids []string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, id := range ids {
		if _, ok := m.streams[stream][id]; ok {
			delete(m.streams[stream], id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryBackend) Clear(_ context.Context, stream Stream) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.streams, stream)
	return nil
}

func (m *MemoryBackend) Close() error { return nil }
