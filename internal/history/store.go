package history

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/hochfrequenz/wakeup-engine/internal/domain"
)

// Default bounds of the persisted histories
const (
	DefaultRecordLimit = 100
	DefaultBatchLimit  = 100
)

// Store is the typed view over a Backend
type Store struct {
	backend     Backend
	recordLimit int
	batchLimit  int
	logger      *zap.Logger
}

// Option configures a Store
type Option func(*Store)

// WithLimits overrides the record and batch bounds
func WithLimits(records, batches int) Option {
	return func(s *Store) {
		if records > 0 {
			s.recordLimit = records
		}
		if batches > 0 {
			s.batchLimit = batches
		}
	}
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option { return func(s *Store) { s.logger = l } }

// NewStore wraps backend
func NewStore(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend:     backend,
		recordLimit: DefaultRecordLimit,
		batchLimit:  DefaultBatchLimit,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("history")
	return s
}

// Close closes the backend
func (s *Store) Close() error {
	return s.backend.Close()
}

// RecordLimit is the maximum number of retained ping records
func (s *Store) RecordLimit() int { return s.recordLimit }

// AppendRecords persists records in one call and trims the history
func (s *Store) AppendRecords(ctx context.Context, records []domain.HistoryRecord) error {
	if len(records) == 0 {
		return nil
	}
	entries := make([]Entry, 0, len(records))
	for _, r := range records {
		data, err := json.Marshal(r)
		if err != nil {
			return err
		}
		entries = append(entries, Entry{ID: r.ID, Timestamp: r.Timestamp, Data: data})
	}
	return s.backend.Put(ctx, StreamPings, entries, s.recordLimit)
}

// timestampProbe rejects documents whose timestamp is missing or not a number
type timestampProbe struct {
	Timestamp *float64 `json:"timestamp"`
}

// LoadRecords returns valid records newest first. Entries without a
// numeric timestamp are dropped.
func (s *Store) LoadRecords(ctx context.Context) ([]domain.HistoryRecord, error) {
	entries, err := s.backend.Load(ctx, StreamPings)
	if err != nil {
		return nil, err
	}
	records := make([]domain.HistoryRecord, 0, len(entries))
	for _, e := range entries {
		var probe timestampProbe
		if err := json.Unmarshal(e.Data, &probe); err != nil || probe.Timestamp == nil || *probe.Timestamp <= 0 {
			s.logger.Debug("skipping malformed history entry", zap.String("id", e.ID))
			continue
		}
		var r domain.HistoryRecord
		if err := json.Unmarshal(e.Data, &r); err != nil {
			s.logger.Debug("skipping undecodable history entry", zap.String("id", e.ID), zap.Error(err))
			continue
		}
		records = append(records, r)
	}
	sort.SliceStable(records, func(i, j int) bool { return records[i].Timestamp > records[j].Timestamp })
	if len(records) > s.recordLimit {
		records = records[:s.recordLimit]
	}
	return records, nil
}

// ClearRecords removes every ping record
func (s *Store) ClearRecords(ctx context.Context) error {
	return s.backend.Clear(ctx, StreamPings)
}

// SaveBatch stores a batch, replacing one with the same id
func (s *Store) SaveBatch(ctx context.Context, batch domain.VerificationBatch) error {
	data, err := json.Marshal(batch)
	if err != nil {
		return err
	}
	return s.backend.Put(ctx, StreamBatches, []Entry{{ID: batch.BatchID, Timestamp: batch.VerifiedAt, Data: data}}, s.batchLimit)
}

// LoadBatches returns stored batches, most recent first
func (s *Store) LoadBatches(ctx context.Context) ([]domain.VerificationBatch, error) {
	entries, err := s.backend.Load(ctx, StreamBatches)
	if err != nil {
		return nil, err
	}
	batches := make([]domain.VerificationBatch, 0, len(entries))
	for _, e := range entries {
		var b domain.VerificationBatch
		if err := json.Unmarshal(e.Data, &b); err != nil || b.BatchID == "" {
			s.logger.Debug("skipping malformed batch", zap.String("id", e.ID))
			continue
		}
		for i := range b.Records {
			b.Records[i].Status = domain.NormalizeStatus(string(b.Records[i].Status))
		}
		batches = append(batches, b)
	}
	sort.SliceStable(batches, func(i, j int) bool { return batches[i].VerifiedAt > batches[j].VerifiedAt })
	if len(batches) > s.batchLimit {
		batches = batches[:s.batchLimit]
	}
	return batches, nil
}

// DeleteBatches removes batches by id and returns how many existed.
// Ids are trimmed and deduplicated; blank ids are ignored.
func (s *Store) DeleteBatches(ctx context.Context, ids []string) (int, error) {
	seen := make(map[string]bool, len(ids))
	var clean []string
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		clean = append(clean, id)
	}
	if len(clean) == 0 {
		return 0, nil
	}
	n, err := s.backend.Delete(ctx, StreamBatches, clean)
	if err != nil {
		return 0, fmt.Errorf("deleting batches: %w", err)
	}
	return n, nil
}

// UpsertStates stores the latest verification outcome per account
func (s *Store) UpsertStates(ctx context.Context, items []domain.VerificationItem) error {
	entries := make([]Entry, 0, len(items))
	for _, item := range items {
		if item.AccountID == "" {
			continue
		}
		data, err := json.Marshal(item)
		if err != nil {
			return err
		}
		entries = append(entries, Entry{ID: item.AccountID, Timestamp: item.LastVerifyAt, Data: data})
	}
	if len(entries) == 0 {
		return nil
	}
	return s.backend.Put(ctx, StreamAccounts, entries, 0)
}

// LoadStates returns the saved verification state keyed by account id
func (s *Store) LoadStates(ctx context.Context) (map[string]domain.VerificationItem, error) {
	entries, err := s.backend.Load(ctx, StreamAccounts)
	if err != nil {
		return nil, err
	}
	out := make(map[string]domain.VerificationItem, len(entries))
	for _, e := range entries {
		var item domain.VerificationItem
		if err := json.Unmarshal(e.Data, &item); err != nil {
			continue
		}
		item.Status = domain.NormalizeStatus(string(item.Status))
		out[e.ID] = item
	}
	return out, nil
}
