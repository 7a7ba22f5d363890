package history

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/wakeup-engine/internal/domain"
	"github.com/hochfrequenz/wakeup-engine/internal/taskstore"
)

// backends returns every backend the tests can reach. Redis runs against
// miniredis, and also against a live server when WAKEUP_TEST_REDIS_ADDR is set.
func backends(t *testing.T) map[string]Backend {
	t.Helper()
	out := map[string]Backend{"memory": NewMemoryBackend()}

	ts, err := taskstore.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { ts.Close() })
	sq, err := NewSQLiteBackend(ts.DB())
	require.NoError(t, err)
	out["sqlite"] = sq

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	out["redis"] = NewRedisBackendFromClient(client, "")

	if addr := os.Getenv("WAKEUP_TEST_REDIS_ADDR"); addr != "" {
		prefix := fmt.Sprintf("wakeup-test-%s:", t.Name())
		rb, err := NewRedisBackend(context.Background(), addr, 0, prefix)
		require.NoError(t, err)
		for _, s := range []Stream{StreamPings, StreamBatches, StreamAccounts} {
			require.NoError(t, rb.Clear(context.Background(), s))
		}
		t.Cleanup(func() { rb.Close() })
		out["redis-live"] = rb
	}
	return out
}

func entryIDs(entries []Entry) []string {
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	return ids
}

func TestBackend_OrderAndTrim(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name  string
		puts  [][]Entry
		limit int
		want  []string
	}{
		{
			name: "timestamp descending",
			puts: [][]Entry{{{ID: "a", Timestamp: 1}, {ID: "c", Timestamp: 3}, {ID: "b", Timestamp: 2}}},
			want: []string{"c", "b", "a"},
		},
		{
			name: "equal timestamps list the latest write first",
			puts: [][]Entry{{{ID: "z", Timestamp: 5}}, {{ID: "a", Timestamp: 5}}, {{ID: "m", Timestamp: 5}}},
			want: []string{"m", "a", "z"},
		},
		{
			name: "equal timestamps within one put",
			puts: [][]Entry{{{ID: "x", Timestamp: 5}, {ID: "b", Timestamp: 5}}},
			want: []string{"b", "x"},
		},
		{
			name:  "trim drops the oldest",
			puts:  [][]Entry{{{ID: "a", Timestamp: 1}, {ID: "b", Timestamp: 2}}, {{ID: "c", Timestamp: 3}, {ID: "d", Timestamp: 4}}},
			limit: 3,
			want:  []string{"d", "c", "b"},
		},
		{
			name:  "trim on a tie drops the earlier write",
			puts:  [][]Entry{{{ID: "b", Timestamp: 7}}, {{ID: "a", Timestamp: 7}}, {{ID: "c", Timestamp: 7}}},
			limit: 2,
			want:  []string{"c", "a"},
		},
		{
			name: "rewriting an id moves it and keeps one copy",
			puts: [][]Entry{{{ID: "a", Timestamp: 5}, {ID: "b", Timestamp: 5}}, {{ID: "a", Timestamp: 5}}},
			want: []string{"a", "b"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for name, backend := range backends(t) {
				t.Run(name, func(t *testing.T) {
					for _, put := range tt.puts {
						for i := range put {
							put[i].Data = []byte(`{}`)
						}
						require.NoError(t, backend.Put(ctx, StreamPings, put, tt.limit))
					}
					got, err := backend.Load(ctx, StreamPings)
					require.NoError(t, err)
					assert.Equal(t, tt.want, entryIDs(got))
				})
			}
		})
	}
}

func TestRedisBackend_DeleteAndClear(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	backend := NewRedisBackendFromClient(client, "test:")

	require.NoError(t, backend.Put(ctx, StreamBatches, []Entry{
		{ID: "a", Timestamp: 1, Data: []byte(`{}`)},
		{ID: "b", Timestamp: 2, Data: []byte(`{}`)},
	}, 0))

	n, err := backend.Delete(ctx, StreamBatches, []string{"a", "missing"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, mr.HGet("test:batches:data", "a"))

	got, err := backend.Load(ctx, StreamBatches)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, entryIDs(got))

	require.NoError(t, backend.Clear(ctx, StreamBatches))
	for _, key := range []string{"data", "index", "members", "seq"} {
		assert.False(t, mr.Exists("test:batches:"+key), "key %s should be gone", key)
	}
}

func record(i int) domain.HistoryRecord {
	return domain.HistoryRecord{
		ID:            fmt.Sprintf("r%03d", i),
		Timestamp:     int64(1000 + i),
		TriggerType:   domain.TriggerManual,
		TriggerSource: domain.SourceManual,
		AccountEmail:  "a@example.com",
		ModelID:       "m",
		Success:       true,
	}
}

func TestStore_RecordsBounded(t *testing.T) {
	ctx := context.Background()
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			store := NewStore(backend)
			for i := 0; i < 150; i++ {
				require.NoError(t, store.AppendRecords(ctx, []domain.HistoryRecord{record(i)}))
			}

			got, err := store.LoadRecords(ctx)
			require.NoError(t, err)

			require.Len(t, got, 100)
			assert.Equal(t, "r149", got[0].ID)
			assert.Equal(t, "r050", got[99].ID)
			for i := 1; i < len(got); i++ {
				assert.Greater(t, got[i-1].Timestamp, got[i].Timestamp)
			}
		})
	}
}

func TestStore_AppendBatchTrims(t *testing.T) {
	ctx := context.Background()
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			store := NewStore(backend, WithLimits(3, 0))
			var batch []domain.HistoryRecord
			for i := 0; i < 5; i++ {
				batch = append(batch, record(i))
			}
			require.NoError(t, store.AppendRecords(ctx, batch))

			got, err := store.LoadRecords(ctx)
			require.NoError(t, err)
			require.Len(t, got, 3)
			assert.Equal(t, "r004", got[0].ID)
		})
	}
}

func TestStore_MalformedRecordsFiltered(t *testing.T) {
	ctx := context.Background()
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, backend.Put(ctx, StreamPings, []Entry{
				{ID: "bad-json", Timestamp: 5, Data: []byte("{nope")},
				{ID: "no-ts", Timestamp: 6, Data: []byte(`{"id":"no-ts","accountEmail":"x"}`)},
				{ID: "string-ts", Timestamp: 7, Data: []byte(`{"id":"string-ts","timestamp":"yesterday"}`)},
				{ID: "ok", Timestamp: 8, Data: []byte(`{"id":"ok","timestamp":8,"success":true}`)},
			}, 0))

			got, err := NewStore(backend).LoadRecords(ctx)
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, "ok", got[0].ID)
		})
	}
}

func TestStore_ClearRecords(t *testing.T) {
	ctx := context.Background()
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			store := NewStore(backend)
			require.NoError(t, store.AppendRecords(ctx, []domain.HistoryRecord{record(1)}))
			require.NoError(t, store.ClearRecords(ctx))

			got, err := store.LoadRecords(ctx)
			require.NoError(t, err)
			assert.Empty(t, got)
		})
	}
}

func batch(id string, at int64) domain.VerificationBatch {
	b := domain.VerificationBatch{
		BatchID:    id,
		VerifiedAt: at,
		Model:      "m",
		Records: []domain.VerificationItem{
			{AccountID: "a", Email: "a@example.com", Status: domain.StatusSuccess},
			{AccountID: "b", Email: "b@example.com", Status: "mystery"},
		},
	}
	b.Recount()
	return b
}

func TestStore_Batches(t *testing.T) {
	ctx := context.Background()
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			store := NewStore(backend, WithLimits(0, 2))
			require.NoError(t, store.SaveBatch(ctx, batch("verify_1", 1)))
			require.NoError(t, store.SaveBatch(ctx, batch("verify_3", 3)))
			require.NoError(t, store.SaveBatch(ctx, batch("verify_2", 2)))
			// Same id replaces.
			require.NoError(t, store.SaveBatch(ctx, batch("verify_3", 3)))

			got, err := store.LoadBatches(ctx)
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, "verify_3", got[0].BatchID)
			assert.Equal(t, "verify_2", got[1].BatchID)
			assert.Equal(t, domain.StatusFailed, got[0].Records[1].Status)
		})
	}
}

func TestStore_DeleteBatches(t *testing.T) {
	ctx := context.Background()
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			store := NewStore(backend)
			require.NoError(t, store.SaveBatch(ctx, batch("verify_1", 1)))
			require.NoError(t, store.SaveBatch(ctx, batch("verify_2", 2)))

			n, err := store.DeleteBatches(ctx, []string{" verify_1 ", "verify_1", "missing", ""})
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			n, err = store.DeleteBatches(ctx, []string{"verify_1"})
			require.NoError(t, err)
			assert.Equal(t, 0, n)

			n, err = store.DeleteBatches(ctx, nil)
			require.NoError(t, err)
			assert.Equal(t, 0, n)

			got, err := store.LoadBatches(ctx)
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, "verify_2", got[0].BatchID)
		})
	}
}

func TestStore_States(t *testing.T) {
	ctx := context.Background()
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			store := NewStore(backend)
			require.NoError(t, store.UpsertStates(ctx, []domain.VerificationItem{
				{AccountID: "a", Status: domain.StatusFailed, LastVerifyAt: 1},
				{AccountID: "b", Status: domain.StatusSuccess, LastVerifyAt: 1},
			}))
			require.NoError(t, store.UpsertStates(ctx, []domain.VerificationItem{
				{AccountID: "a", Status: domain.StatusSuccess, LastVerifyAt: 2},
			}))

			got, err := store.LoadStates(ctx)
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, domain.StatusSuccess, got["a"].Status)
			assert.Equal(t, int64(2), got["a"].LastVerifyAt)
		})
	}
}
