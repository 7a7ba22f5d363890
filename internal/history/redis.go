package history

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisBackend stores each stream as a hash of documents plus a sorted
// set index scored by timestamp. Index members are "<seq>:<id>" with a
// zero-padded insertion sequence, so equal timestamps list the latest
// write first like the other backends.
type RedisBackend struct {
	client *redis.Client
	prefix string
}

// NewRedisBackend connects to addr and verifies the connection
func NewRedisBackend(ctx context.Context, addr string, db int, prefix string) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return NewRedisBackendFromClient(client, prefix), nil
}

// NewRedisBackendFromClient wraps an existing client
func NewRedisBackendFromClient(client *redis.Client, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = "wakeup:"
	}
	return &RedisBackend{client: client, prefix: prefix}
}

func (b *RedisBackend) dataKey(stream Stream) string    { return b.prefix + string(stream) + ":data" }
func (b *RedisBackend) indexKey(stream Stream) string   { return b.prefix + string(stream) + ":index" }
func (b *RedisBackend) membersKey(stream Stream) string { return b.prefix + string(stream) + ":members" }
func (b *RedisBackend) seqKey(stream Stream) string     { return b.prefix + string(stream) + ":seq" }

func indexMember(seq int64, id string) string { return fmt.Sprintf("%019d:%s", seq, id) }

func memberID(member string) string {
	_, id, _ := strings.Cut(member, ":")
	return id
}

func (b *RedisBackend) Put(ctx context.Context, stream Stream, entries []Entry, limit int) error {
	if len(entries) == 0 {
		return nil
	}
	last, err := b.client.IncrBy(ctx, b.seqKey(stream), int64(len(entries))).Result()
	if err != nil {
		return err
	}
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	previous, err := b.client.HMGet(ctx, b.membersKey(stream), ids...).Result()
	if err != nil {
		return err
	}

	first := last - int64(len(entries)) + 1
	pipe := b.client.TxPipeline()
	for i, e := range entries {
		if old, ok := previous[i].(string); ok {
			pipe.ZRem(ctx, b.indexKey(stream), old)
		}
		member := indexMember(first+int64(i), e.ID)
		pipe.HSet(ctx, b.dataKey(stream), e.ID, e.Data)
		pipe.HSet(ctx, b.membersKey(stream), e.ID, member)
		pipe.ZAdd(ctx, b.indexKey(stream), redis.Z{Score: float64(e.Timestamp), Member: member})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	if limit <= 0 {
		return nil
	}

	stale, err := b.client.ZRevRange(ctx, b.indexKey(stream), int64(limit), -1).Result()
	if err != nil || len(stale) == 0 {
		return err
	}
	return b.remove(ctx, stream, stale)
}

// remove drops index members together with their documents
func (b *RedisBackend) remove(ctx context.Context, stream Stream, members []string) error {
	ids := make([]string, len(members))
	zmembers := make([]any, len(members))
	for i, m := range members {
		ids[i] = memberID(m)
		zmembers[i] = m
	}
	pipe := b.client.TxPipeline()
	pipe.HDel(ctx, b.dataKey(stream), ids...)
	pipe.HDel(ctx, b.membersKey(stream), ids...)
	pipe.ZRem(ctx, b.indexKey(stream), zmembers...)
	_, err := pipe.Exec(ctx)
	return err
}

func (b *RedisBackend) Load(ctx context.Context, stream Stream) ([]Entry, error) {
	index, err := b.client.ZRevRangeWithScores(ctx, b.indexKey(stream), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(index) == 0 {
		return nil, nil
	}
	ids := make([]string, len(index))
	for i, z := range index {
		member, _ := z.Member.(string)
		ids[i] = memberID(member)
	}
	values, err := b.client.HMGet(ctx, b.dataKey(stream), ids...).Result()
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(ids))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		entries = append(entries, Entry{ID: ids[i], Timestamp: int64(index[i].Score), Data: []byte(s)})
	}
	return entries, nil
}

func (b *RedisBackend) Delete(ctx context.Context, stream Stream, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	values, err := b.client.HMGet(ctx, b.membersKey(stream), ids...).Result()
	if err != nil {
		return 0, err
	}
	var members []string
	for _, v := range values {
		if m, ok := v.(string); ok {
			members = append(members, m)
		}
	}
	if len(members) == 0 {
		return 0, nil
	}
	if err := b.remove(ctx, stream, members); err != nil {
		return 0, err
	}
	return len(members), nil
}

func (b *RedisBackend) Clear(ctx context.Context, stream Stream) error {
	return b.client.Del(ctx, b.dataKey(stream), b.indexKey(stream), b.membersKey(stream), b.seqKey(stream)).Err()
}

func (b *RedisBackend) Close() error {
	return b.client.Close()
}

// String describes the backend for logs
func (b *RedisBackend) String() string {
	opts := b.client.Options()
	return "redis://" + opts.Addr + "/" + strconv.Itoa(opts.DB)
}
