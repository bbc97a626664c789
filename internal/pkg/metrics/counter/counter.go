package counter

import (
	"context"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
)

// SettlementOutcomesKey is the Redis hash holding one field per outcome.
const SettlementOutcomesKey = "settlement:counters:outcomes"

// Counter is a named set of monotonically increasing counters.
type Counter interface {
	Incr(ctx context.Context, field string) error
	Snapshot(ctx context.Context) (map[string]int64, error)
}

// RedisCounter keeps counters in a Redis hash so they survive restarts and
// add up across instances.
type RedisCounter struct {
	client *redis.Client
	key    string
}

func NewRedisCounter(client *redis.Client, key string) *RedisCounter {
	return &RedisCounter{client: client, key: key}
}

// Incr increments the counter for field in Redis
func (r *RedisCounter) Incr(ctx context.Context, field string) error {
	return r.client.HIncrBy(ctx, r.key, field, 1).Err()
}

// Snapshot reads all counters. Fields that do not parse are skipped.
func (r *RedisCounter) Snapshot(ctx context.Context) (map[string]int64, error) {
	data, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(data))
	for k, v := range data {
		n, perr := strconv.ParseInt(v, 10, 64)
		if perr != nil {
			continue
		}
		out[k] = n
	}
	return out, nil
}

// MemoryCounter is the process-local fallback when Redis is not configured.
type MemoryCounter struct {
	mu     sync.Mutex
	counts map[string]int64
}

func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{counts: make(map[string]int64)}
}

func (m *MemoryCounter) Incr(_ context.Context, field string) error {
	m.mu.Lock()
	m.counts[field]++
	m.mu.Unlock()
	return nil
}

func (m *MemoryCounter) Snapshot(context.Context) (map[string]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int64, len(m.counts))
	for k, v := range m.counts {
		out[k] = v
	}
	return out, nil
}
