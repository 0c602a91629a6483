package grid

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisMap is a Map[V] backed by one Redis string key per entry
// (namespace + key, JSON-encoded), with the map's TTL set on each key it
// writes. Update implements
// the grid's atomic per-key processor as an optimistic WATCH/MULTI/EXEC
// loop, the client-side CAS-loop realization of the entry-processor
// design note (no generic Go closure can run as a server-side Lua
// script, so this is the mechanism we map to instead of Lua).
type RedisMap[V any] struct {
	client    redis.UniversalClient
	namespace string
	ttl       time.Duration // 0 disables expiry
	maxRetry  int
}

// NewRedisMap wraps client with namespace as a key prefix (e.g.
// "es:order:view:"). ttl of 0 means entries never expire; a non-zero ttl
// is set on every key that Put or Update writes.
func NewRedisMap[V any](client redis.UniversalClient, namespace string, ttl time.Duration) *RedisMap[V] {
	return &RedisMap[V]{client: client, namespace: namespace, ttl: ttl, maxRetry: 8}
}

func (m *RedisMap[V]) fullKey(key string) string {
	return m.namespace + key
}

func (m *RedisMap[V]) Get(ctx context.Context, key string) (V, bool, error) {
	var zero V
	raw, err := m.client.Get(ctx, m.fullKey(key)).Bytes()
	if err == redis.Nil {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, fmt.Errorf("grid: redis get %s: %w", key, err)
	}
	var v V
	if err := json.Unmarshal(raw, &v); err != nil {
		return zero, false, fmt.Errorf("grid: decode %s: %w", key, err)
	}
	return v, true, nil
}

func (m *RedisMap[V]) Put(ctx context.Context, key string, value V) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("grid: encode %s: %w", key, err)
	}
	if err := m.client.Set(ctx, m.fullKey(key), raw, m.ttl).Err(); err != nil {
		return fmt.Errorf("grid: redis set %s: %w", key, err)
	}
	return nil
}

// Update implements the CAS loop: WATCH the key, read it, run fn, write
// the result transactionally. On a concurrent writer winning the race,
// go-redis returns redis.TxFailedErr and we retry immediately, without
// any backoff, up to maxRetry attempts.
func (m *RedisMap[V]) Update(ctx context.Context, key string, fn UpdateFunc[V]) (V, error) {
	var zero V
	fullKey := m.fullKey(key)

	for attempt := 0; attempt < m.maxRetry; attempt++ {
		txErr := m.client.Watch(ctx, func(tx *redis.Tx) error {
			raw, err := tx.Get(ctx, fullKey).Bytes()
			var current V
			exists := true
			switch {
			case err == redis.Nil:
				exists = false
			case err != nil:
				return err
			default:
				if err := json.Unmarshal(raw, &current); err != nil {
					return fmt.Errorf("decode %s: %w", key, err)
				}
			}

			next, err := fn(current, exists)
			if err != nil {
				return err
			}
			nextRaw, err := json.Marshal(next)
			if err != nil {
				return fmt.Errorf("encode %s: %w", key, err)
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, fullKey, nextRaw, m.ttl)
				return nil
			})
			if err == nil {
				zero = next
			}
			return err
		}, fullKey)

		if txErr == nil {
			return zero, nil
		}
		if txErr == redis.TxFailedErr {
			continue // lost the optimistic race, retry
		}
		return zero, txErr
	}
	return zero, fmt.Errorf("grid: update %s: exceeded %d retries under contention", key, m.maxRetry)
}

func (m *RedisMap[V]) Delete(ctx context.Context, key string) error {
	return m.client.Del(ctx, m.fullKey(key)).Err()
}

// Keys scans the namespace for matching keys. This uses SCAN (not KEYS)
// to avoid blocking the Redis event loop on large grids.
func (m *RedisMap[V]) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := m.client.Scan(ctx, 0, m.fullKey(prefix)+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val()[len(m.namespace):])
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("grid: scan keys: %w", err)
	}
	return keys, nil
}

// Scan implements Query[V] by paging through SCAN and decoding each hit;
// intended for admin/recovery paths (bounded limit), not hot-path reads.
func (m *RedisMap[V]) Scan(ctx context.Context, prefix string, match func(V) bool, limit int) ([]V, error) {
	keys, err := m.Keys(ctx, prefix)
	if err != nil {
		return nil, err
	}
	var result []V
	for _, k := range keys {
		v, ok, err := m.Get(ctx, k)
		if err != nil || !ok {
			continue
		}
		if match == nil || match(v) {
			result = append(result, v)
			if limit > 0 && len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}
