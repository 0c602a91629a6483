// Package idempotency implements the idempotency guard (spec §4.H): a
// put-if-absent-with-TTL check that turns at-least-once event delivery
// into at-most-once handler execution.
package idempotency

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Guard decides whether an event ID has already been processed.
type Guard interface {
	// TryProcess atomically marks eventID as processed and returns true
	// if this call is the first to do so (the caller should proceed);
	// it returns false if another call already claimed eventID within
	// the TTL window (the caller should skip processing).
	TryProcess(ctx context.Context, eventID string) (bool, error)
}

// RedisGuard is the distributed implementation, generalized from
// messaging/command/middleware/idempotency.go's in-memory
// map[string]time.Time + per-ID mutex into a single atomic Redis
// SETNX-with-expiry call — the natural multi-process equivalent of
// "check and mark under a per-ID lock" when the guard must be shared
// across pipeline workers running in different processes.
type RedisGuard struct {
	client    redis.UniversalClient
	namespace string
	ttl       time.Duration
}

// NewRedisGuard builds a guard whose keys are namespaced so multiple
// services can share one Redis instance without ID collisions.
func NewRedisGuard(client redis.UniversalClient, namespace string, ttl time.Duration) *RedisGuard {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisGuard{client: client, namespace: namespace, ttl: ttl}
}

func (g *RedisGuard) key(eventID string) string {
	return fmt.Sprintf("idem:%s:%s", g.namespace, eventID)
}

// TryProcess issues SET key value NX EX ttl — the same primitive
// go-redis exposes as SetNX, and the standard Redis pattern for
// distributed put-if-absent.
func (g *RedisGuard) TryProcess(ctx context.Context, eventID string) (bool, error) {
	ok, err := g.client.SetNX(ctx, g.key(eventID), time.Now().UnixNano(), g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("idempotency: try process %s: %w", eventID, err)
	}
	return ok, nil
}

// Forget removes eventID's claim, letting a later call reprocess it —
// used by tests and by explicit replay tooling.
func (g *RedisGuard) Forget(ctx context.Context, eventID string) error {
	return g.client.Del(ctx, g.key(eventID)).Err()
}

// LocalGuard is an in-process guard for single-instance deployments
// and tests, kept alongside RedisGuard. Grounded directly on the teacher's
// IdempotencyMiddleware: map + per-ID lock + TTL-based expiry check.
type LocalGuard struct {
	mu        sync.Mutex
	processed map[string]time.Time
	ttl       time.Duration
}

// NewLocalGuard builds an in-memory guard. ttl <= 0 means claims never
// expire.
func NewLocalGuard(ttl time.Duration) *LocalGuard {
	return &LocalGuard{processed: make(map[string]time.Time), ttl: ttl}
}

func (g *LocalGuard) TryProcess(ctx context.Context, eventID string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if at, ok := g.processed[eventID]; ok {
		if g.ttl <= 0 || time.Since(at) <= g.ttl {
			return false, nil
		}
	}
	g.processed[eventID] = time.Now()
	return true, nil
}

// Forget removes eventID's claim.
func (g *LocalGuard) Forget(ctx context.Context, eventID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.processed, eventID)
	return nil
}
