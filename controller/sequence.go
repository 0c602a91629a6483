package controller

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// SequenceGenerator assigns the next monotonic sequence number for an
// entity key (spec §4.A step 2: "batched lease, k=100; never share an
// id across entity keys"). Implementations must never return the same
// number twice for the same key.
type SequenceGenerator interface {
	Next(ctx context.Context, entityKey string) (uint64, error)
}

// LocalSequenceGenerator hands out sequences from in-process counters,
// one per entity key. It never contends across processes, so it is
// only correct for a single-instance deployment or tests — the
// production path is RedisSequenceGenerator.
type LocalSequenceGenerator struct {
	mu   sync.Mutex
	last map[string]uint64
}

// NewLocalSequenceGenerator builds an in-memory sequence generator.
func NewLocalSequenceGenerator() *LocalSequenceGenerator {
	return &LocalSequenceGenerator{last: make(map[string]uint64)}
}

func (g *LocalSequenceGenerator) Next(_ context.Context, entityKey string) (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.last[entityKey]++
	return g.last[entityKey], nil
}

// RedisSequenceGenerator hands out batched leases of sequence numbers
// per entity key using a single atomic INCRBY against a shared Redis
// counter, then serves the rest of the lease in-process. This keeps
// contention at one round trip per leaseSize consecutive calls instead
// of one per call — spec §4.A's note that "contention scales
// super-linearly above ~8 concurrent callers" is a reason to tune
// leaseSize up, not to avoid batching.
type RedisSequenceGenerator struct {
	client    redis.UniversalClient
	namespace string
	leaseSize uint64

	mu     sync.Mutex
	leases map[string]*lease
}

type lease struct {
	next uint64 // next value to hand out
	end  uint64 // exclusive upper bound of the current lease
}

// NewRedisSequenceGenerator builds a generator leasing leaseSize
// sequence numbers at a time per entity key. leaseSize <= 0 defaults to
// 100, matching spec §4.A's "k=100".
func NewRedisSequenceGenerator(client redis.UniversalClient, namespace string, leaseSize uint64) *RedisSequenceGenerator {
	if leaseSize == 0 {
		leaseSize = 100
	}
	return &RedisSequenceGenerator{
		client:    client,
		namespace: namespace,
		leaseSize: leaseSize,
		leases:    make(map[string]*lease),
	}
}

// Next returns the next sequence number for entityKey, acquiring a new
// lease from Redis when the current one is exhausted.
func (g *RedisSequenceGenerator) Next(ctx context.Context, entityKey string) (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	l, ok := g.leases[entityKey]
	if !ok || l.next >= l.end {
		newEnd, err := g.client.IncrBy(ctx, g.namespace+entityKey, int64(g.leaseSize)).Result()
		if err != nil {
			return 0, fmt.Errorf("controller: lease sequence for %s: %w", entityKey, err)
		}
		end := uint64(newEnd)
		l = &lease{next: end - g.leaseSize + 1, end: end + 1}
		g.leases[entityKey] = l
	}
	seq := l.next
	l.next++
	return seq, nil
}
