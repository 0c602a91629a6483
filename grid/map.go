// Package grid provides the "distributed map with an atomic per-key
// processor" abstraction design note §9 asks for: callers never see
// whether a read-modify-write on a key is implemented by a CAS retry
// loop, a Lua script, or an in-process mutex — only that it is atomic.
package grid

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when no entry exists, so every Map
// implementation does not need its own sentinel.
var ErrNotFound = errors.New("grid: key not found")

// UpdateFunc is the entry-processor body: given the current value
// (ok=false when absent), it returns the new value to persist. Returning
// an error aborts the update and leaves the stored value untouched.
type UpdateFunc[V any] func(current V, ok bool) (V, error)

// Map is a distributed-or-local key/value store keyed by string, with an
// atomic per-key read-modify-write operation. Every mutation routed
// through Update is linearizable per key; Put is a direct
// last-writer-wins overwrite for idempotent writes (spec §5, "Shared
// Mutation Policy").
type Map[V any] interface {
	Get(ctx context.Context, key string) (V, bool, error)
	Put(ctx context.Context, key string, value V) error
	// Update performs the atomic per-key processor. It may call fn more
	// than once under contention (optimistic retry); fn must be free of
	// side effects beyond deriving the next value.
	Update(ctx context.Context, key string, fn UpdateFunc[V]) (V, error)
	Delete(ctx context.Context, key string) error
	// Keys returns all keys matching prefix, for admin/rebuild paths.
	// Implementations may cap the result; callers needing exhaustive
	// enumeration should page by prefix themselves.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// Query is implemented by Map backends that can additionally run a
// predicate scan (spec components B, K: getByType, getInTimeRange,
// getByStatus, getByCorrelationId, findTimedOut).
type Query[V any] interface {
	Scan(ctx context.Context, prefix string, match func(V) bool, limit int) ([]V, error)
}
