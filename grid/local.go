package grid

import (
	"context"
	"strings"
	"sync"
)

// LocalMap is an in-process Map[V], the single-node counterpart to
// RedisMap. Used by unit tests and by services that run without a grid
// dependency.
type LocalMap[V any] struct {
	mu    sync.Mutex
	items map[string]V
}

// NewLocalMap creates an empty LocalMap.
func NewLocalMap[V any]() *LocalMap[V] {
	return &LocalMap[V]{items: make(map[string]V)}
}

func (m *LocalMap[V]) Get(_ context.Context, key string) (V, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.items[key]
	return v, ok, nil
}

func (m *LocalMap[V]) Put(_ context.Context, key string, value V) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = value
	return nil
}

// Update runs fn while holding the map's single mutex — true atomicity,
// not an optimistic retry, since there is only one writer process.
func (m *LocalMap[V]) Update(_ context.Context, key string, fn UpdateFunc[V]) (V, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.items[key]
	next, err := fn(current, ok)
	if err != nil {
		var zero V
		return zero, err
	}
	m.items[key] = next
	return next, nil
}

func (m *LocalMap[V]) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

func (m *LocalMap[V]) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.items))
	for k := range m.items {
		if prefix == "" || strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// Scan implements Query[V] with a full in-process sweep.
func (m *LocalMap[V]) Scan(_ context.Context, prefix string, match func(V) bool, limit int) ([]V, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []V
	for k, v := range m.items {
		if prefix != "" && !strings.HasPrefix(k, prefix) {
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

// Len reports the number of entries; used to back the pending.events /
// pending.completions gauges in tests and the local-only deployment mode.
func (m *LocalMap[V]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}
