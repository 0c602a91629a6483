package grid

import (
	"context"
	"sync"
	"time"

	"eventsaga/logging"
	"eventsaga/metrics"
)

// Backing is the durable-storage boundary a WriteBehindMap flushes
// dirty entries to and loads cold keys from (spec §4.O: persistBatch,
// loadByKey, loadAllKeys). persistence.Adapter implements this against
// a relational store; WriteBehindMap never assumes anything about how
// the backing store works beyond these three operations.
type Backing[V any] interface {
	PersistBatch(ctx context.Context, entries map[string]V) error
	LoadByKey(ctx context.Context, key string) (V, bool, error)
	LoadAllKeys(ctx context.Context) (map[string]V, error)
}

// WriteBehindConfig controls batching cadence and initial-load mode
// (spec §4.O's _ES vs _VIEW table).
type WriteBehindConfig struct {
	// WriteDelay bounds how long a dirty entry waits before it is
	// flushed, even if BatchSize hasn't been reached. Default 5s.
	WriteDelay time.Duration
	// BatchSize flushes early once this many entries are dirty.
	// Default 100.
	BatchSize int
	// EagerLoad warms every key from the backing store at Start,
	// matching the view store's EAGER initial-load mode; LAZY (the
	// event store's mode) leaves EagerLoad false and relies on Get's
	// on-miss load.
	EagerLoad bool
}

// DefaultWriteBehindConfig matches spec §4.O's defaults.
func DefaultWriteBehindConfig() WriteBehindConfig {
	return WriteBehindConfig{WriteDelay: 5 * time.Second, BatchSize: 100}
}

// WriteBehindMap decorates a hot in-process Map[V] (a LocalMap, in
// practice — the per-node cache) with load-on-miss and batched
// write-behind flushing against a Backing[V], so callers see a plain
// Map[V] while persistence happens off the write path. Coalescing is
// automatic: two writes to the same key before a flush collapse into
// one, matching the view store's "latest state only" semantics; the
// event store never writes the same key twice (sequence is part of
// the key) so coalescing is a no-op there.
type WriteBehindMap[V any] struct {
	hot     Map[V]
	backing Backing[V]
	cfg     WriteBehindConfig
	log     logging.ILogger
	metrics *metrics.Registry
	name    string

	mu      sync.Mutex
	dirty   map[string]V
	stopCh  chan struct{}
	flushWg sync.WaitGroup
}

// NewWriteBehindMap wraps hot with write-behind persistence through
// backing. name identifies the map in metrics/log fields (e.g. "_ES",
// "_VIEW").
func NewWriteBehindMap[V any](name string, hot Map[V], backing Backing[V], cfg WriteBehindConfig, logger logging.ILogger, reg *metrics.Registry) *WriteBehindMap[V] {
	if cfg.WriteDelay <= 0 {
		cfg.WriteDelay = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if logger == nil {
		logger = logging.ComponentLogger("grid.writebehind")
	}
	return &WriteBehindMap[V]{
		hot:     hot,
		backing: backing,
		cfg:     cfg,
		log:     logger,
		metrics: reg,
		name:    name,
		dirty:   make(map[string]V),
		stopCh:  make(chan struct{}),
	}
}

// Start warms the hot map (if EagerLoad) and launches the background
// flush loop. Safe to call once per map instance.
func (m *WriteBehindMap[V]) Start(ctx context.Context) error {
	if m.cfg.EagerLoad {
		all, err := m.backing.LoadAllKeys(ctx)
		if err != nil {
			return err
		}
		for k, v := range all {
			if err := m.hot.Put(ctx, k, v); err != nil {
				return err
			}
		}
		m.log.Info(ctx, "write-behind map eager load complete", logging.String("map", m.name), logging.Int("keys", len(all)))
	}
	m.flushWg.Add(1)
	go m.flushLoop(ctx)
	return nil
}

// Stop ends the flush loop after draining any remaining dirty entries.
func (m *WriteBehindMap[V]) Stop() {
	close(m.stopCh)
	m.flushWg.Wait()
}

func (m *WriteBehindMap[V]) Get(ctx context.Context, key string) (V, bool, error) {
	if v, ok, err := m.hot.Get(ctx, key); err == nil && ok {
		return v, true, nil
	}
	v, ok, err := m.backing.LoadByKey(ctx, key)
	if m.metrics != nil {
		m.metrics.Counter("persistence.load.count").Inc()
		if !ok {
			m.metrics.Counter("persistence.load.miss").Inc()
		}
	}
	if err != nil {
		return v, false, err
	}
	if ok {
		_ = m.hot.Put(ctx, key, v)
	}
	return v, ok, nil
}

// Put writes key through to the hot map immediately (so subsequent
// reads observe it without waiting on a flush) and marks it dirty for
// the next write-behind batch.
func (m *WriteBehindMap[V]) Put(ctx context.Context, key string, value V) error {
	if err := m.hot.Put(ctx, key, value); err != nil {
		return err
	}
	m.markDirty(key, value)
	return nil
}

func (m *WriteBehindMap[V]) Update(ctx context.Context, key string, fn UpdateFunc[V]) (V, error) {
	next, err := m.hot.Update(ctx, key, fn)
	if err != nil {
		var zero V
		return zero, err
	}
	m.markDirty(key, next)
	return next, nil
}

// Delete removes key from the hot map and drops any pending dirty write
// for it. The backing store is not told about the deletion (Backing has
// no delete operation), so a copy that was already persisted stays there
// and Get loads it again on the next miss.
func (m *WriteBehindMap[V]) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	delete(m.dirty, key)
	m.mu.Unlock()
	return m.hot.Delete(ctx, key)
}

func (m *WriteBehindMap[V]) Keys(ctx context.Context, prefix string) ([]string, error) {
	return m.hot.Keys(ctx, prefix)
}

func (m *WriteBehindMap[V]) markDirty(key string, value V) {
	m.mu.Lock()
	m.dirty[key] = value
	shouldFlush := len(m.dirty) >= m.cfg.BatchSize
	m.mu.Unlock()
	if shouldFlush {
		m.flushNow(context.Background())
	}
}

func (m *WriteBehindMap[V]) flushLoop(ctx context.Context) {
	defer m.flushWg.Done()
	ticker := time.NewTicker(m.cfg.WriteDelay)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.flushNow(ctx)
		case <-m.stopCh:
			m.flushNow(ctx)
			return
		}
	}
}

// flushNow persists every currently-dirty entry, retrying forever with
// exponential backoff (capped at 30s) on failure — a stuck backing
// store must never lose writes, only delay them (spec §4.O).
func (m *WriteBehindMap[V]) flushNow(ctx context.Context) {
	m.mu.Lock()
	if len(m.dirty) == 0 {
		m.mu.Unlock()
		return
	}
	batch := m.dirty
	m.dirty = make(map[string]V)
	m.mu.Unlock()

	start := time.Now()
	backoff := time.Second
	for attempt := 1; ; attempt++ {
		err := m.backing.PersistBatch(ctx, batch)
		if err == nil {
			break
		}
		if m.metrics != nil {
			m.metrics.Counter("persistence.errors").Inc()
		}
		m.log.Warn(ctx, "write-behind flush failed, retrying",
			logging.String("map", m.name), logging.Int("attempt", attempt), logging.Error(err))
		select {
		case <-time.After(backoff):
		case <-m.stopCh:
			return
		}
		backoff *= 2
		if backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
	}
	if m.metrics != nil {
		m.metrics.Counter("persistence.store.count").Inc()
		m.metrics.Counter("persistence.store.batch.count").Inc()
		m.metrics.Gauge("persistence.store.batch.entries").Set(int64(len(batch)))
		m.metrics.Histogram("persistence.store.batch.duration").Observe(time.Since(start).Seconds())
	}
}
