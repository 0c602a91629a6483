// Package store implements the event store (spec §4.B): an append-only
// log of events per entity key, fronted by a bounded hot cache and
// backed by a durable store reached through the BackingStore boundary.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"eventsaga/event"
	"eventsaga/logging"
)

// BackingStore is the durable-storage boundary the event store writes
// through and reads behind on a cache miss. persistence.Adapter
// implements this; Store never imports the persistence package
// directly so the two can be wired either way by the composition root
// without an import cycle.
type BackingStore interface {
	AppendEvents(ctx context.Context, entityKey string, events []*event.Event) error
	LoadEvents(ctx context.Context, entityKey string) ([]*event.Event, error)
	LoadEventsByType(ctx context.Context, eventType string) ([]*event.Event, error)
	LoadEventsInRange(ctx context.Context, from, to time.Time) ([]*event.Event, error)
}

// entityLog is the hot-cache entry: the ordered event history for one
// entity key plus the sequence of the last appended event, used for
// the optimistic-append check.
type entityLog struct {
	mu       sync.Mutex
	events   []*event.Event
	lastSeq  uint64
	complete bool // true once LoadEvents has populated this from the backing store
}

// Store is the event store. Reads for a hot entity key are served
// from the in-process LRU without touching the backing store; a miss
// loads the full history once and caches it. Appends always go to the
// backing store first, then update the cache, so a crash between the
// two never reports an event back before it is durable.
type Store struct {
	backing BackingStore
	cache   *lru.Cache[string, *entityLog]
	logger  logging.ILogger

	mu       sync.RWMutex // not used by any Store method (nor is typeOnce)
	typeOnce sync.Once
}

// Option configures a Store.
type Option func(*Store)

// WithCacheSize overrides the default hot-cache capacity (number of
// distinct entity keys kept resident).
func WithCacheSize(n int) Option {
	return func(s *Store) {
		c, err := lru.New[string, *entityLog](n)
		if err == nil {
			s.cache = c
		}
	}
}

// New wires an event store over the given backing store.
func New(backing BackingStore, logger logging.ILogger, opts ...Option) *Store {
	if logger == nil {
		logger = logging.ComponentLogger("eventing.store")
	}
	c, _ := lru.New[string, *entityLog](2048)
	s := &Store{backing: backing, cache: c, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Append writes ev to entityKey's log. It enforces the optimistic
// sequence check: ev.Sequence must be exactly one more than the last
// appended sequence for this key (0 for a brand-new key), mirroring
// the teacher's AppendEvents expectedVersion contract generalized from
// int64 aggregate IDs to string entity keys.
func (s *Store) Append(ctx context.Context, ev *event.Event) error {
	if err := ev.Validate(); err != nil {
		return fmt.Errorf("store: append: %w", err)
	}
	log, err := s.entryFor(ctx, ev.EntityKey)
	if err != nil {
		return err
	}
	log.mu.Lock()
	defer log.mu.Unlock()

	if ev.Sequence != log.lastSeq+1 {
		return &ConcurrencyError{EntityKey: ev.EntityKey, Expected: log.lastSeq + 1, Got: ev.Sequence}
	}
	if err := s.backing.AppendEvents(ctx, ev.EntityKey, []*event.Event{ev}); err != nil {
		return fmt.Errorf("store: append %s: %w", ev.EntityKey, err)
	}
	log.events = append(log.events, ev)
	log.lastSeq = ev.Sequence
	return nil
}

// GetForKey returns entityKey's full event history, ascending by
// sequence. The first call for a cold key loads once from the backing
// store and populates the cache; subsequent calls are served from
// memory until the cache evicts the key.
func (s *Store) GetForKey(ctx context.Context, entityKey string) ([]*event.Event, error) {
	log, err := s.entryFor(ctx, entityKey)
	if err != nil {
		return nil, err
	}
	log.mu.Lock()
	defer log.mu.Unlock()
	out := make([]*event.Event, len(log.events))
	copy(out, log.events)
	return out, nil
}

// GetByType returns every event of the given type across all entity
// keys, ascending by timestamp. This always goes to the backing store:
// the hot cache is keyed by entity, not by event type, so there is no
// cheaper path — mirrors the teacher's StreamEvents full scan.
func (s *Store) GetByType(ctx context.Context, eventType string) ([]*event.Event, error) {
	events, err := s.backing.LoadEventsByType(ctx, eventType)
	if err != nil {
		return nil, fmt.Errorf("store: get by type %s: %w", eventType, err)
	}
	sort.Slice(events, func(i, j int) bool { return events[i].SubmittedAt.Before(events[j].SubmittedAt) })
	return events, nil
}

// GetInTimeRange returns every event submitted in [from, to), ascending
// by timestamp.
func (s *Store) GetInTimeRange(ctx context.Context, from, to time.Time) ([]*event.Event, error) {
	events, err := s.backing.LoadEventsInRange(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("store: get in range: %w", err)
	}
	sort.Slice(events, func(i, j int) bool { return events[i].SubmittedAt.Before(events[j].SubmittedAt) })
	return events, nil
}

// entryFor returns the cache entry for entityKey, loading it from the
// backing store on first touch.
func (s *Store) entryFor(ctx context.Context, entityKey string) (*entityLog, error) {
	if log, ok := s.cache.Get(entityKey); ok {
		return log, nil
	}

	loaded, err := s.backing.LoadEvents(ctx, entityKey)
	if err != nil {
		return nil, fmt.Errorf("store: load %s: %w", entityKey, err)
	}
	sort.Slice(loaded, func(i, j int) bool { return loaded[i].Sequence < loaded[j].Sequence })

	log := &entityLog{events: loaded, complete: true}
	if len(loaded) > 0 {
		log.lastSeq = loaded[len(loaded)-1].Sequence
	}

	// Another goroutine may have raced us to populate the cache; lru.Add
	// is fine either way since entryFor is only ever racing against
	// itself for the same key's first load, and Append holds log.mu for
	// the instance it gets back.
	if existing, ok := s.cache.Get(entityKey); ok {
		return existing, nil
	}
	s.cache.Add(entityKey, log)
	return log, nil
}

// ConcurrencyError reports a sequence mismatch on append — the same
// role the teacher's ConcurrencyError plays for expectedVersion, but
// against the spec's string entity keys instead of int64 aggregate IDs.
type ConcurrencyError struct {
	EntityKey string
	Expected  uint64
	Got       uint64
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("store: concurrency conflict on %q: expected sequence %d, got %d", e.EntityKey, e.Expected, e.Got)
}

// ConcurrencyConflict lets errors.Normalize recognize this error by
// shape without eventsaga/errors importing the store package.
func (e *ConcurrencyError) ConcurrencyConflict() bool { return true }
