package outbox

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// DeadEntry is an outbox entry that exhausted its retry budget.
// Grounded on eventing/outbox/dlq.go's DLQEntry, reworked onto string
// EntityKey and the new Entry shape.
type DeadEntry struct {
	ID              int64     `json:"id"`
	OriginalEntryID int64     `json:"original_entry_id"`
	EntityKey       string    `json:"entity_key"`
	EventID         string    `json:"event_id"`
	EventType       string    `json:"event_type"`
	EventData       string    `json:"event_data"`
	FailureReason   string    `json:"failure_reason"`
	RetryCount      int       `json:"retry_count"`
	MovedAt         time.Time `json:"moved_at"`
}

// Summary renders a one-line, human-readable description of a dead
// letter for admin listings ("order-42: InventoryReserved, moved 3
// minutes ago after 5 retries — insufficient stock").
func (d DeadEntry) Summary() string {
	return fmt.Sprintf("%s: %s, moved %s after %s retries — %s",
		d.EntityKey, d.EventType, humanize.Time(d.MovedAt),
		humanize.Comma(int64(d.RetryCount)), d.FailureReason)
}

// DLQRepository is the durable storage boundary for dead letters.
type DLQRepository interface {
	Insert(ctx context.Context, dead DeadEntry) error
	List(ctx context.Context, limit int) ([]DeadEntry, error)
	Get(ctx context.Context, id int64) (DeadEntry, bool, error)
	Delete(ctx context.Context, id int64) error
	Count(ctx context.Context) (int64, error)
}

// DLQ is the admin-facing surface over a DLQRepository: list, count,
// fetch by id, replay with a retry-count reset cap, and discard.
// Grounded on eventing/outbox/dlq.go's SQLDLQRepository, split into a
// storage-agnostic admin layer (this file) plus the Repository
// boundary above, so persistence.Adapter only has to implement
// DLQRepository's five storage primitives.
type DLQ struct {
	store      DLQRepository
	outboxRepo Repository
	maxRetries int
}

// NewDLQ wires a DLQ admin surface. outboxRepo is used by Replay to
// re-insert a dead letter as a fresh pending outbox entry.
func NewDLQ(store DLQRepository, outboxRepo Repository, maxRetries int) *DLQ {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	return &DLQ{store: store, outboxRepo: outboxRepo, maxRetries: maxRetries}
}

// ShouldMove reports whether e has exhausted its retry budget.
func (d *DLQ) ShouldMove(e Entry) bool {
	return e.RetryCount >= d.maxRetries
}

// Move records e as a dead letter.
func (d *DLQ) Move(ctx context.Context, e Entry) error {
	return d.store.Insert(ctx, DeadEntry{
		OriginalEntryID: e.ID,
		EntityKey:       e.EntityKey,
		EventID:         e.EventID,
		EventType:       e.EventType,
		EventData:       e.EventData,
		FailureReason:   e.LastError,
		RetryCount:      e.RetryCount,
		MovedAt:         time.Now(),
	})
}

// List returns up to limit dead letters, most recent first.
func (d *DLQ) List(ctx context.Context, limit int) ([]DeadEntry, error) {
	return d.store.List(ctx, limit)
}

// Count returns the number of dead letters currently queued.
func (d *DLQ) Count(ctx context.Context) (int64, error) {
	return d.store.Count(ctx)
}

// Replay re-queues dead entry id as a fresh pending outbox entry with
// its retry count reset, then removes it from the DLQ. replayCap
// bounds how many times an operator can replay the same dead letter
// before being forced to discard it outright (tracked via a
// process-local counter, since a replay failure puts it right back
// here with a new original entry ID).
func (d *DLQ) Replay(ctx context.Context, id int64) error {
	dead, ok, err := d.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("outbox: dlq entry %d not found", id)
	}
	if d.replayCount(id) >= replayCap {
		return fmt.Errorf("outbox: dlq entry %d exceeded replay cap (%d); discard instead", id, replayCap)
	}
	d.recordReplay(id)

	ev, err := (&Entry{EventData: dead.EventData}).ToEvent()
	if err != nil {
		return fmt.Errorf("outbox: decode dlq entry %d: %w", id, err)
	}
	if err := d.outboxRepo.Save(ctx, ev); err != nil {
		return fmt.Errorf("outbox: replay dlq entry %d: %w", id, err)
	}
	return d.store.Delete(ctx, id)
}

// Discard permanently removes a dead letter without replaying it.
func (d *DLQ) Discard(ctx context.Context, id int64) error {
	return d.store.Delete(ctx, id)
}

// replayCap bounds how many times one dead letter may be replayed
// before an operator must discard it — guards against a poison
// message silently looping through publish -> fail -> DLQ -> replay
// forever.
const replayCap = 3

var (
	replayMu     sync.Mutex
	replayCounts = map[int64]int{}
)

func (d *DLQ) replayCount(id int64) int {
	replayMu.Lock()
	defer replayMu.Unlock()
	return replayCounts[id]
}

func (d *DLQ) recordReplay(id int64) {
	replayMu.Lock()
	defer replayMu.Unlock()
	replayCounts[id]++
}

// MemoryDLQRepository is an in-process DLQRepository for tests.
type MemoryDLQRepository struct {
	mu      sync.Mutex
	entries map[int64]*DeadEntry
	nextID  int64
}

func NewMemoryDLQRepository() *MemoryDLQRepository {
	return &MemoryDLQRepository{entries: make(map[int64]*DeadEntry)}
}

func (r *MemoryDLQRepository) Insert(ctx context.Context, dead DeadEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	dead.ID = r.nextID
	r.entries[dead.ID] = &dead
	return nil
}

func (r *MemoryDLQRepository) List(ctx context.Context, limit int) ([]DeadEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]DeadEntry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryDLQRepository) Get(ctx context.Context, id int64) (DeadEntry, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return DeadEntry{}, false, nil
	}
	return *e, true, nil
}

func (r *MemoryDLQRepository) Delete(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
	return nil
}

func (r *MemoryDLQRepository) Count(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int64(len(r.entries)), nil
}
