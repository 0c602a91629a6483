package outbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"eventsaga/event"
)

// MemoryRepository is an in-process Repository for tests and
// single-instance deployments, grounded on the same claim/state-table
// shape persistence.Adapter realizes over SQL.
type MemoryRepository struct {
	mu      sync.Mutex
	entries map[int64]*Entry
	nextID  int64
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{entries: make(map[int64]*Entry)}
}

func (r *MemoryRepository) Save(ctx context.Context, ev *event.Event) error {
	entry, err := EventToEntry(ev)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	entry.ID = r.nextID
	r.entries[entry.ID] = entry
	return nil
}

func (r *MemoryRepository) ClaimPending(ctx context.Context, limit int, claimTTL time.Duration) ([]Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var claimed []Entry
	now := time.Now()
	for _, e := range r.entries {
		if len(claimed) >= limit {
			break
		}
		eligible := e.Status == StatusPending ||
			(e.Status == StatusFailed && (e.NextRetryAt == nil || !e.NextRetryAt.After(now)))
		if !eligible {
			continue
		}
		token := uuid.NewString()
		e.Status = StatusInFlight
		e.ClaimToken = token
		claimedAt := now
		e.ClaimedAt = &claimedAt
		claimed = append(claimed, *e)
	}
	return claimed, nil
}

func (r *MemoryRepository) MarkDelivered(ctx context.Context, id int64, claimToken string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("outbox: entry %d not found", id)
	}
	if e.Status != StatusInFlight || e.ClaimToken != claimToken {
		return fmt.Errorf("outbox: entry %d claim %q no longer valid", id, claimToken)
	}
	e.Status = StatusDelivered
	now := time.Now()
	e.DeliveredAt = &now
	e.ClaimToken = ""
	e.ClaimedAt = nil
	return nil
}

func (r *MemoryRepository) MarkFailed(ctx context.Context, id int64, claimToken, errMsg string, nextRetryAt time.Time) (Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return Entry{}, fmt.Errorf("outbox: entry %d not found", id)
	}
	if e.Status != StatusInFlight || e.ClaimToken != claimToken {
		return Entry{}, fmt.Errorf("outbox: entry %d claim %q no longer valid", id, claimToken)
	}
	e.Status = StatusFailed
	e.RetryCount++
	e.LastError = errMsg
	e.NextRetryAt = &nextRetryAt
	e.ClaimToken = ""
	e.ClaimedAt = nil
	return *e, nil
}

func (r *MemoryRepository) ReclaimStale(ctx context.Context, olderThan time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if e.Status == StatusInFlight && e.ClaimedAt != nil && e.ClaimedAt.Before(olderThan) {
			e.Status = StatusPending
			e.ClaimToken = ""
			e.ClaimedAt = nil
			n++
		}
	}
	return n, nil
}

func (r *MemoryRepository) DeleteDelivered(ctx context.Context, olderThan time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, e := range r.entries {
		if e.Status == StatusDelivered && e.DeliveredAt != nil && e.DeliveredAt.Before(olderThan) {
			delete(r.entries, id)
		}
	}
	return nil
}

// Get is test-only introspection, not part of Repository.
func (r *MemoryRepository) Get(id int64) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Count returns the number of entries in the given status, test-only.
func (r *MemoryRepository) Count(status Status) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if e.Status == status {
			n++
		}
	}
	return n
}
