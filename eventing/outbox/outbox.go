// Package outbox implements the transactional outbox (spec §4.G) and
// its dead-letter sibling (spec §4.I): a durable queue of events
// waiting to cross the bus, claimed atomically so two publisher
// instances never double-deliver the same entry.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"eventsaga/event"
)

// Status is an outbox entry's lifecycle state (spec §4.G:
// PENDING -> IN_FLIGHT -> DELIVERED | FAILED).
type Status string

const (
	StatusPending  Status = "pending"
	StatusInFlight Status = "in_flight"
	StatusDelivered Status = "delivered"
	StatusFailed   Status = "failed"
)

// Entry is one queued event, carrying the claim metadata that lets a
// publisher atomically take ownership of it. Grounded on
// eventing/outbox's OutboxEntry, reworked from int64 AggregateID to
// string EntityKey and extended with ClaimToken/ClaimedAt for the
// IN_FLIGHT state the spec adds over the teacher's plain
// pending/published/failed model.
type Entry struct {
	ID          int64      `json:"id"`
	EntityKey   string     `json:"entity_key"`
	EventID     string     `json:"event_id"`
	EventType   string     `json:"event_type"`
	EventData   string     `json:"event_data"`
	Status      Status     `json:"status"`
	ClaimToken  string     `json:"claim_token,omitempty"`
	ClaimedAt   *time.Time `json:"claimed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	RetryCount  int        `json:"retry_count"`
	LastError   string     `json:"last_error,omitempty"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
}

// ToEvent deserializes the stored payload back into a domain event.
func (e *Entry) ToEvent() (*event.Event, error) {
	var ev event.Event
	if err := json.Unmarshal([]byte(e.EventData), &ev); err != nil {
		return nil, fmt.Errorf("outbox: decode entry %d: %w", e.ID, err)
	}
	return &ev, nil
}

// EventToEntry serializes a domain event into a new pending entry.
func EventToEntry(ev *event.Event) (*Entry, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("outbox: encode event %s: %w", ev.EventID(), err)
	}
	return &Entry{
		EntityKey: ev.EntityKey,
		EventID:   ev.EventID(),
		EventType: ev.GetType(),
		EventData: string(data),
		Status:    StatusPending,
		CreatedAt: time.Now(),
	}, nil
}

// CalculateNextRetryTime applies the same exponential-backoff shape as
// the teacher's OutboxEntry.CalculateNextRetryTime.
func (e *Entry) CalculateNextRetryTime(base time.Duration) time.Time {
	retryCount := e.RetryCount
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount > 5 {
		retryCount = 5
	}
	multiplier := 1 << retryCount
	return time.Now().Add(base * time.Duration(multiplier))
}

// Config mirrors the teacher's OutboxConfig with the claim horizon the
// IN_FLIGHT state needs added.
type Config struct {
	PublishInterval time.Duration
	BatchSize       int
	MaxRetries      int
	RetryInterval   time.Duration
	ClaimTTL        time.Duration // how long an IN_FLIGHT claim is honored before a sweeper reclaims it
	CleanupInterval time.Duration
	RetentionPeriod time.Duration
}

// DefaultConfig mirrors the teacher's DefaultOutboxConfig values.
func DefaultConfig() Config {
	return Config{
		PublishInterval: 5 * time.Second,
		BatchSize:       100,
		MaxRetries:      5,
		RetryInterval:   30 * time.Second,
		ClaimTTL:        2 * time.Minute,
		CleanupInterval: time.Hour,
		RetentionPeriod: 7 * 24 * time.Hour,
	}
}

// Repository is the durable-storage boundary a Publisher drives.
// persistence.Adapter implements it against modernc.org/sqlite; tests
// use MemoryRepository.
type Repository interface {
	// Save appends a new pending entry.
	Save(ctx context.Context, ev *event.Event) error

	// ClaimPending atomically transitions up to limit PENDING entries
	// (plus FAILED entries whose NextRetryAt has elapsed) to IN_FLIGHT,
	// stamping each with a fresh claim token, and returns them.
	ClaimPending(ctx context.Context, limit int, claimTTL time.Duration) ([]Entry, error)

	// MarkDelivered transitions an IN_FLIGHT entry to DELIVERED, but
	// only if claimToken still matches — a stale claim (already
	// reclaimed by a sweeper) must not resurrect a delivery report.
	MarkDelivered(ctx context.Context, id int64, claimToken string) error

	// MarkFailed transitions an IN_FLIGHT entry back to FAILED with a
	// backoff, guarded by the same claim-token check.
	MarkFailed(ctx context.Context, id int64, claimToken, errMsg string, nextRetryAt time.Time) (Entry, error)

	// ReclaimStale returns IN_FLIGHT entries whose claim is older than
	// olderThan to PENDING, for a crashed or hung publisher's work to
	// be picked up again.
	ReclaimStale(ctx context.Context, olderThan time.Time) (int, error)

	// DeleteDelivered removes delivered entries older than olderThan.
	DeleteDelivered(ctx context.Context, olderThan time.Time) error
}
