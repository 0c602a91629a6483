package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	core "eventsaga/data/db"
	dbsql "eventsaga/data/db/sql"
	"eventsaga/eventing/outbox"
)

// DLQRepository implements outbox.DLQRepository against the
// `outbox_dead_letters` table.
type DLQRepository struct {
	db core.IDatabase
}

// NewDLQRepository wires a DLQ repository over db.
func NewDLQRepository(db core.IDatabase) *DLQRepository {
	return &DLQRepository{db: db}
}

var _ outbox.DLQRepository = (*DLQRepository)(nil)

func (r *DLQRepository) Insert(ctx context.Context, dead outbox.DeadEntry) error {
	_, err := dbsql.NewInsert(r.db, "outbox_dead_letters").
		Columns("original_entry_id", "entity_key", "event_id", "event_type", "event_data", "failure_reason", "retry_count", "moved_at").
		Values(dead.OriginalEntryID, dead.EntityKey, dead.EventID, dead.EventType, dead.EventData, dead.FailureReason, dead.RetryCount, dead.MovedAt).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("persistence: insert dead letter: %w", err)
	}
	return nil
}

func (r *DLQRepository) List(ctx context.Context, limit int) ([]outbox.DeadEntry, error) {
	rows, err := dbsql.NewSelect(r.db, "id", "original_entry_id", "entity_key", "event_id", "event_type", "event_data", "failure_reason", "retry_count", "moved_at").
		From("outbox_dead_letters").
		OrderBy("moved_at DESC").
		Limit(limit).
		Query(ctx)
	if err != nil {
		return nil, fmt.Errorf("persistence: list dead letters: %w", err)
	}
	defer rows.Close()

	var out []outbox.DeadEntry
	for rows.Next() {
		var e outbox.DeadEntry
		if err := rows.Scan(&e.ID, &e.OriginalEntryID, &e.EntityKey, &e.EventID, &e.EventType, &e.EventData, &e.FailureReason, &e.RetryCount, &e.MovedAt); err != nil {
			return nil, fmt.Errorf("persistence: scan dead letter: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *DLQRepository) Get(ctx context.Context, id int64) (outbox.DeadEntry, bool, error) {
	row := dbsql.NewSelect(r.db, "id", "original_entry_id", "entity_key", "event_id", "event_type", "event_data", "failure_reason", "retry_count", "moved_at").
		From("outbox_dead_letters").
		Where("id = ?", id).
		QueryRow(ctx)

	var e outbox.DeadEntry
	err := row.Scan(&e.ID, &e.OriginalEntryID, &e.EntityKey, &e.EventID, &e.EventType, &e.EventData, &e.FailureReason, &e.RetryCount, &e.MovedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return outbox.DeadEntry{}, false, nil
		}
		return outbox.DeadEntry{}, false, fmt.Errorf("persistence: get dead letter %d: %w", id, err)
	}
	return e, true, nil
}

func (r *DLQRepository) Delete(ctx context.Context, id int64) error {
	_, err := dbsql.NewDelete(r.db, "outbox_dead_letters").Where("id = ?", id).Exec(ctx)
	if err != nil {
		return fmt.Errorf("persistence: delete dead letter %d: %w", id, err)
	}
	return nil
}

func (r *DLQRepository) Count(ctx context.Context) (int64, error) {
	row := dbsql.NewSelect(r.db, "COUNT(*)").From("outbox_dead_letters").QueryRow(ctx)
	var n int64
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("persistence: count dead letters: %w", err)
	}
	return n, nil
}
