package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	core "eventsaga/data/db"
	dbsql "eventsaga/data/db/sql"
	"eventsaga/event"
	"eventsaga/eventing/outbox"
)

// OutboxRepository implements outbox.Repository against the
// `outbox_entries` table.
type OutboxRepository struct {
	db core.IDatabase
}

// NewOutboxRepository wires an outbox repository over db.
func NewOutboxRepository(db core.IDatabase) *OutboxRepository {
	return &OutboxRepository{db: db}
}

var _ outbox.Repository = (*OutboxRepository)(nil)

// Save inserts a new pending entry for ev.
func (r *OutboxRepository) Save(ctx context.Context, ev *event.Event) error {
	entry, err := outbox.EventToEntry(ev)
	if err != nil {
		return err
	}
	_, err = dbsql.NewInsert(r.db, "outbox_entries").
		Columns("entity_key", "event_id", "event_type", "event_data", "status", "created_at", "retry_count").
		Values(entry.EntityKey, entry.EventID, entry.EventType, entry.EventData, string(entry.Status), entry.CreatedAt, entry.RetryCount).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("persistence: save outbox entry: %w", err)
	}
	return nil
}

func (r *OutboxRepository) ClaimPending(ctx context.Context, limit int, claimTTL time.Duration) ([]outbox.Entry, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("persistence: begin claim: %w", err)
	}

	now := time.Now()
	rows, err := dbsql.NewSelect(tx, "id", "entity_key", "event_id", "event_type", "event_data", "status",
		"claim_token", "claimed_at", "created_at", "delivered_at", "retry_count", "last_error", "next_retry_at").
		From("outbox_entries").
		Where("status = ?", string(outbox.StatusPending)).
		Or("(status = ? AND next_retry_at <= ?)", string(outbox.StatusFailed), now).
		OrderBy("created_at").
		Limit(limit).
		Query(ctx)
	if err != nil {
		_ = tx.Rollback()
		return nil, fmt.Errorf("persistence: claim select: %w", err)
	}
	entries, err := scanOutboxEntries(rows)
	rows.Close()
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}

	claimedAt := time.Now()
	for i := range entries {
		token := fmt.Sprintf("%s-%d", entries[i].EventID, claimedAt.UnixNano())
		_, err := dbsql.NewUpdate(tx, "outbox_entries").
			Set("status", string(outbox.StatusInFlight)).
			Set("claim_token", token).
			Set("claimed_at", claimedAt).
			Where("id = ?", entries[i].ID).
			Exec(ctx)
		if err != nil {
			_ = tx.Rollback()
			return nil, fmt.Errorf("persistence: claim entry %d: %w", entries[i].ID, err)
		}
		entries[i].Status = outbox.StatusInFlight
		entries[i].ClaimToken = token
		entries[i].ClaimedAt = &claimedAt
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("persistence: commit claim: %w", err)
	}
	return entries, nil
}

func (r *OutboxRepository) MarkDelivered(ctx context.Context, id int64, claimToken string) error {
	now := time.Now()
	res, err := dbsql.NewUpdate(r.db, "outbox_entries").
		Set("status", string(outbox.StatusDelivered)).
		Set("delivered_at", now).
		Where("id = ?", id).
		Where("claim_token = ?", claimToken).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("persistence: mark delivered %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("persistence: mark delivered %d: claim token stale or entry missing", id)
	}
	return nil
}

func (r *OutboxRepository) MarkFailed(ctx context.Context, id int64, claimToken, errMsg string, nextRetryAt time.Time) (outbox.Entry, error) {
	res, err := dbsql.NewUpdate(r.db, "outbox_entries").
		Set("status", string(outbox.StatusFailed)).
		SetExpr("retry_count = retry_count + 1").
		Set("last_error", errMsg).
		Set("next_retry_at", nextRetryAt).
		Where("id = ?", id).
		Where("claim_token = ?", claimToken).
		Exec(ctx)
	if err != nil {
		return outbox.Entry{}, fmt.Errorf("persistence: mark failed %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return outbox.Entry{}, fmt.Errorf("persistence: mark failed %d: claim token stale or entry missing", id)
	}
	return r.getByID(ctx, id)
}

func (r *OutboxRepository) ReclaimStale(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := dbsql.NewUpdate(r.db, "outbox_entries").
		Set("status", string(outbox.StatusPending)).
		Set("claim_token", "").
		Where("status = ?", string(outbox.StatusInFlight)).
		Where("claimed_at < ?", olderThan).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("persistence: reclaim stale: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *OutboxRepository) DeleteDelivered(ctx context.Context, olderThan time.Time) error {
	_, err := dbsql.NewDelete(r.db, "outbox_entries").
		Where("status = ?", string(outbox.StatusDelivered)).
		Where("delivered_at < ?", olderThan).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("persistence: delete delivered: %w", err)
	}
	return nil
}

func (r *OutboxRepository) getByID(ctx context.Context, id int64) (outbox.Entry, error) {
	row := dbsql.NewSelect(r.db, "id", "entity_key", "event_id", "event_type", "event_data", "status",
		"claim_token", "claimed_at", "created_at", "delivered_at", "retry_count", "last_error", "next_retry_at").
		From("outbox_entries").
		Where("id = ?", id).
		QueryRow(ctx)
	return scanOutboxEntry(row)
}

func scanOutboxEntries(rows core.IRows) ([]outbox.Entry, error) {
	var out []outbox.Entry
	for rows.Next() {
		e, err := scanOutboxEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// scannable is satisfied by both core.IRow and core.IRows.
type scannable interface {
	Scan(dest ...any) error
}

func scanOutboxEntry(row scannable) (outbox.Entry, error) {
	var (
		e                      outbox.Entry
		status                 string
		claimToken, lastError  string
		claimedAt, deliveredAt sql.NullTime
		nextRetryAt            sql.NullTime
	)
	err := row.Scan(&e.ID, &e.EntityKey, &e.EventID, &e.EventType, &e.EventData, &status,
		&claimToken, &claimedAt, &e.CreatedAt, &deliveredAt, &e.RetryCount, &lastError, &nextRetryAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return outbox.Entry{}, fmt.Errorf("persistence: outbox entry not found: %w", err)
		}
		return outbox.Entry{}, fmt.Errorf("persistence: scan outbox entry: %w", err)
	}
	e.Status = outbox.Status(status)
	e.ClaimToken = claimToken
	e.LastError = lastError
	if claimedAt.Valid {
		e.ClaimedAt = &claimedAt.Time
	}
	if deliveredAt.Valid {
		e.DeliveredAt = &deliveredAt.Time
	}
	if nextRetryAt.Valid {
		e.NextRetryAt = &nextRetryAt.Time
	}
	return e, nil
}
