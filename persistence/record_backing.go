package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	core "eventsaga/data/db"
	dbsql "eventsaga/data/db/sql"
	"eventsaga/event"
	"eventsaga/grid"
)

// RecordBacking implements grid.Backing[*event.Record] against the
// `view_records` table, namespaced by mapName so several view stores
// can share one database (spec §6: "(map_name, map_key) composite
// primary key"). Writes are upserts — the view store's "latest state
// only" coalescing semantics (spec §4.O table).
type RecordBacking struct {
	db      core.IDatabase
	mapName string
}

// NewRecordBacking wires a view-record backing store for mapName
// (e.g. "order-view").
func NewRecordBacking(db core.IDatabase, mapName string) *RecordBacking {
	return &RecordBacking{db: db, mapName: mapName}
}

var _ grid.Backing[*event.Record] = (*RecordBacking)(nil)

// PersistBatch upserts every entry in one transaction.
func (b *RecordBacking) PersistBatch(ctx context.Context, entries map[string]*event.Record) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := b.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("persistence: begin view upsert: %w", err)
	}
	for key, rec := range entries {
		payload, err := json.Marshal(rec)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("persistence: marshal view record %s: %w", key, err)
		}
		if err := b.upsert(ctx, tx, key, string(payload)); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("persistence: commit view upsert: %w", err)
	}
	return nil
}

func (b *RecordBacking) upsert(ctx context.Context, db core.IDatabase, key, payload string) error {
	res, err := dbsql.NewUpdate(db, "view_records").
		Set("payload", payload).
		Where("map_name = ?", b.mapName).
		Where("map_key = ?", key).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("persistence: update view record %s: %w", key, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	_, err = dbsql.NewInsert(db, "view_records").
		Columns("map_name", "map_key", "payload").
		Values(b.mapName, key, payload).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("persistence: insert view record %s: %w", key, err)
	}
	return nil
}

// LoadByKey loads a single record for cache-miss hydration.
func (b *RecordBacking) LoadByKey(ctx context.Context, key string) (*event.Record, bool, error) {
	row := dbsql.NewSelect(b.db, "payload").
		From("view_records").
		Where("map_name = ?", b.mapName).
		Where("map_key = ?", key).
		QueryRow(ctx)

	var payload string
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("persistence: load view record %s: %w", key, err)
	}
	var rec event.Record
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return nil, false, fmt.Errorf("persistence: decode view record %s: %w", key, err)
	}
	return &rec, true, nil
}

// LoadAllKeys warms the full map at startup (EAGER load mode).
func (b *RecordBacking) LoadAllKeys(ctx context.Context) (map[string]*event.Record, error) {
	rows, err := dbsql.NewSelect(b.db, "map_key", "payload").
		From("view_records").
		Where("map_name = ?", b.mapName).
		Query(ctx)
	if err != nil {
		return nil, fmt.Errorf("persistence: load all view records: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*event.Record)
	for rows.Next() {
		var key, payload string
		if err := rows.Scan(&key, &payload); err != nil {
			return nil, fmt.Errorf("persistence: scan view record: %w", err)
		}
		var rec event.Record
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			return nil, fmt.Errorf("persistence: decode view record %s: %w", key, err)
		}
		out[key] = &rec
	}
	return out, rows.Err()
}
