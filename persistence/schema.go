package persistence

import (
	"context"
	"fmt"

	core "eventsaga/data/db"
)

// schema is the DDL for every table the adapter owns, grounded on spec
// §6's "Persistence schema" paragraph: the event table's columns and
// unique/index set, and the view table's composite key.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS events (
		event_id       TEXT PRIMARY KEY,
		entity_key     TEXT NOT NULL,
		entity_type    TEXT NOT NULL DEFAULT '',
		event_type     TEXT NOT NULL,
		payload        TEXT NOT NULL,
		correlation_id TEXT NOT NULL DEFAULT '',
		saga_id        TEXT NOT NULL DEFAULT '',
		sequence       INTEGER NOT NULL,
		created_at     DATETIME NOT NULL,
		UNIQUE(entity_key, sequence)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_event_type ON events(event_type)`,
	`CREATE INDEX IF NOT EXISTS idx_events_saga_id ON events(saga_id)`,
	`CREATE INDEX IF NOT EXISTS idx_events_created_at ON events(created_at)`,

	`CREATE TABLE IF NOT EXISTS view_records (
		map_name TEXT NOT NULL,
		map_key  TEXT NOT NULL,
		payload  TEXT NOT NULL,
		PRIMARY KEY (map_name, map_key)
	)`,

	`CREATE TABLE IF NOT EXISTS outbox_entries (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		entity_key    TEXT NOT NULL,
		event_id      TEXT NOT NULL,
		event_type    TEXT NOT NULL,
		event_data    TEXT NOT NULL,
		status        TEXT NOT NULL,
		claim_token   TEXT NOT NULL DEFAULT '',
		claimed_at    DATETIME,
		created_at    DATETIME NOT NULL,
		delivered_at  DATETIME,
		retry_count   INTEGER NOT NULL DEFAULT 0,
		last_error    TEXT NOT NULL DEFAULT '',
		next_retry_at DATETIME
	)`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_status ON outbox_entries(status)`,

	`CREATE TABLE IF NOT EXISTS outbox_dead_letters (
		id                INTEGER PRIMARY KEY AUTOINCREMENT,
		original_entry_id INTEGER NOT NULL,
		entity_key        TEXT NOT NULL,
		event_id          TEXT NOT NULL,
		event_type        TEXT NOT NULL,
		event_data        TEXT NOT NULL,
		failure_reason    TEXT NOT NULL DEFAULT '',
		retry_count       INTEGER NOT NULL DEFAULT 0,
		moved_at          DATETIME NOT NULL
	)`,
}

// Migrate creates every table the adapter needs if they don't already
// exist. Safe to call on every startup.
func Migrate(ctx context.Context, db core.IDatabase) error {
	for _, stmt := range schema {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("persistence: migrate: %w", err)
		}
	}
	return nil
}
