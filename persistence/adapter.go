package persistence

import (
	"context"
	"fmt"

	core "eventsaga/data/db"
	"eventsaga/data/db/basic"
	"eventsaga/eventing/outbox"
	"eventsaga/eventing/store"
	"eventsaga/metrics"

	_ "modernc.org/sqlite" // registers the "sqlite" driver basic.New opens by name
)

// Adapter bundles every relational-backed boundary the rest of the
// system talks to: the event store's BackingStore, the outbox and DLQ
// repositories. It is the single thing the composition root
// constructs and wires everywhere eventing/store.BackingStore,
// outbox.Repository, or outbox.DLQRepository is needed (spec §4.O:
// "persistence.Adapter implements BackingStore").
type Adapter struct {
	cfg Config
	db  core.IDatabase

	Events *EventStore
	Outbox *OutboxRepository
	DLQ    *DLQRepository
}

// Open opens the configured database, migrates the schema, and wires
// every repository. Callers should Close the returned Adapter's
// underlying connection when done.
func Open(ctx context.Context, cfg Config, reg *metrics.Registry) (*Adapter, error) {
	db, err := basic.New(cfg.DB)
	if err != nil {
		return nil, fmt.Errorf("persistence: open: %w", err)
	}
	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Adapter{
		cfg:    cfg,
		db:     db,
		Events: NewEventStore(db, reg),
		Outbox: NewOutboxRepository(db),
		DLQ:    NewDLQRepository(db),
	}, nil
}

// Close closes the underlying database connection.
func (a *Adapter) Close() error {
	return a.db.Close()
}

// RecordBacking wires a grid.Backing for the named view map, sharing
// this adapter's connection (spec §4.O: one database fronting both the
// event store and every view store).
func (a *Adapter) RecordBacking(mapName string) *RecordBacking {
	return NewRecordBacking(a.db, mapName)
}

var _ store.BackingStore = (*EventStore)(nil)
var _ outbox.Repository = (*OutboxRepository)(nil)
