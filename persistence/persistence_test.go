package persistence

import (
	"context"
	"testing"
	"time"

	core "eventsaga/data/db"
	"eventsaga/data/db/basic"
	"eventsaga/event"
	"eventsaga/eventing/outbox"

	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) core.IDatabase {
	t.Helper()
	db, err := basic.New(core.DBConfig{
		Driver:       "sqlite",
		Database:     "file::memory:?cache=shared",
		MaxOpenConns: 1,
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	ctx := context.Background()
	if err := Migrate(ctx, db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestEventStore_AppendAndLoad(t *testing.T) {
	db := openTestDB(t)
	store := NewEventStore(db, nil)
	ctx := context.Background()

	ev1 := event.New("OrderCreated", "order-1", map[string]any{"x": 1})
	ev1.Sequence = 1
	ev2 := event.New("OrderUpdated", "order-1", map[string]any{"x": 2})
	ev2.Sequence = 2

	if err := store.AppendEvents(ctx, "order-1", []*event.Event{ev1, ev2}); err != nil {
		t.Fatalf("AppendEvents: %v", err)
	}

	loaded, err := store.LoadEvents(ctx, "order-1")
	if err != nil {
		t.Fatalf("LoadEvents: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("loaded %d events, want 2", len(loaded))
	}
	if loaded[0].Sequence != 1 || loaded[1].Sequence != 2 {
		t.Fatalf("unexpected order: %+v", loaded)
	}
}

func TestEventStore_LoadEventsByType(t *testing.T) {
	db := openTestDB(t)
	store := NewEventStore(db, nil)
	ctx := context.Background()

	ev := event.New("PaymentDeclined", "order-2", nil)
	ev.Sequence = 1
	if err := store.AppendEvents(ctx, "order-2", []*event.Event{ev}); err != nil {
		t.Fatalf("AppendEvents: %v", err)
	}

	byType, err := store.LoadEventsByType(ctx, "PaymentDeclined")
	if err != nil {
		t.Fatalf("LoadEventsByType: %v", err)
	}
	if len(byType) != 1 {
		t.Fatalf("got %d events, want 1", len(byType))
	}
}

func TestRecordBacking_PersistAndLoad(t *testing.T) {
	db := openTestDB(t)
	backing := NewRecordBacking(db, "order-view")
	ctx := context.Background()

	rec := &event.Record{Fields: map[string]any{"status": "PENDING"}}
	if err := backing.PersistBatch(ctx, map[string]*event.Record{"order-1": rec}); err != nil {
		t.Fatalf("PersistBatch: %v", err)
	}

	loaded, ok, err := backing.LoadByKey(ctx, "order-1")
	if err != nil {
		t.Fatalf("LoadByKey: %v", err)
	}
	if !ok {
		t.Fatalf("expected record to be found")
	}
	if loaded.Fields["status"] != "PENDING" {
		t.Fatalf("unexpected record: %+v", loaded)
	}

	// Upsert over the same key must update, not duplicate.
	rec2 := &event.Record{Fields: map[string]any{"status": "SHIPPED"}}
	if err := backing.PersistBatch(ctx, map[string]*event.Record{"order-1": rec2}); err != nil {
		t.Fatalf("PersistBatch (update): %v", err)
	}
	all, err := backing.LoadAllKeys(ctx)
	if err != nil {
		t.Fatalf("LoadAllKeys: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("got %d keys, want 1 (update must not duplicate rows)", len(all))
	}
	if all["order-1"].Fields["status"] != "SHIPPED" {
		t.Fatalf("update did not take effect: %+v", all["order-1"])
	}
}

func TestRecordBacking_LoadByKey_NotFound(t *testing.T) {
	db := openTestDB(t)
	backing := NewRecordBacking(db, "order-view")
	ctx := context.Background()

	_, ok, err := backing.LoadByKey(ctx, "missing")
	if err != nil {
		t.Fatalf("LoadByKey: %v", err)
	}
	if ok {
		t.Fatalf("expected not found")
	}
}

func TestOutboxRepository_ClaimDeliverLifecycle(t *testing.T) {
	db := openTestDB(t)
	repo := NewOutboxRepository(db)
	ctx := context.Background()

	ev := event.New("OrderShipped", "order-3", map[string]any{"a": 1})
	if err := repo.Save(ctx, ev); err != nil {
		t.Fatalf("Save: %v", err)
	}

	claimed, err := repo.ClaimPending(ctx, 10, time.Minute)
	if err != nil {
		t.Fatalf("ClaimPending: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("claimed %d entries, want 1", len(claimed))
	}
	entry := claimed[0]
	if entry.Status != outbox.StatusInFlight {
		t.Fatalf("status = %v, want IN_FLIGHT", entry.Status)
	}

	// A second claim must not pick up the already in-flight entry.
	again, err := repo.ClaimPending(ctx, 10, time.Minute)
	if err != nil {
		t.Fatalf("ClaimPending (again): %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("claimed %d entries on second pass, want 0", len(again))
	}

	if err := repo.MarkDelivered(ctx, entry.ID, entry.ClaimToken); err != nil {
		t.Fatalf("MarkDelivered: %v", err)
	}

	// A stale claim token must be rejected.
	if err := repo.MarkDelivered(ctx, entry.ID, "stale-token"); err == nil {
		t.Fatalf("expected stale claim token to be rejected")
	}
}

func TestOutboxRepository_MarkFailedThenReclaim(t *testing.T) {
	db := openTestDB(t)
	repo := NewOutboxRepository(db)
	ctx := context.Background()

	ev := event.New("OrderShipped", "order-4", nil)
	if err := repo.Save(ctx, ev); err != nil {
		t.Fatalf("Save: %v", err)
	}
	claimed, err := repo.ClaimPending(ctx, 10, time.Minute)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("ClaimPending: %v (%d entries)", err, len(claimed))
	}
	entry := claimed[0]

	updated, err := repo.MarkFailed(ctx, entry.ID, entry.ClaimToken, "boom", time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	if updated.RetryCount != 1 {
		t.Fatalf("retry count = %d, want 1", updated.RetryCount)
	}

	reclaimed, err := repo.ClaimPending(ctx, 10, time.Minute)
	if err != nil {
		t.Fatalf("ClaimPending (retry): %v", err)
	}
	if len(reclaimed) != 1 {
		t.Fatalf("expected the failed entry to be reclaimed, got %d", len(reclaimed))
	}
}

func TestDLQRepository_InsertListCount(t *testing.T) {
	db := openTestDB(t)
	repo := NewDLQRepository(db)
	ctx := context.Background()

	dead := outbox.DeadEntry{
		OriginalEntryID: 1,
		EntityKey:       "order-5",
		EventID:         "evt-1",
		EventType:       "OrderFailed",
		EventData:       `{}`,
		FailureReason:   "retries exhausted",
		RetryCount:      5,
		MovedAt:         time.Now(),
	}
	if err := repo.Insert(ctx, dead); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	count, err := repo.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}

	list, err := repo.List(ctx, 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 || list[0].EventID != "evt-1" {
		t.Fatalf("unexpected list: %+v", list)
	}

	got, ok, err := repo.Get(ctx, list[0].ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok || got.EventID != "evt-1" {
		t.Fatalf("unexpected get result: %+v, ok=%v", got, ok)
	}

	if err := repo.Delete(ctx, got.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	count, err = repo.Count(ctx)
	if err != nil {
		t.Fatalf("Count after delete: %v", err)
	}
	if count != 0 {
		t.Fatalf("count after delete = %d, want 0", count)
	}
}
