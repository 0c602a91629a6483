package view_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eventsaga/event"
	"eventsaga/grid"
	"eventsaga/view"
)

type reserveStock struct {
	qty int
}

func (r reserveStock) EventType() string { return "StockReserved" }
func (r reserveStock) EntityKey() string { return "product-1" }
func (r reserveStock) Payload() (map[string]any, error) {
	return map[string]any{"qty": r.qty}, nil
}
func (r reserveStock) Apply(current *event.Record) (*event.Record, error) {
	rec := current
	if rec == nil {
		rec = event.NewRecord("product-1")
		rec.Set("reserved", 0)
	} else {
		rec = rec.Clone()
	}
	reserved, _ := rec.Get("reserved")
	n, _ := reserved.(int)
	rec.Set("reserved", n+r.qty)
	return rec, nil
}

func TestStore_UpdateAppliesOnTopOfCurrent(t *testing.T) {
	ctx := context.Background()
	store := view.NewStore(grid.NewLocalMap[*event.Record](), nil)

	_, err := store.Update(ctx, "product-1", 1, reserveStock{qty: 2})
	require.NoError(t, err)
	rec, err := store.Update(ctx, "product-1", 2, reserveStock{qty: 3})
	require.NoError(t, err)

	reserved, ok := rec.Get("reserved")
	require.True(t, ok)
	assert.Equal(t, 5, reserved)
	assert.Equal(t, uint64(2), rec.Version)
}

func TestStore_UpdateSerializesConcurrentWritersToSameKey(t *testing.T) {
	ctx := context.Background()
	store := view.NewStore(grid.NewLocalMap[*event.Record](), nil)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(seq uint64) {
			defer wg.Done()
			_, _ = store.Update(ctx, "product-1", seq, reserveStock{qty: 1})
		}(uint64(i + 1))
	}
	wg.Wait()

	rec, ok, err := store.Get(ctx, "product-1")
	require.NoError(t, err)
	require.True(t, ok)
	reserved, _ := rec.Get("reserved")
	assert.Equal(t, 100, reserved, "100 concurrent +1 updates to the same key must not lose any write")
}

func TestStore_RebuildReplaysInOrder(t *testing.T) {
	ctx := context.Background()
	store := view.NewStore(grid.NewLocalMap[*event.Record](), nil)

	events := []*event.Event{
		func() *event.Event { e := event.New("StockReserved", "product-1", map[string]any{"qty": 2}); e.Sequence = 1; return e }(),
		func() *event.Event { e := event.New("StockReserved", "product-1", map[string]any{"qty": 3}); e.Sequence = 2; return e }(),
	}

	toSubmission := func(e *event.Event) (event.Submission, error) {
		qty, _ := e.PayloadMap()["qty"].(float64)
		if qty == 0 {
			if q, ok := e.PayloadMap()["qty"].(int); ok {
				qty = float64(q)
			}
		}
		return reserveStock{qty: int(qty)}, nil
	}

	rec, err := store.Rebuild(ctx, "product-1", events, toSubmission)
	require.NoError(t, err)
	reserved, _ := rec.Get("reserved")
	assert.Equal(t, 5, reserved)
	assert.Equal(t, uint64(2), rec.Version)
}
