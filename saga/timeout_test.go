package saga

import (
	"context"
	"testing"
	"time"

	"eventsaga/event"
	"eventsaga/eventing/bus"
	"eventsaga/grid"
	"eventsaga/messaging/transport/sync"
)

func newTestSagaBus(t *testing.T) bus.IEventBus {
	t.Helper()
	transport := sync.NewSyncTransport()
	if err := transport.Start(context.Background()); err != nil {
		t.Fatalf("start transport: %v", err)
	}
	t.Cleanup(func() { _ = transport.Close() })
	return bus.NewEventBus(transport, nil)
}

func TestTimeoutDetector_MarksTimedOutAndPublishesEvent(t *testing.T) {
	store := NewStore(grid.NewLocalMap[*State]())
	ctx := context.Background()
	state := NewState("saga-late", "OrderSaga", "corr-1", 1, time.Now().Add(-time.Minute))
	if err := store.Save(ctx, state); err != nil {
		t.Fatalf("Save: %v", err)
	}

	b := newTestSagaBus(t)
	var received *event.Event
	handler := bus.EventHandlerFunc(func(ctx context.Context, ev *event.Event) error {
		received = ev
		return nil
	})
	if err := b.SubscribeEvent(ctx, "SagaTimedOut", handler); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	detector := NewTimeoutDetector(store, nil, nil, b, nil, nil, TimeoutDetectorConfig{})
	detector.sweep(ctx)

	loaded, err := store.Load(ctx, "saga-late")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Status != StatusTimedOut {
		t.Fatalf("status = %v, want TIMED_OUT", loaded.Status)
	}
	if received == nil {
		t.Fatalf("expected SagaTimedOut event to be published")
	}
	if received.SagaID != "saga-late" {
		t.Fatalf("unexpected event saga id: %s", received.SagaID)
	}
}

func TestTimeoutDetector_SecondSweepIsNoOp(t *testing.T) {
	store := NewStore(grid.NewLocalMap[*State]())
	ctx := context.Background()
	state := NewState("saga-late2", "OrderSaga", "", 1, time.Now().Add(-time.Minute))
	if err := store.Save(ctx, state); err != nil {
		t.Fatalf("Save: %v", err)
	}

	publishCount := 0
	b := newTestSagaBus(t)
	handler := bus.EventHandlerFunc(func(ctx context.Context, ev *event.Event) error {
		publishCount++
		return nil
	})
	if err := b.SubscribeEvent(ctx, "SagaTimedOut", handler); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	detector := NewTimeoutDetector(store, nil, nil, b, nil, nil, TimeoutDetectorConfig{})
	detector.sweep(ctx)
	detector.sweep(ctx)

	if publishCount != 1 {
		t.Fatalf("publish count = %d, want 1 (idempotent completeSaga must suppress the second)", publishCount)
	}
}

func TestTimeoutDetector_AutoCompensateRunsCompensations(t *testing.T) {
	store := NewStore(grid.NewLocalMap[*State]())
	ctx := context.Background()
	state := NewState("saga-late3", "OrderSaga", "", 1, time.Now().Add(-time.Minute))
	state.UpsertStep(StepState{StepNumber: 0, StepName: "reserve", Status: StepCompleted})
	if err := store.Save(ctx, state); err != nil {
		t.Fatalf("Save: %v", err)
	}

	var compensated bool
	def := NewDefinition("OrderSaga").
		StepWithCompensation("reserve", "inventory", "InventoryReserved",
			func(ctx context.Context, sctx *Context) (map[string]any, error) { return nil, nil },
			func(ctx context.Context, sctx *Context) error { compensated = true; return nil },
		).
		Build()

	orch := NewOrchestrator(store, nil, nil, nil, nil, Callbacks{})
	lookup := func(sagaType string) (Definition, bool) {
		if sagaType == "OrderSaga" {
			return def, true
		}
		return Definition{}, false
	}

	detector := NewTimeoutDetector(store, lookup, orch, nil, nil, nil, TimeoutDetectorConfig{AutoCompensate: true})
	detector.sweep(ctx)

	if !compensated {
		t.Fatalf("expected auto-compensation to run the declared compensation")
	}
}
