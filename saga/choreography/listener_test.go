package choreography

import (
	"context"
	"errors"
	"testing"
	"time"

	"eventsaga/event"
	eventbus "eventsaga/eventing/bus"
	"eventsaga/eventing/outbox"
	"eventsaga/grid"
	"eventsaga/idempotency"
	"eventsaga/messaging/transport/sync"
	"eventsaga/saga"
)

func newTestBus(t *testing.T) eventbus.IEventBus {
	t.Helper()
	transport := sync.NewSyncTransport()
	if err := transport.Start(context.Background()); err != nil {
		t.Fatalf("start transport: %v", err)
	}
	t.Cleanup(func() { _ = transport.Close() })
	return eventbus.NewEventBus(transport, nil)
}

func TestListener_SuccessPublishesNextEvent(t *testing.T) {
	b := newTestBus(t)
	store := saga.NewStore(grid.NewLocalMap[*saga.State]())
	ctx := context.Background()

	state := saga.NewState("saga-1", "OrderSaga", "", 2, time.Now().Add(time.Minute))
	if err := store.Save(ctx, state); err != nil {
		t.Fatalf("Save: %v", err)
	}

	var received *event.Event
	nextHandler := eventbus.EventHandlerFunc(func(ctx context.Context, ev *event.Event) error {
		received = ev
		return nil
	})
	if err := b.SubscribeEvent(ctx, "PaymentCharged", nextHandler); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	listener := NewListener(b, store, idempotency.NewLocalGuard(0), nil, nil, nil, nil, nil)
	listener.Register(StepConfig{
		EventType:     "InventoryReserved",
		StepName:      "reserve-inventory",
		Service:       "inventory",
		NextEventType: "PaymentCharged",
		Handler: func(ctx context.Context, ev *event.Event) (map[string]any, error) {
			return map[string]any{"reservationId": "r-1"}, nil
		},
	})
	if err := listener.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ev := event.New("InventoryReserved", "order-1", nil)
	ev.SagaID = "saga-1"
	ev.SagaType = "OrderSaga"
	if err := b.PublishEvent(ctx, ev); err != nil {
		t.Fatalf("PublishEvent: %v", err)
	}

	if received == nil {
		t.Fatalf("expected next event to be published")
	}
	if received.PayloadMap()["reservationId"] != "r-1" {
		t.Fatalf("unexpected next event payload: %+v", received.PayloadMap())
	}

	loaded, err := store.Load(ctx, "saga-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded.Steps) != 1 || loaded.Steps[0].Status != saga.StepCompleted {
		t.Fatalf("unexpected saga steps: %+v", loaded.Steps)
	}
}

func TestListener_DuplicateEventSkipped(t *testing.T) {
	b := newTestBus(t)
	store := saga.NewStore(grid.NewLocalMap[*saga.State]())
	ctx := context.Background()
	state := saga.NewState("saga-2", "OrderSaga", "", 1, time.Now().Add(time.Minute))
	if err := store.Save(ctx, state); err != nil {
		t.Fatalf("Save: %v", err)
	}

	calls := 0
	listener := NewListener(b, store, idempotency.NewLocalGuard(0), nil, nil, nil, nil, nil)
	listener.Register(StepConfig{
		EventType: "InventoryReserved",
		StepName:  "reserve-inventory",
		Service:   "inventory",
		Handler: func(ctx context.Context, ev *event.Event) (map[string]any, error) {
			calls++
			return nil, nil
		},
	})
	if err := listener.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ev := event.New("InventoryReserved", "order-2", nil)
	ev.SagaID = "saga-2"
	for i := 0; i < 2; i++ {
		if err := b.PublishEvent(ctx, ev); err != nil {
			t.Fatalf("PublishEvent: %v", err)
		}
	}
	if calls != 1 {
		t.Fatalf("handler called %d times, want 1 (duplicate should be skipped)", calls)
	}
}

var errStepBoom = errors.New("step boom")

func TestListener_FailurePublishesCompensationForPrecedingSteps(t *testing.T) {
	b := newTestBus(t)
	store := saga.NewStore(grid.NewLocalMap[*saga.State]())
	ctx := context.Background()
	state := saga.NewState("saga-3", "OrderSaga", "", 2, time.Now().Add(time.Minute))
	state.UpsertStep(saga.StepState{StepNumber: 0, StepName: "reserve-inventory", EventType: "InventoryReserved", Status: saga.StepCompleted})
	if err := store.Save(ctx, state); err != nil {
		t.Fatalf("Save: %v", err)
	}

	var compensations []string
	compHandler := eventbus.EventHandlerFunc(func(ctx context.Context, ev *event.Event) error {
		compensations = append(compensations, ev.GetType())
		return nil
	})
	if err := b.SubscribeEvent(ctx, "InventoryReleased", compHandler); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	registry := NewRegistry()
	registry.Register("InventoryReserved", Compensation{CompensatingEventType: "InventoryReleased", Service: "inventory"})

	dlq := outbox.NewDLQ(outbox.NewMemoryDLQRepository(), nil, 1)

	listener := NewListener(b, store, idempotency.NewLocalGuard(0), nil, dlq, registry, nil, nil)
	listener.Register(StepConfig{
		EventType: "PaymentCharged",
		StepName:  "charge-payment",
		Service:   "payment",
		Handler: func(ctx context.Context, ev *event.Event) (map[string]any, error) {
			return nil, errStepBoom
		},
	})
	if err := listener.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ev := event.New("PaymentCharged", "order-3", nil)
	ev.SagaID = "saga-3"
	ev.StepNumber = 1
	if err := b.PublishEvent(ctx, ev); err != nil {
		t.Fatalf("PublishEvent: %v", err)
	}

	if len(compensations) != 1 || compensations[0] != "InventoryReleased" {
		t.Fatalf("unexpected compensations published: %v", compensations)
	}

	loaded, err := store.Load(ctx, "saga-3")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Status != saga.StatusCompensated {
		t.Fatalf("status = %v, want COMPENSATED", loaded.Status)
	}

	count, err := dlq.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 1 {
		t.Fatalf("dlq count = %d, want 1", count)
	}
}
