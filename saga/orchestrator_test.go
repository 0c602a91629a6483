package saga

import (
	"context"
	"errors"
	"testing"
	"time"

	"eventsaga/grid"
)

func newTestOrchestrator(callbacks Callbacks) (*Orchestrator, *Store) {
	store := NewStore(grid.NewLocalMap[*State]())
	return NewOrchestrator(store, nil, nil, nil, nil, callbacks), store
}

func TestOrchestrator_AllStepsSucceed(t *testing.T) {
	orch, store := newTestOrchestrator(Callbacks{})
	def := NewDefinition("OrderSaga").
		Step("reserve-inventory", "inventory", "InventoryReserved", func(ctx context.Context, sctx *Context) (map[string]any, error) {
			return map[string]any{"reservationId": "r-1"}, nil
		}).
		Step("charge-payment", "payment", "PaymentCharged", func(ctx context.Context, sctx *Context) (map[string]any, error) {
			if _, ok := sctx.Get("reservationId"); !ok {
				t.Fatalf("expected reservationId to be merged from step 1")
			}
			return map[string]any{"chargeId": "c-1"}, nil
		}).
		Build()

	result, err := orch.Start(context.Background(), "saga-1", "corr-1", def, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if result.State.Status != StatusCompleted {
		t.Fatalf("status = %v, want COMPLETED", result.State.Status)
	}
	if len(result.State.Steps) != 2 {
		t.Fatalf("got %d recorded steps, want 2", len(result.State.Steps))
	}

	loaded, err := store.Load(context.Background(), "saga-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Status != StatusCompleted {
		t.Fatalf("persisted status = %v, want COMPLETED", loaded.Status)
	}
}

var errStepBoom = errors.New("step boom")

func TestOrchestrator_StepFailure_RunsCompensationInReverseOrder(t *testing.T) {
	var compensated []string
	def := NewDefinition("OrderSaga").
		StepWithCompensation("reserve-inventory", "inventory", "InventoryReserved",
			func(ctx context.Context, sctx *Context) (map[string]any, error) { return nil, nil },
			func(ctx context.Context, sctx *Context) error { compensated = append(compensated, "reserve-inventory"); return nil },
		).
		StepWithCompensation("charge-payment", "payment", "PaymentCharged",
			func(ctx context.Context, sctx *Context) (map[string]any, error) { return nil, nil },
			func(ctx context.Context, sctx *Context) error { compensated = append(compensated, "charge-payment"); return nil },
		).
		Step("ship-order", "shipping", "OrderShipped", func(ctx context.Context, sctx *Context) (map[string]any, error) {
			return nil, errStepBoom
		}).
		Build()

	orch, _ := newTestOrchestrator(Callbacks{})
	result, err := orch.Start(context.Background(), "saga-2", "", def, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if result.State.Status != StatusCompensated {
		t.Fatalf("status = %v, want COMPENSATED", result.State.Status)
	}
	if !errors.Is(result.Err, errStepBoom) {
		t.Fatalf("result.Err = %v, want errStepBoom", result.Err)
	}
	if len(compensated) != 2 || compensated[0] != "charge-payment" || compensated[1] != "reserve-inventory" {
		t.Fatalf("unexpected compensation order: %v", compensated)
	}
}

func TestOrchestrator_StepRetriesBeforeSucceeding(t *testing.T) {
	attempts := 0
	def := NewDefinition("RetrySaga").
		Step("flaky", "svc", "Flaky", func(ctx context.Context, sctx *Context) (map[string]any, error) {
			attempts++
			if attempts < 3 {
				return nil, errStepBoom
			}
			return nil, nil
		}).
		WithStepRetry(5, time.Millisecond).
		Build()

	orch, _ := newTestOrchestrator(Callbacks{})
	result, err := orch.Start(context.Background(), "saga-3", "", def, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if result.State.Status != StatusCompleted {
		t.Fatalf("status = %v, want COMPLETED", result.State.Status)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func TestOrchestrator_LifecycleCallbacksFire(t *testing.T) {
	var started, completed bool
	def := NewDefinition("OrderSaga").
		Step("noop", "svc", "Noop", func(ctx context.Context, sctx *Context) (map[string]any, error) { return nil, nil }).
		Build()

	orch, _ := newTestOrchestrator(Callbacks{
		SagaStarted:   func(ctx context.Context, state *State) { started = true },
		SagaCompleted: func(ctx context.Context, state *State) { completed = true },
	})
	if _, err := orch.Start(context.Background(), "saga-4", "", def, nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !started || !completed {
		t.Fatalf("expected both SagaStarted and SagaCompleted to fire, got started=%v completed=%v", started, completed)
	}
}
