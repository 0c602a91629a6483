package saga

import (
	"context"
	"testing"
	"time"

	"eventsaga/grid"
)

func newTestStore() *Store {
	return NewStore(grid.NewLocalMap[*State]())
}

func TestStore_SaveAndLoad(t *testing.T) {
	store := newTestStore()
	ctx := context.Background()

	state := NewState("saga-1", "OrderSaga", "corr-1", 2, time.Now().Add(time.Minute))
	if err := store.Save(ctx, state); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := store.Load(ctx, "saga-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Status != StatusStarted {
		t.Fatalf("status = %v, want STARTED", loaded.Status)
	}
}

func TestStore_Load_NotFound(t *testing.T) {
	store := newTestStore()
	_, err := store.Load(context.Background(), "missing")
	if err != ErrSagaNotFound {
		t.Fatalf("err = %v, want ErrSagaNotFound", err)
	}
}

func TestStore_UpdateOrAddStep_AppendsThenOverwrites(t *testing.T) {
	store := newTestStore()
	ctx := context.Background()
	state := NewState("saga-2", "OrderSaga", "", 2, time.Now().Add(time.Minute))
	if err := store.Save(ctx, state); err != nil {
		t.Fatalf("Save: %v", err)
	}

	updated, err := store.UpdateOrAddStep(ctx, "saga-2", StepState{StepNumber: 0, StepName: "reserve", Status: StepCompleted}, StatusInProgress)
	if err != nil {
		t.Fatalf("UpdateOrAddStep: %v", err)
	}
	if len(updated.Steps) != 1 || updated.Steps[0].Status != StepCompleted {
		t.Fatalf("unexpected steps: %+v", updated.Steps)
	}
	if updated.CurrentStep != 1 {
		t.Fatalf("current step = %d, want 1", updated.CurrentStep)
	}

	// Overwrite by step number, not a second append.
	updated, err = store.UpdateOrAddStep(ctx, "saga-2", StepState{StepNumber: 0, StepName: "reserve", Status: StepFailed, FailureReason: "boom"}, StatusCompensating)
	if err != nil {
		t.Fatalf("UpdateOrAddStep (overwrite): %v", err)
	}
	if len(updated.Steps) != 1 || updated.Steps[0].Status != StepFailed {
		t.Fatalf("expected in-place overwrite, got %+v", updated.Steps)
	}
}

func TestStore_CompleteSaga_IdempotentTerminalTransition(t *testing.T) {
	store := newTestStore()
	ctx := context.Background()
	state := NewState("saga-3", "OrderSaga", "", 1, time.Now().Add(time.Minute))
	if err := store.Save(ctx, state); err != nil {
		t.Fatalf("Save: %v", err)
	}

	updated, transitioned, err := store.CompleteSaga(ctx, "saga-3", StatusCompleted)
	if err != nil {
		t.Fatalf("CompleteSaga: %v", err)
	}
	if !transitioned {
		t.Fatalf("expected first CompleteSaga call to transition")
	}
	if updated.Status != StatusCompleted || updated.CompletedAt.IsZero() {
		t.Fatalf("unexpected state: %+v", updated)
	}

	// Second call must be a no-op: already terminal.
	again, transitioned, err := store.CompleteSaga(ctx, "saga-3", StatusFailed)
	if err != nil {
		t.Fatalf("CompleteSaga (second): %v", err)
	}
	if transitioned {
		t.Fatalf("expected second CompleteSaga call not to transition")
	}
	if again.Status != StatusCompleted {
		t.Fatalf("status changed on second call: %v", again.Status)
	}
}

func TestStore_GetByStatusAndCorrelationID(t *testing.T) {
	store := newTestStore()
	ctx := context.Background()

	s1 := NewState("saga-a", "OrderSaga", "corr-x", 1, time.Now().Add(time.Minute))
	s2 := NewState("saga-b", "OrderSaga", "corr-x", 1, time.Now().Add(time.Minute))
	s3 := NewState("saga-c", "OrderSaga", "corr-y", 1, time.Now().Add(time.Minute))
	for _, s := range []*State{s1, s2, s3} {
		if err := store.Save(ctx, s); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}
	if _, _, err := store.CompleteSaga(ctx, "saga-c", StatusCompleted); err != nil {
		t.Fatalf("CompleteSaga: %v", err)
	}

	started, err := store.GetByStatus(ctx, StatusStarted, 0)
	if err != nil {
		t.Fatalf("GetByStatus: %v", err)
	}
	if len(started) != 2 {
		t.Fatalf("got %d STARTED sagas, want 2", len(started))
	}

	byCorr, err := store.GetByCorrelationID(ctx, "corr-x")
	if err != nil {
		t.Fatalf("GetByCorrelationID: %v", err)
	}
	if len(byCorr) != 2 {
		t.Fatalf("got %d sagas for corr-x, want 2", len(byCorr))
	}
}

func TestStore_FindTimedOut(t *testing.T) {
	store := newTestStore()
	ctx := context.Background()

	past := NewState("saga-late", "OrderSaga", "", 1, time.Now().Add(-time.Minute))
	future := NewState("saga-ontime", "OrderSaga", "", 1, time.Now().Add(time.Hour))
	if err := store.Save(ctx, past); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := store.Save(ctx, future); err != nil {
		t.Fatalf("Save: %v", err)
	}

	timedOut, err := store.FindTimedOut(ctx, time.Now(), 100)
	if err != nil {
		t.Fatalf("FindTimedOut: %v", err)
	}
	if len(timedOut) != 1 || timedOut[0].SagaID != "saga-late" {
		t.Fatalf("unexpected result: %+v", timedOut)
	}
}
