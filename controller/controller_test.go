package controller

import (
	"context"
	"errors"
	"testing"
	"time"

	"eventsaga/event"
	"eventsaga/grid"
	"eventsaga/logging"
	"eventsaga/metrics"
	"eventsaga/pipeline"
)

var errFailingStage = errors.New("stage boom")

func newTestController(t *testing.T, stages ...pipeline.Stage) (*Controller, *pipeline.Engine, *metrics.Registry) {
	t.Helper()
	reg := metrics.NewRegistry()
	log := logging.ComponentLogger("controller.test")
	pendingEvents := grid.NewLocalMap[*event.Event]()

	var c *Controller
	allStages := append([]pipeline.Stage{}, stages...)
	engine := pipeline.New(2, nil, log, pipeline.WithMetrics(reg))
	c = New("orders", NewLocalSequenceGenerator(), pendingEvents, engine, reg, log, WithSweepInterval(20*time.Millisecond), WithPendingTTL(80*time.Millisecond))
	allStages = append(allStages, c.CompletionStage())
	engine = pipeline.New(2, allStages, log, pipeline.WithMetrics(reg), pipeline.WithFailureHandler(c.FailureHandler()))
	c.engine = engine
	return c, engine, reg
}

func TestController_HandleEvent_ResolvesSuccess(t *testing.T) {
	c, engine, _ := newTestController(t)
	ctx := context.Background()
	engine.Start(ctx)
	defer engine.Stop()
	c.Start(ctx)
	defer c.Stop()

	ev := event.New("OrderCreated", "order-1", map[string]any{"amount": 10})
	future, err := c.HandleEvent(ctx, ev, "corr-1", nil)
	if err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	info, err := future.Wait(waitCtx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if info.Outcome != OutcomeSuccess {
		t.Fatalf("outcome = %v, want SUCCESS", info.Outcome)
	}
	if info.EntityKey != "order-1" || info.Sequence != 1 {
		t.Fatalf("unexpected completion info: %+v", info)
	}
}

func TestController_HandleEvent_AssignsIncrementingSequence(t *testing.T) {
	c, engine, _ := newTestController(t)
	ctx := context.Background()
	engine.Start(ctx)
	defer engine.Stop()

	for i := uint64(1); i <= 3; i++ {
		ev := event.New("OrderUpdated", "order-1", nil)
		future, err := c.HandleEvent(ctx, ev, "", nil)
		if err != nil {
			t.Fatalf("HandleEvent #%d: %v", i, err)
		}
		if ev.Sequence != i {
			t.Fatalf("sequence = %d, want %d", ev.Sequence, i)
		}
		waitCtx, cancel := context.WithTimeout(ctx, time.Second)
		if _, err := future.Wait(waitCtx); err != nil {
			cancel()
			t.Fatalf("Wait #%d: %v", i, err)
		}
		cancel()
	}
}

func TestController_PipelineFailure_ResolvesPipelineFailed(t *testing.T) {
	failingStage := func(ctx context.Context, ev *event.Event) error {
		return errFailingStage
	}
	c, engine, _ := newTestController(t, failingStage)
	ctx := context.Background()
	engine.Start(ctx)
	defer engine.Stop()

	ev := event.New("OrderCreated", "order-9", nil)
	future, err := c.HandleEvent(ctx, ev, "", nil)
	if err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	info, err := future.Wait(waitCtx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if info.Outcome != OutcomePipelineFailed {
		t.Fatalf("outcome = %v, want PIPELINE_FAILED", info.Outcome)
	}
}

func TestController_Sweep_OrphansStaleEntries(t *testing.T) {
	c, _, reg := newTestController(t)
	ctx := context.Background()
	c.Start(ctx)
	defer c.Stop()

	// Simulate a submission that never reaches the completion stage by
	// adding directly to the pending-completions map, then waiting past
	// the 80ms TTL.
	future := newFuture("order-stuck#1", nil)
	c.pending.add("order-stuck#1", "order-stuck", 1, future)
	time.Sleep(150 * time.Millisecond)

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	info, err := future.Wait(waitCtx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if info.Outcome != OutcomeOrphaned {
		t.Fatalf("outcome = %v, want ORPHANED", info.Outcome)
	}
	if reg.Counter("completions.orphaned").Value() == 0 {
		t.Fatalf("expected completions.orphaned to be incremented")
	}
}
