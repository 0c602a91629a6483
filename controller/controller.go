// Package controller implements the event sourcing controller (spec
// §4.A): the public entry point that stamps, sequences, and enqueues a
// domain event, handing the caller a future that resolves once the
// pipeline (eventsaga/pipeline) completes it.
package controller

import (
	"context"
	"fmt"
	"sync"
	"time"

	apperrors "eventsaga/errors"
	"eventsaga/event"
	"eventsaga/grid"
	"eventsaga/logging"
	"eventsaga/metrics"
	"eventsaga/pipeline"
)

// SagaMetadata carries the optional saga-correlation fields stamped
// onto an event at submission (spec §4.A step 1).
type SagaMetadata struct {
	SagaID         string
	SagaType       string
	StepNumber     int
	IsCompensating bool
}

// Controller is the per-service event sourcing controller.
type Controller struct {
	service string

	seq           SequenceGenerator
	pendingEvents grid.Map[*event.Event]
	pending       *pendingCompletions
	engine        *pipeline.Engine
	reg           *metrics.Registry
	log           logging.ILogger

	sweepInterval time.Duration
	stopCh        chan struct{}
	wg            sync.WaitGroup
	mu            sync.Mutex
	started       bool
}

// Option configures a Controller.
type Option func(*Controller)

// WithSweepInterval overrides the default 5-second sweeper tick.
func WithSweepInterval(d time.Duration) Option {
	return func(c *Controller) { c.sweepInterval = d }
}

// WithPendingTTL overrides the default 30-second pending-completion
// eviction window (spec §4.A).
func WithPendingTTL(d time.Duration) Option {
	return func(c *Controller) { c.pending.ttl = d }
}

// New builds a Controller for service, leasing sequences from seq,
// recording submitted-but-not-yet-completed events into pendingEvents
// (the durable trigger map, spec §4.A step 5), and submitting accepted
// events onto engine for processing.
func New(service string, seq SequenceGenerator, pendingEvents grid.Map[*event.Event], engine *pipeline.Engine, reg *metrics.Registry, log logging.ILogger, opts ...Option) *Controller {
	if log == nil {
		log = logging.ComponentLogger("controller")
	}
	c := &Controller{
		service:       service,
		seq:           seq,
		pendingEvents: pendingEvents,
		pending:       newPendingCompletions(30*time.Second, reg),
		engine:        engine,
		reg:           reg,
		log:           log,
		sweepInterval: 5 * time.Second,
		stopCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start launches the pending-completions sweeper goroutine.
func (c *Controller) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	c.wg.Add(1)
	go c.sweepLoop(ctx)
}

// Stop halts the sweeper. In-flight futures are left unresolved; the
// pipeline still completes them if it is running independently.
func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	c.mu.Unlock()

	close(c.stopCh)
	c.wg.Wait()
}

func (c *Controller) sweepLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := c.pending.sweep(time.Now()); n > 0 {
				c.log.Warn(ctx, "pending completions orphaned", logging.Int("count", n))
			}
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// HandleEvent is the controller's public operation (spec §4.A).
// Failure before the event is durably recorded in the pending-events
// map is classified SUBMISSION_FAILED and returned synchronously —
// the event never enters the pipeline and no Future is produced.
func (c *Controller) HandleEvent(ctx context.Context, ev *event.Event, correlationID string, saga *SagaMetadata) (*Future, error) {
	now := time.Now()
	ev.SubmittedAt = now
	ev.Source = c.service
	if correlationID != "" {
		ev.CorrelationID = correlationID
	}
	if saga != nil {
		ev.SagaID = saga.SagaID
		ev.SagaType = saga.SagaType
		ev.StepNumber = saga.StepNumber
		ev.IsCompensating = saga.IsCompensating
	}

	seq, err := c.seq.Next(ctx, ev.EntityKey)
	if err != nil {
		return nil, c.submissionFailed(ctx, ev, fmt.Errorf("assign sequence: %w", err))
	}
	ev.Sequence = seq

	psk := event.PartitionedSequenceKey[string]{Sequence: seq, EntityKey: ev.EntityKey}
	key := psk.Key()

	future := newFuture(key, func() { c.pending.remove(key) })
	c.pending.add(key, ev.EntityKey, seq, future)

	if err := c.pendingEvents.Put(ctx, key, ev); err != nil {
		c.pending.remove(key)
		return nil, c.submissionFailed(ctx, ev, fmt.Errorf("write pending event: %w", err))
	}

	if err := c.engine.Submit(ctx, ev); err != nil {
		c.pending.remove(key)
		_ = c.pendingEventsDelete(ctx, key)
		return nil, c.submissionFailed(ctx, ev, fmt.Errorf("submit to pipeline: %w", err))
	}

	if c.reg != nil {
		c.reg.Counter("events.submitted").Inc()
		c.reg.Gauge("pending.events").Inc()
	}
	return future, nil
}

func (c *Controller) pendingEventsDelete(ctx context.Context, key string) error {
	return c.pendingEvents.Delete(ctx, key)
}

func (c *Controller) submissionFailed(ctx context.Context, ev *event.Event, cause error) error {
	c.log.Error(ctx, "handleEvent submission failed",
		logging.String("entity_key", ev.EntityKey),
		logging.Error(cause))
	if c.reg != nil {
		c.reg.Counter("events.failed").Inc()
	}
	return apperrors.NewErrorWithCause(apperrors.ErrCodeInternal, "SUBMISSION_FAILED", cause)
}

// CompletionStage returns the terminal pipeline stage (spec §4.D step
// 6): it resolves the matching future with OutcomeSuccess and removes
// the event from both the pending-completions map and the durable
// pending-events map. Wire it as the last stage passed to
// pipeline.New.
func (c *Controller) CompletionStage() pipeline.Stage {
	return func(ctx context.Context, ev *event.Event) error {
		c.complete(ctx, ev, OutcomeSuccess, nil)
		return nil
	}
}

// FailureHandler returns a pipeline.Engine failure handler (wire via
// pipeline.WithFailureHandler) that resolves the event's future with
// OutcomePipelineFailed instead of leaving it to the sweeper.
func (c *Controller) FailureHandler() func(ctx context.Context, ev *event.Event, stage int, err error) {
	return func(ctx context.Context, ev *event.Event, _ int, err error) {
		c.complete(ctx, ev, OutcomePipelineFailed, err)
	}
}

func (c *Controller) complete(ctx context.Context, ev *event.Event, outcome Outcome, cause error) {
	psk := event.PartitionedSequenceKey[string]{Sequence: ev.Sequence, EntityKey: ev.EntityKey}
	key := psk.Key()

	entry, ok := c.pending.remove(key)
	_ = c.pendingEventsDelete(ctx, key)
	if c.reg != nil {
		c.reg.Gauge("pending.events").Dec()
		if outcome == OutcomeSuccess {
			c.reg.Counter("events.processed").Inc()
		}
	}
	if !ok {
		// Already orphaned by the sweeper, or duplicate completion —
		// nothing left to resolve.
		return
	}
	entry.future.resolve(CompletionInfo{
		EntityKey:   ev.EntityKey,
		Sequence:    ev.Sequence,
		Outcome:     outcome,
		Err:         cause,
		CompletedAt: time.Now(),
	})
}
