// Package pipeline implements the event-sourcing pipeline engine
// (spec §4.D): a fixed worker pool, partitioned so that every event for
// one entity key is always processed by the same worker and therefore
// never reorders relative to another event for that key, running each
// event through the stage sequence enrich -> persist -> update view ->
// publish -> complete.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"eventsaga/event"
	"eventsaga/grid"
	"eventsaga/logging"
	"eventsaga/metrics"
)

// Stage is one step of the pipeline. Returning an error stops the
// event's progress through later stages and routes it to the engine's
// failure handler.
type Stage func(ctx context.Context, ev *event.Event) error

// Engine runs a fixed pool of workers, each bound to its own channel
// via Partitioner.Owner(ev.EntityKey): a worker-pool/channel-per-worker
// shape partitioned by key instead of round-robin, so ordering per
// entity key is preserved end to end.
type Engine struct {
	stages      []Stage
	partitioner *grid.Partitioner
	workers     []chan *event.Event
	names       []string
	log         logging.ILogger
	metrics     *metrics.Registry

	onFailure func(ctx context.Context, ev *event.Event, stage int, err error)

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool

	queueDepth int
}

// Option configures an Engine.
type Option func(*Engine)

// WithQueueDepth overrides the default per-worker channel buffer (128).
func WithQueueDepth(n int) Option {
	return func(e *Engine) { e.queueDepth = n }
}

// WithFailureHandler sets the callback invoked when a stage returns an
// error; by default the event is only logged and dropped.
func WithFailureHandler(f func(ctx context.Context, ev *event.Event, stage int, err error)) Option {
	return func(e *Engine) { e.onFailure = f }
}

// WithMetrics attaches a metrics registry.
func WithMetrics(m *metrics.Registry) Option {
	return func(e *Engine) { e.metrics = m }
}

// New builds an engine with workerCount workers running the given
// stage sequence in order. Worker names run from "worker-0" to
// "worker-<workerCount-1>" and also serve as the partitioner's node set.
func New(workerCount int, stages []Stage, logger logging.ILogger, opts ...Option) *Engine {
	if workerCount <= 0 {
		workerCount = 1
	}
	if logger == nil {
		logger = logging.ComponentLogger("pipeline.engine")
	}
	names := make([]string, workerCount)
	for i := range names {
		names[i] = fmt.Sprintf("worker-%d", i)
	}
	e := &Engine{
		stages:      stages,
		partitioner: grid.NewPartitioner(names),
		names:       names,
		log:         logger,
		stopCh:      make(chan struct{}),
		queueDepth:  128,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.workers = make([]chan *event.Event, workerCount)
	for i := range e.workers {
		e.workers[i] = make(chan *event.Event, e.queueDepth)
	}
	return e
}

// Start launches all worker goroutines.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return
	}
	e.started = true
	e.mu.Unlock()

	for i, ch := range e.workers {
		e.wg.Add(1)
		go e.runWorker(ctx, e.names[i], ch)
	}
}

// Stop closes every worker channel and waits for the workers to exit.
// Each worker drains its queue first, so every event Submit already
// accepted is processed before Stop returns.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	e.mu.Unlock()

	close(e.stopCh)
	for _, ch := range e.workers {
		close(ch)
	}
	e.wg.Wait()
}

// Submit routes ev to the worker owning its entity key. It blocks
// until the worker's queue accepts it, ctx is cancelled, or the engine
// is stopped.
func (e *Engine) Submit(ctx context.Context, ev *event.Event) error {
	owner := e.partitioner.Owner(ev.EntityKey)
	idx := e.indexOf(owner)
	select {
	case <-e.stopCh:
		return fmt.Errorf("pipeline: engine stopped")
	default:
	}
	select {
	case e.workers[idx] <- ev:
		return nil
	case <-e.stopCh:
		return fmt.Errorf("pipeline: engine stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) indexOf(name string) int {
	for i, n := range e.names {
		if n == name {
			return i
		}
	}
	return 0
}

func (e *Engine) runWorker(ctx context.Context, name string, ch chan *event.Event) {
	defer e.wg.Done()
	e.log.Debug(ctx, "pipeline worker started", logging.String("worker", name))

	for ev := range ch {
		e.process(ctx, ev)
	}
	e.log.Debug(ctx, "pipeline worker stopped", logging.String("worker", name))
}

func (e *Engine) process(ctx context.Context, ev *event.Event) {
	start := time.Now()
	for i, stage := range e.stages {
		if err := stage(ctx, ev); err != nil {
			e.log.Warn(ctx, "pipeline stage failed",
				logging.String("entity_key", ev.EntityKey),
				logging.Int("stage", i),
				logging.Error(err))
			if e.metrics != nil {
				e.metrics.Counter("pipeline_stage_failures_total").Inc()
			}
			if e.onFailure != nil {
				e.onFailure(ctx, ev, i, err)
			}
			return
		}
	}
	if e.metrics != nil {
		e.metrics.Histogram("pipeline_event_duration_seconds").Observe(time.Since(start).Seconds())
		e.metrics.Counter("pipeline_events_processed_total").Inc()
	}
}
