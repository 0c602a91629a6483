package saga

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"eventsaga/event"
	"eventsaga/eventing/bus"
	"eventsaga/logging"
	"eventsaga/metrics"
)

// TimeoutDetectorConfig configures the sweeper (spec §4.N).
type TimeoutDetectorConfig struct {
	CheckInterval  time.Duration // default 5s
	BatchSize      int           // default 100
	AutoCompensate bool
}

func (c TimeoutDetectorConfig) withDefaults() TimeoutDetectorConfig {
	if c.CheckInterval <= 0 {
		c.CheckInterval = 5 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	return c
}

// TimeoutDetector is the scheduled sweeper marking sagas past deadline
// (spec §4.N). Grounded on controller/pending.go's pendingCompletions
// sweep loop: same fixed-interval ticker shape, generalized from an
// in-memory TTL eviction to a durable findTimedOut scan.
type TimeoutDetector struct {
	store *Store
	def   DefinitionLookup
	orch  *Orchestrator
	bus   bus.IEventBus
	reg   *metrics.Registry
	log   logging.ILogger
	cfg   TimeoutDetectorConfig

	sweeping int32 // atomic flag: local guard against overlapping sweeps (spec §4.N)

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// DefinitionLookup resolves a saga's Definition by SagaType, needed
// only when AutoCompensate is enabled — the detector must know a
// timed-out saga's steps/compensations to launch compensation for it.
type DefinitionLookup func(sagaType string) (Definition, bool)

// NewTimeoutDetector wires a detector. orch may be nil when
// cfg.AutoCompensate is false.
func NewTimeoutDetector(store *Store, def DefinitionLookup, orch *Orchestrator, b bus.IEventBus, reg *metrics.Registry, log logging.ILogger, cfg TimeoutDetectorConfig) *TimeoutDetector {
	return &TimeoutDetector{
		store:  store,
		def:    def,
		orch:   orch,
		bus:    b,
		reg:    reg,
		log:    log,
		cfg:    cfg.withDefaults(),
		stopCh: make(chan struct{}),
	}
}

// Start launches the sweep loop in the background.
func (d *TimeoutDetector) Start(ctx context.Context) {
	d.wg.Add(1)
	go d.loop(ctx)
}

// Stop halts the sweep loop and waits for any in-flight sweep to
// finish.
func (d *TimeoutDetector) Stop() {
	close(d.stopCh)
	d.wg.Wait()
}

func (d *TimeoutDetector) loop(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.sweep(ctx)
		case <-d.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// sweep runs one detection cycle per spec §4.N's four numbered steps.
// The atomic CAS guard means an overrunning sweep is simply skipped
// next tick rather than stacking concurrent scans on the same node;
// correctness across nodes rests entirely on Store.CompleteSaga's
// idempotent transition, same as the spec notes.
func (d *TimeoutDetector) sweep(ctx context.Context) {
	if !atomic.CompareAndSwapInt32(&d.sweeping, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&d.sweeping, 0)

	timedOut, err := d.store.FindTimedOut(ctx, time.Now(), d.cfg.BatchSize)
	if err != nil {
		if d.log != nil {
			d.log.Error(ctx, "saga: timeout sweep scan failed", logging.Error(err))
		}
		return
	}

	for _, state := range timedOut {
		d.handleTimedOut(ctx, state)
	}
}

func (d *TimeoutDetector) handleTimedOut(ctx context.Context, state *State) {
	final, transitioned, err := d.store.CompleteSaga(ctx, state.SagaID, StatusTimedOut)
	if err != nil {
		if d.log != nil {
			d.log.Error(ctx, "saga: complete timed-out saga failed", logging.String("saga_id", state.SagaID), logging.Error(err))
		}
		return
	}
	if !transitioned {
		// Another node's detector (or the orchestrator itself) already
		// finalized this saga — nothing left to do.
		return
	}

	if d.reg != nil {
		d.reg.Counter("saga.timeout_detected").Inc()
	}

	if d.cfg.AutoCompensate && d.orch != nil && d.def != nil {
		if definition, ok := d.def(final.SagaType); ok {
			d.compensate(ctx, final, definition)
		}
	}

	if d.bus != nil {
		ev := event.New("SagaTimedOut", final.SagaID, map[string]any{
			"sagaId":   final.SagaID,
			"sagaType": final.SagaType,
		})
		ev.SagaID = final.SagaID
		ev.SagaType = final.SagaType
		ev.CorrelationID = final.CorrelationID
		if err := d.bus.PublishEvent(ctx, ev); err != nil && d.log != nil {
			d.log.Warn(ctx, "saga: publish SagaTimedOut failed", logging.String("saga_id", final.SagaID), logging.Error(err))
		}
	}
}

// compensate launches compensation for a saga that timed out before
// completing — reusing the orchestrator's own reverse-order
// compensation walk over the captured post-transition state.
func (d *TimeoutDetector) compensate(ctx context.Context, state *State, def Definition) {
	sctx := NewContext(nil)
	if _, err := d.orch.compensate(ctx, state, def, len(state.Steps)-1, StatusTimedOut, context.DeadlineExceeded, sctx); err != nil && d.log != nil {
		d.log.Error(ctx, "saga: auto-compensation after timeout failed", logging.String("saga_id", state.SagaID), logging.Error(err))
	}
}
