package saga

import (
	"context"
	"fmt"
	"time"

	apperrors "eventsaga/errors"
	"eventsaga/logging"
	"eventsaga/metrics"
	"eventsaga/resilience"
)

// Callbacks are the orchestrator's lifecycle hooks (spec §4.M:
// "sagaStarted, stepStarted, stepCompleted, stepFailed, sagaCompleted,
// sagaCompensated, sagaTimedOut"). Every field is optional.
type Callbacks struct {
	SagaStarted     func(ctx context.Context, state *State)
	StepStarted     func(ctx context.Context, state *State, step Step)
	StepCompleted   func(ctx context.Context, state *State, step Step, data map[string]any)
	StepFailed      func(ctx context.Context, state *State, step Step, err error)
	SagaCompleted   func(ctx context.Context, state *State)
	SagaCompensated func(ctx context.Context, state *State, cause error)
	SagaTimedOut    func(ctx context.Context, state *State)
}

// Result is what Start returns once a saga instance reaches a terminal
// status.
type Result struct {
	State *State
	Err   error
}

// Orchestrator drives a Definition through its steps as a state
// machine (spec §4.M): STARTED -> EXECUTING_i -> ... -> COMPLETED, with
// STEP_i_FAILED/STEP_i_TIMEOUT branching into reverse-order
// compensation. Grounded on patterns/saga (the teacher's now-deleted
// CommandBus-driven engine) for the overall shape — retry/circuit
// breaker per step, idempotency-guarded execution, lifecycle
// callbacks — rewired onto resilience.CircuitBreaker/resilience.Retry
// and idempotency.Guard instead of a command bus.
type Orchestrator struct {
	store     *Store
	breakers  *resilience.Registry
	guard     idempotencyGuard
	reg       *metrics.Registry
	log       logging.ILogger
	callbacks Callbacks
}

// idempotencyGuard is the subset of idempotency.Guard the orchestrator
// needs, declared locally so this package doesn't import idempotency
// just for one method's type.
type idempotencyGuard interface {
	TryProcess(ctx context.Context, eventID string) (bool, error)
}

// NewOrchestrator wires an orchestrator. breakers may be nil to skip
// circuit-breaker protection (tests); guard may be nil to skip
// idempotency checks.
func NewOrchestrator(store *Store, breakers *resilience.Registry, guard idempotencyGuard, reg *metrics.Registry, log logging.ILogger, callbacks Callbacks) *Orchestrator {
	return &Orchestrator{
		store:     store,
		breakers:  breakers,
		guard:     guard,
		reg:       reg,
		log:       log,
		callbacks: callbacks,
	}
}

// Start runs def to completion, blocking the caller. It creates and
// saves the initial STARTED record, executes every step in order, and
// on any step's terminal failure runs compensation in reverse order
// before returning. When a step fails, the Result carries the saga's
// final State and the step's error in Err, and the returned error is
// nil; when a saga-store call fails, Start returns a nil Result and
// that error.
func (o *Orchestrator) Start(ctx context.Context, sagaID, correlationID string, def Definition, sctx *Context) (*Result, error) {
	if sctx == nil {
		sctx = NewContext(nil)
	}
	deadline := time.Now().Add(def.Timeout)
	state := NewState(sagaID, def.SagaType, correlationID, len(def.Steps), deadline)
	if err := o.store.Save(ctx, state); err != nil {
		return nil, fmt.Errorf("saga: start %s: %w", sagaID, err)
	}
	o.emitSagaStarted(ctx, state)

	runCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	for i, step := range def.Steps {
		data, err := o.runStep(runCtx, state, i, step, sctx)
		if err == nil {
			state, err = o.store.UpdateOrAddStep(ctx, sagaID, StepState{
				StepNumber: i,
				StepName:   step.Name,
				Service:    step.Service,
				EventType:  step.EventType,
				Status:     StepCompleted,
				Timestamp:  time.Now(),
			}, StatusInProgress)
			if err != nil {
				return nil, fmt.Errorf("saga: record step %d: %w", i, err)
			}
			o.emitStepCompleted(ctx, state, step, data)
			continue
		}

		failedStatus := StatusFailed
		if runCtx.Err() == context.DeadlineExceeded {
			failedStatus = StatusTimedOut
		}
		var recErr error
		state, recErr = o.store.UpdateOrAddStep(ctx, sagaID, StepState{
			StepNumber:    i,
			StepName:      step.Name,
			Service:       step.Service,
			EventType:     step.EventType,
			Status:        StepFailed,
			Timestamp:     time.Now(),
			FailureReason: err.Error(),
		}, StatusCompensating)
		if recErr != nil {
			return nil, fmt.Errorf("saga: record step %d failure: %w", i, recErr)
		}
		o.emitStepFailed(ctx, state, step, err)

		return o.compensate(ctx, state, def, i, failedStatus, err, sctx)
	}

	state, transitioned, err := o.store.CompleteSaga(ctx, sagaID, StatusCompleted)
	if err != nil {
		return nil, fmt.Errorf("saga: complete %s: %w", sagaID, err)
	}
	if transitioned {
		o.emitSagaCompleted(ctx, state)
	}
	return &Result{State: state}, nil
}

// StartAsync runs Start on a background goroutine and returns a
// channel delivering its single Result — the saga equivalent of
// controller.Future, for callers (e.g. an HTTP handler) that must not
// block on a whole saga's execution.
func (o *Orchestrator) StartAsync(ctx context.Context, sagaID, correlationID string, def Definition, sctx *Context) <-chan *Result {
	out := make(chan *Result, 1)
	go func() {
		defer close(out)
		result, err := o.Start(ctx, sagaID, correlationID, def, sctx)
		if err != nil {
			out <- &Result{Err: err}
			return
		}
		out <- result
	}()
	return out
}

// runStep executes one step's action under an idempotency guard, a
// named circuit breaker, and exponential-backoff retry (spec §4.M:
// "each step executor wraps its call in the resilience instance for
// that step").
func (o *Orchestrator) runStep(ctx context.Context, state *State, index int, step Step, sctx *Context) (map[string]any, error) {
	o.emitStepStarted(ctx, state, step)

	if o.guard != nil {
		key := fmt.Sprintf("%s:step:%d", state.SagaID, index)
		proceed, err := o.guard.TryProcess(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("saga: idempotency check step %d: %w", index, err)
		}
		if !proceed {
			// Already executed under a prior attempt (orchestrator
			// restart after crash) — treat as a no-op success with no
			// new data to merge.
			return nil, nil
		}
	}

	stepCtx := ctx
	var cancel context.CancelFunc
	if step.Timeout > 0 {
		stepCtx, cancel = context.WithTimeout(ctx, step.Timeout)
		defer cancel()
	}

	cfg := resilience.RetryConfig{
		MaxAttempts:   step.MaxRetries + 1,
		InitialDelay:  step.RetryDelay,
		BackoffFactor: 2.0,
		MaxDelay:      step.RetryDelay * 16,
		Classifier:    apperrors.RetryableClassifier{},
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = time.Second
	}

	var data map[string]any
	run := func(ctx context.Context) error {
		out, err := step.Action(ctx, sctx)
		if err != nil {
			return err
		}
		data = out
		return nil
	}

	var err error
	if o.breakers != nil {
		breaker := o.breakers.Get(step.Name)
		err = breaker.Execute(stepCtx, func() error {
			return resilience.Retry(stepCtx, run, cfg)
		})
	} else {
		err = resilience.Retry(stepCtx, run, cfg)
	}
	if err != nil {
		return nil, err
	}
	sctx.Merge(data)
	return data, nil
}

// compensate runs compensations for every completed step up to and
// including failedIndex, in reverse order (spec §4.M: "compensation
// runs newest-first"). A compensation's own failure is logged and does
// not stop the remaining chain — spec §4.M: "typically no further
// compensation if it fails; log and continue".
func (o *Orchestrator) compensate(ctx context.Context, state *State, def Definition, failedIndex int, failedStatus Status, cause error, sctx *Context) (*Result, error) {
	for i := failedIndex; i >= 0; i-- {
		step := def.Steps[i]
		if !step.HasCompensation() {
			continue
		}
		if err := step.Compensation(ctx, sctx); err != nil {
			if o.log != nil {
				o.log.Warn(ctx, "saga: compensation failed", logging.String("saga_id", state.SagaID), logging.String("step", step.Name), logging.Error(err))
			}
			continue
		}
		updated, serr := o.store.UpdateOrAddStep(ctx, state.SagaID, StepState{
			StepNumber: i,
			StepName:   step.Name,
			Service:    step.Service,
			EventType:  step.EventType,
			Status:     StepCompensated,
			Timestamp:  time.Now(),
		}, StatusCompensating)
		if serr == nil {
			state = updated
		}
	}

	terminal := StatusCompensated
	if failedStatus == StatusTimedOut {
		terminal = StatusTimedOut
	}
	final, transitioned, err := o.store.CompleteSaga(ctx, state.SagaID, terminal)
	if err != nil {
		return nil, fmt.Errorf("saga: finalize compensation %s: %w", state.SagaID, err)
	}
	if transitioned {
		if terminal == StatusTimedOut {
			o.emitSagaTimedOut(ctx, final)
		} else {
			o.emitSagaCompensated(ctx, final, cause)
		}
	}
	return &Result{State: final, Err: cause}, nil
}

func (o *Orchestrator) emitSagaStarted(ctx context.Context, s *State) {
	if o.reg != nil {
		o.reg.Counter("saga.started").Inc()
	}
	if o.callbacks.SagaStarted != nil {
		o.callbacks.SagaStarted(ctx, s)
	}
}

func (o *Orchestrator) emitStepStarted(ctx context.Context, s *State, step Step) {
	if o.callbacks.StepStarted != nil {
		o.callbacks.StepStarted(ctx, s, step)
	}
}

func (o *Orchestrator) emitStepCompleted(ctx context.Context, s *State, step Step, data map[string]any) {
	if o.callbacks.StepCompleted != nil {
		o.callbacks.StepCompleted(ctx, s, step, data)
	}
}

func (o *Orchestrator) emitStepFailed(ctx context.Context, s *State, step Step, err error) {
	if o.reg != nil {
		o.reg.Counter("saga.step_failed").Inc()
	}
	if o.callbacks.StepFailed != nil {
		o.callbacks.StepFailed(ctx, s, step, err)
	}
}

func (o *Orchestrator) emitSagaCompleted(ctx context.Context, s *State) {
	if o.reg != nil {
		o.reg.Counter("saga.completed").Inc()
	}
	if o.callbacks.SagaCompleted != nil {
		o.callbacks.SagaCompleted(ctx, s)
	}
}

func (o *Orchestrator) emitSagaCompensated(ctx context.Context, s *State, cause error) {
	if o.reg != nil {
		o.reg.Counter("saga.compensated").Inc()
	}
	if o.callbacks.SagaCompensated != nil {
		o.callbacks.SagaCompensated(ctx, s, cause)
	}
}

func (o *Orchestrator) emitSagaTimedOut(ctx context.Context, s *State) {
	if o.reg != nil {
		o.reg.Counter("saga.timed_out").Inc()
	}
	if o.callbacks.SagaTimedOut != nil {
		o.callbacks.SagaTimedOut(ctx, s)
	}
}
