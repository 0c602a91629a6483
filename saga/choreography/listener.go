package choreography

import (
	"context"
	"fmt"
	"time"

	apperrors "eventsaga/errors"
	"eventsaga/event"
	"eventsaga/eventing/bus"
	"eventsaga/eventing/outbox"
	"eventsaga/logging"
	"eventsaga/metrics"
	"eventsaga/resilience"
	"eventsaga/saga"
)

// StepHandler executes one saga step's forward action against the
// event that triggered it, returning data to carry forward into the
// next event's payload.
type StepHandler func(ctx context.Context, ev *event.Event) (map[string]any, error)

// idempotencyGuard is the subset of idempotency.Guard this package
// needs — declared locally so choreography doesn't import idempotency
// just for one method's type (same pattern as saga.idempotencyGuard).
type idempotencyGuard interface {
	TryProcess(ctx context.Context, eventID string) (bool, error)
}

// StepConfig describes one listener's step (spec §4.L: "per-service
// listener subscribed to specific topics").
type StepConfig struct {
	// EventType is the forward event this step reacts to.
	EventType string
	StepName  string
	Service   string

	// NextEventType is the event type published on success. Empty
	// means this step is the saga's last — success completes the saga
	// instead of publishing a successor.
	NextEventType string

	Handler    StepHandler
	MaxRetries int
	RetryDelay time.Duration
}

// Listener is a per-service collection of step handlers wired onto an
// event bus (spec §4.L). One Listener typically corresponds to one
// microservice's saga participation.
type Listener struct {
	bus      bus.IEventBus
	store    *saga.Store
	guard    idempotencyGuard
	breakers *resilience.Registry
	dlq      *outbox.DLQ
	registry *Registry
	reg      *metrics.Registry
	log      logging.ILogger

	steps map[string]StepConfig
}

// NewListener wires a choreography listener. guard, breakers, dlq, and
// reg may all be nil (skip idempotency/circuit-breaking/DLQ routing/
// metrics respectively) — useful for tests exercising one step in
// isolation.
func NewListener(b bus.IEventBus, store *saga.Store, guard idempotencyGuard, breakers *resilience.Registry, dlq *outbox.DLQ, registry *Registry, reg *metrics.Registry, log logging.ILogger) *Listener {
	return &Listener{
		bus:      b,
		store:    store,
		guard:    guard,
		breakers: breakers,
		dlq:      dlq,
		registry: registry,
		reg:      reg,
		log:      log,
		steps:    make(map[string]StepConfig),
	}
}

// Register adds a step this listener reacts to.
func (l *Listener) Register(cfg StepConfig) *Listener {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	l.steps[cfg.EventType] = cfg
	return l
}

// Start subscribes every registered step to its forward event type.
func (l *Listener) Start(ctx context.Context) error {
	for eventType, cfg := range l.steps {
		handler := bus.EventHandlerFunc(func(ctx context.Context, ev *event.Event) error {
			return l.handle(ctx, ev, cfg)
		})
		if err := l.bus.SubscribeEvent(ctx, eventType, handler); err != nil {
			return fmt.Errorf("choreography: subscribe %s: %w", eventType, err)
		}
	}
	return nil
}

// handle runs one step per spec §4.L's three numbered steps.
func (l *Listener) handle(ctx context.Context, ev *event.Event, cfg StepConfig) error {
	if l.guard != nil {
		proceed, err := l.guard.TryProcess(ctx, ev.EventID())
		if err != nil {
			return fmt.Errorf("choreography: idempotency check %s: %w", ev.EventID(), err)
		}
		if !proceed {
			if l.log != nil {
				l.log.Debug(ctx, "choreography: duplicate event skipped", logging.String("event_id", ev.EventID()), logging.String("step", cfg.StepName))
			}
			return nil
		}
	}

	data, err := l.execute(ctx, ev, cfg)
	if err != nil {
		return l.onFailure(ctx, ev, cfg, err)
	}
	return l.onSuccess(ctx, ev, cfg, data)
}

func (l *Listener) execute(ctx context.Context, ev *event.Event, cfg StepConfig) (map[string]any, error) {
	retryCfg := resilience.RetryConfig{
		MaxAttempts:   cfg.MaxRetries + 1,
		InitialDelay:  cfg.RetryDelay,
		BackoffFactor: 2.0,
		MaxDelay:      cfg.RetryDelay * 16,
		Classifier:    apperrors.RetryableClassifier{},
	}

	var data map[string]any
	run := func(ctx context.Context) error {
		out, err := cfg.Handler(ctx, ev)
		if err != nil {
			return err
		}
		data = out
		return nil
	}

	var err error
	if l.breakers != nil {
		breaker := l.breakers.Get(cfg.StepName)
		err = breaker.Execute(ctx, func() error { return resilience.Retry(ctx, run, retryCfg) })
	} else {
		err = resilience.Retry(ctx, run, retryCfg)
	}
	return data, err
}

// onSuccess updates saga state and publishes the next forward event,
// or completes the saga when this was the last step.
func (l *Listener) onSuccess(ctx context.Context, ev *event.Event, cfg StepConfig, data map[string]any) error {
	if l.reg != nil {
		l.reg.Counter("choreography.step_completed").Inc()
	}
	state, err := l.store.UpdateOrAddStep(ctx, ev.SagaID, saga.StepState{
		StepNumber: ev.StepNumber,
		StepName:   cfg.StepName,
		Service:    cfg.Service,
		EventType:  cfg.EventType,
		Status:     saga.StepCompleted,
		Timestamp:  time.Now(),
	}, saga.StatusInProgress)
	if err != nil {
		return fmt.Errorf("choreography: record step completion: %w", err)
	}

	if cfg.NextEventType == "" {
		_, _, err := l.store.CompleteSaga(ctx, ev.SagaID, saga.StatusCompleted)
		if err != nil {
			return fmt.Errorf("choreography: complete saga %s: %w", ev.SagaID, err)
		}
		return nil
	}

	payload := ev.PayloadMap()
	for k, v := range data {
		payload[k] = v
	}
	next := event.New(cfg.NextEventType, ev.EntityKey, payload)
	next.CorrelationID = ev.CorrelationID
	next.SagaID = ev.SagaID
	next.SagaType = ev.SagaType
	next.StepNumber = state.CurrentStep
	return l.bus.PublishEvent(ctx, next)
}

// onFailure records the step failure, routes the event to the DLQ once
// retries are exhausted, and fans out compensating events for every
// preceding completed step (spec §4.L: "publish a compensating event
// for preceding completed steps, consulting a compensation registry").
func (l *Listener) onFailure(ctx context.Context, ev *event.Event, cfg StepConfig, cause error) error {
	if l.reg != nil {
		l.reg.Counter("choreography.step_failed").Inc()
	}
	state, err := l.store.UpdateOrAddStep(ctx, ev.SagaID, saga.StepState{
		StepNumber:    ev.StepNumber,
		StepName:      cfg.StepName,
		Service:       cfg.Service,
		EventType:     cfg.EventType,
		Status:        saga.StepFailed,
		Timestamp:     time.Now(),
		FailureReason: cause.Error(),
	}, saga.StatusCompensating)
	if err != nil {
		return fmt.Errorf("choreography: record step failure: %w", err)
	}

	if l.dlq != nil {
		entry, encErr := outbox.EventToEntry(ev)
		if encErr == nil {
			entry.LastError = cause.Error()
			entry.RetryCount = cfg.MaxRetries + 1
			if mvErr := l.dlq.Move(ctx, *entry); mvErr != nil && l.log != nil {
				l.log.Warn(ctx, "choreography: dlq move failed", logging.String("event_id", ev.EventID()), logging.Error(mvErr))
			}
		}
	}

	return l.publishCompensations(ctx, state, ev.EntityKey)
}

// publishCompensations walks state's completed steps in reverse order
// and publishes each one's registered compensating event.
func (l *Listener) publishCompensations(ctx context.Context, state *saga.State, entityKey string) error {
	if l.registry == nil {
		return nil
	}
	for i := len(state.Steps) - 1; i >= 0; i-- {
		step := state.Steps[i]
		if step.Status != saga.StepCompleted {
			continue
		}
		compensation, ok := l.registry.Lookup(step.EventType)
		if !ok {
			continue
		}
		compEvent := event.New(compensation.CompensatingEventType, entityKey, map[string]any{
			"sagaId": state.SagaID,
			"step":   step.StepName,
		})
		compEvent.SagaID = state.SagaID
		compEvent.SagaType = state.SagaType
		compEvent.StepNumber = step.StepNumber
		compEvent.IsCompensating = true
		if err := l.bus.PublishEvent(ctx, compEvent); err != nil {
			return fmt.Errorf("choreography: publish compensation for step %d: %w", step.StepNumber, err)
		}
	}
	_, _, err := l.store.CompleteSaga(ctx, state.SagaID, saga.StatusCompensated)
	if err != nil {
		return fmt.Errorf("choreography: finalize compensation %s: %w", state.SagaID, err)
	}
	return nil
}
