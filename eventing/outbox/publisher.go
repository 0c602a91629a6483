package outbox

import (
	"context"
	"sync"
	"time"

	"eventsaga/event"
	"eventsaga/logging"
	"eventsaga/resilience"
)

// EventPublisher is the bus boundary a Publisher drives. eventing/bus
// implements it over the signed NATS JetStream / Redis Streams
// transport (component F).
type EventPublisher interface {
	PublishEvent(ctx context.Context, ev *event.Event) error
}

// Publisher claims pending entries and publishes them to the bus,
// retrying transient publish failures through a resilience.Retry
// wrapper, and periodically reclaiming stale IN_FLIGHT claims left
// behind by a crashed instance. Grounded on
// eventing/outbox/publisher.go's ticker-driven loop/processOnce shape,
// extended with the claim-token check the spec's IN_FLIGHT state
// requires and wrapped in resilience.Retry instead of a bare publish
// call.
type Publisher struct {
	repo   Repository
	bus    EventPublisher
	cfg    Config
	log    logging.ILogger
	dlq    *DLQ
	breaker *resilience.CircuitBreaker

	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

// NewPublisher wires a publisher. dlq may be nil if dead-lettering is
// not configured.
func NewPublisher(repo Repository, bus EventPublisher, cfg Config, logger logging.ILogger, dlq *DLQ) *Publisher {
	if logger == nil {
		logger = logging.ComponentLogger("eventing.outbox.publisher")
	}
	return &Publisher{
		repo:    repo,
		bus:     bus,
		cfg:     cfg,
		log:     logger,
		dlq:     dlq,
		breaker: resilience.NewCircuitBreaker(resilience.DefaultBreakerConfig()),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start launches the publish loop, cleanup loop, and stale-claim
// sweeper as background goroutines.
func (p *Publisher) Start(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); p.publishLoop(ctx) }()
	go func() { defer wg.Done(); p.cleanupLoop(ctx) }()
	go func() { defer wg.Done(); p.sweepLoop(ctx) }()
	go func() { wg.Wait(); close(p.doneCh) }()
	return nil
}

// Stop signals all loops to exit and waits for them.
func (p *Publisher) Stop() error {
	p.once.Do(func() { close(p.stopCh) })
	<-p.doneCh
	return nil
}

// PublishPending drains one batch immediately, for manual triggering
// or tests.
func (p *Publisher) PublishPending(ctx context.Context) error {
	return p.processOnce(ctx)
}

func (p *Publisher) publishLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PublishInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.processOnce(ctx); err != nil {
				p.log.Error(ctx, "outbox publish cycle failed", logging.Error(err))
			}
		}
	}
}

func (p *Publisher) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.repo.DeleteDelivered(ctx, time.Now().Add(-p.cfg.RetentionPeriod)); err != nil {
				p.log.Error(ctx, "outbox cleanup failed", logging.Error(err))
			}
		}
	}
}

func (p *Publisher) sweepLoop(ctx context.Context) {
	interval := p.cfg.ClaimTTL
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.repo.ReclaimStale(ctx, time.Now().Add(-p.cfg.ClaimTTL))
			if err != nil {
				p.log.Error(ctx, "outbox stale-claim sweep failed", logging.Error(err))
				continue
			}
			if n > 0 {
				p.log.Warn(ctx, "reclaimed stale outbox claims", logging.Int("count", n))
			}
		}
	}
}

func (p *Publisher) processOnce(ctx context.Context) error {
	entries, err := p.repo.ClaimPending(ctx, p.cfg.BatchSize, p.cfg.ClaimTTL)
	if err != nil {
		return err
	}
	for _, e := range entries {
		p.deliver(ctx, e)
	}
	return nil
}

func (p *Publisher) deliver(ctx context.Context, e Entry) {
	ev, err := e.ToEvent()
	if err != nil {
		p.fail(ctx, e, err)
		return
	}

	err = p.breaker.Execute(ctx, func() error {
		return resilience.Retry(ctx, func(ctx context.Context) error {
			return p.bus.PublishEvent(ctx, ev)
		}, resilience.DefaultRetryConfig())
	})
	if err != nil {
		p.fail(ctx, e, err)
		return
	}

	if err := p.repo.MarkDelivered(ctx, e.ID, e.ClaimToken); err != nil {
		p.log.Error(ctx, "outbox mark delivered failed", logging.Int64("entry", e.ID), logging.Error(err))
	}
}

func (p *Publisher) fail(ctx context.Context, e Entry, cause error) {
	next := e.CalculateNextRetryTime(p.cfg.RetryInterval)
	updated, err := p.repo.MarkFailed(ctx, e.ID, e.ClaimToken, cause.Error(), next)
	if err != nil {
		p.log.Error(ctx, "outbox mark failed failed", logging.Int64("entry", e.ID), logging.Error(err))
		return
	}
	p.log.Warn(ctx, "outbox delivery failed", logging.Int64("entry", e.ID), logging.Error(cause))

	if p.dlq != nil && updated.RetryCount >= p.cfg.MaxRetries {
		if err := p.dlq.Move(ctx, updated); err != nil {
			p.log.Error(ctx, "outbox move to DLQ failed", logging.Int64("entry", e.ID), logging.Error(err))
		}
	}
}
