package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State is the circuit breaker's current mode, same three-state model
// as the teacher's r3e-derived breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

var (
	ErrCircuitOpen     = errors.New("resilience: circuit breaker is open")
	ErrTooManyRequests = errors.New("resilience: too many requests in half-open state")
)

// BreakerConfig configures a CircuitBreaker. Unlike the grounding
// source's plain failure counter, Open is decided on a sliding-window
// failure *rate* (spec §9 open question: "circuit breaker trips on
// failure rate over a rolling window, not a bare failure count") so a
// breaker protecting a high-throughput step doesn't trip on a handful
// of failures buried in thousands of successes.
type BreakerConfig struct {
	WindowSize       int           // number of most recent outcomes considered
	MinRequests      int           // don't evaluate the rate until this many outcomes are in the window
	FailureThreshold float64       // trip when failure rate >= this, e.g. 0.5
	OpenTimeout      time.Duration // time spent in StateOpen before probing again
	HalfOpenMax      int           // requests allowed through while HalfOpen
	OnStateChange    func(from, to State)
}

// DefaultBreakerConfig mirrors the grounding source's defaults,
// translated into window terms (5 failures out of a 10-request window
// trips the breaker, same as "5 consecutive failures" at steady load).
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		WindowSize:       10,
		MinRequests:      5,
		FailureThreshold: 0.5,
		OpenTimeout:      30 * time.Second,
		HalfOpenMax:      3,
	}
}

// CircuitBreaker implements the circuit breaker pattern over a
// sliding window of recent outcomes. Grounded on
// r3e-network-service_layer/infrastructure/resilience/circuit_breaker.go
// (state machine: Closed -> Open -> HalfOpen -> Closed, beforeRequest/
// afterRequest split, OnStateChange hook), generalized from a bare
// consecutive-failure counter to a ring-buffer failure rate.
type CircuitBreaker struct {
	mu     sync.Mutex
	cfg    BreakerConfig
	state  State
	window []bool // true = success
	pos    int
	filled int

	lastOpened   time.Time
	halfOpenReqs int
	halfOpenOK   int
}

// NewCircuitBreaker builds a breaker in StateClosed.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 10
	}
	if cfg.MinRequests <= 0 {
		cfg.MinRequests = 5
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 0.5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	return &CircuitBreaker{cfg: cfg, window: make([]bool, cfg.WindowSize)}
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Execute runs fn with circuit-breaker protection.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := cb.before(); err != nil {
		return err
	}
	err := fn()
	cb.after(err == nil)
	return err
}

func (cb *CircuitBreaker) before() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if time.Since(cb.lastOpened) > cb.cfg.OpenTimeout {
			cb.setState(StateHalfOpen)
			cb.halfOpenReqs = 1
			return nil
		}
		return ErrCircuitOpen
	case StateHalfOpen:
		if cb.halfOpenReqs >= cb.cfg.HalfOpenMax {
			return ErrTooManyRequests
		}
		cb.halfOpenReqs++
	}
	return nil
}

func (cb *CircuitBreaker) after(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen {
		if success {
			cb.halfOpenOK++
			if cb.halfOpenOK >= cb.cfg.HalfOpenMax {
				cb.setState(StateClosed)
			}
		} else {
			cb.setState(StateOpen)
		}
		return
	}

	cb.record(success)
	if cb.state == StateClosed && cb.filled >= cb.cfg.MinRequests && cb.failureRate() >= cb.cfg.FailureThreshold {
		cb.setState(StateOpen)
	}
}

func (cb *CircuitBreaker) record(success bool) {
	cb.window[cb.pos] = success
	cb.pos = (cb.pos + 1) % len(cb.window)
	if cb.filled < len(cb.window) {
		cb.filled++
	}
}

func (cb *CircuitBreaker) failureRate() float64 {
	if cb.filled == 0 {
		return 0
	}
	failures := 0
	for i := 0; i < cb.filled; i++ {
		if !cb.window[i] {
			failures++
		}
	}
	return float64(failures) / float64(cb.filled)
}

func (cb *CircuitBreaker) setState(next State) {
	if cb.state == next {
		return
	}
	prev := cb.state
	cb.state = next
	cb.pos, cb.filled = 0, 0
	cb.halfOpenReqs, cb.halfOpenOK = 0, 0
	if next == StateOpen {
		cb.lastOpened = time.Now()
	}
	if cb.cfg.OnStateChange != nil {
		go cb.cfg.OnStateChange(prev, next)
	}
}

// Registry keeps one named CircuitBreaker per downstream dependency
// (outbox publish, a given saga step action, the view store) so each
// protects its own failure domain instead of one breaker tripping
// unrelated call sites.
type Registry struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	breakers map[string]*CircuitBreaker
}

func NewRegistry(cfg BreakerConfig) *Registry {
	return &Registry{cfg: cfg, breakers: make(map[string]*CircuitBreaker)}
}

// Get returns (creating if needed) the named breaker.
func (r *Registry) Get(name string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[name]
	if !ok {
		b = NewCircuitBreaker(r.cfg)
		r.breakers[name] = b
	}
	return b
}
