// Package resilience implements the retry and circuit-breaker
// substrate (spec §4.J) that the outbox publisher, the saga
// orchestrator and the choreography listeners wrap their external
// calls (bus publish, step action) with.
package resilience

import (
	"context"
	"time"
)

// Operation is a retryable unit of work, same shape as
// patterns/retry.Operation.
type Operation func(ctx context.Context) error

// Classifier decides whether an error is worth retrying at all. The
// teacher's retry package retries every error unconditionally; the
// spec requires distinguishing permanent failures (bad payload,
// validation error) from transient ones (timeout, connection reset) so
// a non-retryable error fails fast instead of burning the whole
// backoff schedule.
type Classifier interface {
	Retryable(err error) bool
}

// ClassifierFunc adapts a plain function to a Classifier.
type ClassifierFunc func(err error) bool

func (f ClassifierFunc) Retryable(err error) bool { return f(err) }

// AlwaysRetryable treats every non-nil error as retryable, matching the
// teacher's original retry.Do behavior.
var AlwaysRetryable Classifier = ClassifierFunc(func(err error) bool { return err != nil })

// RetryConfig mirrors patterns/retry.Config plus a Classifier.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	BackoffFactor float64
	MaxDelay      time.Duration
	Classifier    Classifier
}

// DefaultRetryConfig matches the teacher's DefaultConfig values, scaled
// up to a 5-attempt schedule (waits of 1s, 2s, 4s and 8s between
// attempts, 15s in all; the 16s MaxDelay is not reached within five
// attempts) and defaulting to AlwaysRetryable.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   5,
		InitialDelay:  time.Second,
		BackoffFactor: 2.0,
		MaxDelay:      16 * time.Second,
		Classifier:    AlwaysRetryable,
	}
}

// Retry runs op, retrying on failure per cfg's exponential backoff
// schedule, stopping early if cfg.Classifier reports an error as
// non-retryable. Grounded on patterns/retry.Do, generalized with the
// Classifier short-circuit.
func Retry(ctx context.Context, op Operation, cfg RetryConfig) error {
	if cfg.Classifier == nil {
		cfg.Classifier = AlwaysRetryable
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !cfg.Classifier.Retryable(err) {
			return err
		}

		if attempt < cfg.MaxAttempts {
			delay := backoffDelay(cfg, attempt)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return lastErr
}

func backoffDelay(cfg RetryConfig, attempt int) time.Duration {
	delay := cfg.InitialDelay
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * cfg.BackoffFactor)
		if delay > cfg.MaxDelay {
			return cfg.MaxDelay
		}
	}
	if delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	return delay
}
