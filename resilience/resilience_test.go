package resilience_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eventsaga/resilience"
)

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	cfg := resilience.DefaultRetryConfig()
	cfg.InitialDelay = time.Millisecond
	cfg.MaxDelay = 5 * time.Millisecond

	err := resilience.Retry(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	}, cfg)

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetry_StopsImmediatelyOnNonRetryableError(t *testing.T) {
	errNonRetryable := errors.New("bad payload")
	attempts := 0
	cfg := resilience.DefaultRetryConfig()
	cfg.Classifier = resilience.ClassifierFunc(func(err error) bool { return !errors.Is(err, errNonRetryable) })

	err := resilience.Retry(context.Background(), func(ctx context.Context) error {
		attempts++
		return errNonRetryable
	}, cfg)

	require.ErrorIs(t, err, errNonRetryable)
	assert.Equal(t, 1, attempts)
}

func TestCircuitBreaker_OpensAfterFailureRateExceedsThreshold(t *testing.T) {
	cb := resilience.NewCircuitBreaker(resilience.BreakerConfig{
		WindowSize: 10, MinRequests: 4, FailureThreshold: 0.5, OpenTimeout: time.Hour, HalfOpenMax: 1,
	})

	for i := 0; i < 4; i++ {
		_ = cb.Execute(context.Background(), func() error { return errors.New("boom") })
	}
	assert.Equal(t, resilience.StateOpen, cb.State())

	err := cb.Execute(context.Background(), func() error { return nil })
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
}

func TestCircuitBreaker_StaysClosedWhenFailuresAreRare(t *testing.T) {
	cb := resilience.NewCircuitBreaker(resilience.BreakerConfig{
		WindowSize: 10, MinRequests: 4, FailureThreshold: 0.5, OpenTimeout: time.Hour, HalfOpenMax: 1,
	})

	for i := 0; i < 9; i++ {
		_ = cb.Execute(context.Background(), func() error { return nil })
	}
	_ = cb.Execute(context.Background(), func() error { return errors.New("one-off") })

	assert.Equal(t, resilience.StateClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenClosesAfterEnoughSuccesses(t *testing.T) {
	cb := resilience.NewCircuitBreaker(resilience.BreakerConfig{
		WindowSize: 4, MinRequests: 2, FailureThreshold: 0.5, OpenTimeout: time.Millisecond, HalfOpenMax: 2,
	})
	for i := 0; i < 2; i++ {
		_ = cb.Execute(context.Background(), func() error { return errors.New("boom") })
	}
	require.Equal(t, resilience.StateOpen, cb.State())

	time.Sleep(2 * time.Millisecond)
	for i := 0; i < 2; i++ {
		err := cb.Execute(context.Background(), func() error { return nil })
		require.NoError(t, err)
	}
	assert.Equal(t, resilience.StateClosed, cb.State())
}

func TestRegistry_ReturnsSameBreakerForSameName(t *testing.T) {
	r := resilience.NewRegistry(resilience.DefaultBreakerConfig())
	a := r.Get("outbox-publish")
	b := r.Get("outbox-publish")
	assert.Same(t, a, b)

	c := r.Get("view-update")
	assert.NotSame(t, a, c)
}
