package idempotency_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eventsaga/idempotency"
)

func TestLocalGuard_FirstCallClaimsSubsequentCallsSkip(t *testing.T) {
	ctx := context.Background()
	g := idempotency.NewLocalGuard(time.Hour)

	first, err := g.TryProcess(ctx, "evt-1")
	require.NoError(t, err)
	assert.True(t, first)

	second, err := g.TryProcess(ctx, "evt-1")
	require.NoError(t, err)
	assert.False(t, second)
}

func TestLocalGuard_ExpiredClaimCanBeReprocessed(t *testing.T) {
	ctx := context.Background()
	g := idempotency.NewLocalGuard(time.Millisecond)

	first, err := g.TryProcess(ctx, "evt-1")
	require.NoError(t, err)
	require.True(t, first)

	time.Sleep(5 * time.Millisecond)

	again, err := g.TryProcess(ctx, "evt-1")
	require.NoError(t, err)
	assert.True(t, again)
}

func TestLocalGuard_Forget(t *testing.T) {
	ctx := context.Background()
	g := idempotency.NewLocalGuard(time.Hour)

	_, err := g.TryProcess(ctx, "evt-1")
	require.NoError(t, err)
	require.NoError(t, g.Forget(ctx, "evt-1"))

	again, err := g.TryProcess(ctx, "evt-1")
	require.NoError(t, err)
	assert.True(t, again)
}

func TestLocalGuard_ConcurrentCallsClaimExactlyOnce(t *testing.T) {
	ctx := context.Background()
	g := idempotency.NewLocalGuard(time.Hour)

	var wg sync.WaitGroup
	var mu sync.Mutex
	claims := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, _ := g.TryProcess(ctx, "evt-shared")
			if ok {
				mu.Lock()
				claims++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, claims)
}
