package grid_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eventsaga/grid"
)

func TestLocalMap_UpdateIsAtomicPerKey(t *testing.T) {
	ctx := context.Background()
	m := grid.NewLocalMap[int]()

	require.NoError(t, m.Put(ctx, "k", 0))

	done := make(chan struct{})
	for i := 0; i < 50; i++ {
		go func() {
			_, _ = m.Update(ctx, "k", func(current int, ok bool) (int, error) {
				return current + 1, nil
			})
			done <- struct{}{}
		}()
	}
	for i := 0; i < 50; i++ {
		<-done
	}

	v, ok, err := m.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 50, v)
}

func TestLocalMap_GetMissing(t *testing.T) {
	m := grid.NewLocalMap[string]()
	_, ok, err := m.Get(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLocalMap_Scan(t *testing.T) {
	ctx := context.Background()
	m := grid.NewLocalMap[int]()
	require.NoError(t, m.Put(ctx, "a:1", 1))
	require.NoError(t, m.Put(ctx, "a:2", 2))
	require.NoError(t, m.Put(ctx, "b:1", 3))

	results, err := m.Scan(ctx, "a:", func(v int) bool { return v > 0 }, 0)
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestPartitioner_StableOwnerForSameKey(t *testing.T) {
	p := grid.NewPartitioner([]string{"w0", "w1", "w2", "w3"})
	owner := p.Owner("order-42")
	for i := 0; i < 20; i++ {
		assert.Equal(t, owner, p.Owner("order-42"))
	}
}

func TestPartitioner_DistributesAcrossWorkers(t *testing.T) {
	p := grid.NewPartitioner([]string{"w0", "w1", "w2", "w3"})
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		seen[p.Owner(keyFor(i))] = true
	}
	assert.Greater(t, len(seen), 1, "130 distinct entity keys should spread across more than one worker")
}

func keyFor(i int) string {
	const letters = "abcdefghijklmnopqrstuvwxyz"
	return string(letters[i%len(letters)]) + "-" + string(rune('0'+i%10))
}
