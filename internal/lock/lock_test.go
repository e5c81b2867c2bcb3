package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryTryLock(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	unlock, ok, err := m.TryLock(ctx, "s1")
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, _ = m.TryLock(ctx, "s1")
	assert.False(t, ok, "held key is busy")

	_, ok, _ = m.TryLock(ctx, "s2")
	assert.True(t, ok, "other keys are independent")

	unlock()
	unlock() // idempotent

	_, ok, _ = m.TryLock(ctx, "s1")
	assert.True(t, ok)
}

func TestMemoryTryLockSingleWinner(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok, _ := m.TryLock(ctx, "s1"); ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}
