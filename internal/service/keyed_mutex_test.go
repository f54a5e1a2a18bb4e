package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedMutex_ExcludesSameKey(t *testing.T) {
	km := NewKeyedMutex()
	ctx := context.Background()

	unlock, err := km.Acquire(ctx, "a", time.Minute)
	require.NoError(t, err)

	// a different key is independent
	unlockB, err := km.Acquire(ctx, "b", time.Minute)
	require.NoError(t, err)
	unlockB()

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = km.Acquire(waitCtx, "a", time.Minute)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock() // second call is a no-op

	unlock, err = km.Acquire(ctx, "a", time.Minute)
	require.NoError(t, err)
	unlock()

	km.mu.Lock()
	assert.Empty(t, km.locks, "idle entries are dropped")
	km.mu.Unlock()
}

func TestKeyedMutex_Counter(t *testing.T) {
	km := NewKeyedMutex()
	ctx := context.Background()
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := km.Acquire(ctx, "k", time.Minute)
			if err != nil {
				return
			}
			counter++
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, counter)
}
