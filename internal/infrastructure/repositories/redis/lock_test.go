package redis

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLock_SingleHolder(t *testing.T) {
	_, client := newTestClient(t)
	ctx := context.Background()

	a := NewLock(client, "peerlink:test:lock", time.Second)
	b := NewLock(client, "peerlink:test:lock", time.Second)

	ok, err := a.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.TryLock(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	// b cannot release a's lease.
	assert.ErrorIs(t, b.Unlock(ctx), ErrLockNotHeld)

	require.NoError(t, a.Unlock(ctx))
	assert.ErrorIs(t, a.Unlock(ctx), ErrLockNotHeld)

	ok, err = b.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, b.Unlock(ctx))
}

func TestLock_WaitsForRelease(t *testing.T) {
	_, client := newTestClient(t)
	ctx := context.Background()

	a := NewLock(client, "peerlink:test:lock", time.Second)
	require.NoError(t, a.Lock(ctx, time.Second))

	b := NewLock(client, "peerlink:test:lock", time.Second)
	b.retryEvery = 5 * time.Millisecond

	done := make(chan error, 1)
	go func() { done <- b.Lock(ctx, 2*time.Second) }()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, a.Unlock(ctx))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never acquired the lock")
	}
	require.NoError(t, b.Unlock(ctx))
}

func TestLock_Timeout(t *testing.T) {
	_, client := newTestClient(t)
	ctx := context.Background()

	a := NewLock(client, "peerlink:test:lock", time.Second)
	require.NoError(t, a.Lock(ctx, time.Second))
	defer a.Unlock(ctx)

	b := NewLock(client, "peerlink:test:lock", time.Second)
	b.retryEvery = 5 * time.Millisecond
	assert.Error(t, b.Lock(ctx, 20*time.Millisecond))
}

func TestMigrate_ConcurrentCallers(t *testing.T) {
	mr, client := newTestClient(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- Migrate(ctx, client, zap.NewNop().Sugar())
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	v, err := mr.Get(schemaVersionKey)
	require.NoError(t, err)
	assert.Equal(t, "2", v)
	assert.False(t, mr.Exists(schemaLockKey))
}
