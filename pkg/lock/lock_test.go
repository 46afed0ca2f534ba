package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/actiongate/gateway/pkg/statestore"
)

func TestTryAcquireMutualExclusion(t *testing.T) {
	store := statestore.NewMemory()
	l := NewStateStoreLocker(store, "ns", "tenant1")
	ctx := context.Background()

	guard1, ok, err := l.TryAcquire(ctx, "audit-chain", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok2, err := l.TryAcquire(ctx, "audit-chain", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok2)

	require.NoError(t, guard1.Release(ctx))

	_, ok3, err := l.TryAcquire(ctx, "audit-chain", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok3)
}

func TestAcquireTimesOutWhenHeld(t *testing.T) {
	store := statestore.NewMemory()
	l := NewStateStoreLocker(store, "ns", "tenant1")
	ctx := context.Background()

	_, ok, err := l.TryAcquire(ctx, "chain-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = l.Acquire(ctx, "chain-1", time.Minute, 50*time.Millisecond)
	require.Error(t, err)
}

func TestExtendFailsAfterExpiry(t *testing.T) {
	store := statestore.NewMemory()
	l := NewStateStoreLocker(store, "ns", "tenant1")
	ctx := context.Background()

	guard, ok, err := l.TryAcquire(ctx, "g1", 10*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(30 * time.Millisecond)

	err = guard.Extend(ctx, time.Minute)
	assert.Error(t, err)
}

func TestIsHeldReflectsRelease(t *testing.T) {
	store := statestore.NewMemory()
	l := NewStateStoreLocker(store, "ns", "tenant1")
	ctx := context.Background()

	guard, ok, err := l.TryAcquire(ctx, "g1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	held, err := guard.IsHeld(ctx)
	require.NoError(t, err)
	assert.True(t, held)

	require.NoError(t, guard.Release(ctx))

	held, err = guard.IsHeld(ctx)
	require.NoError(t, err)
	assert.False(t, held)
}
