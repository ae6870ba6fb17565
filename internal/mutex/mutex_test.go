package mutex

import (
	"context"
	"testing"
	"time"

	"github.com/luxfi/votecore/internal/store"
	"github.com/stretchr/testify/require"
)

func TestMutexMutualExclusion(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()

	a := New(st, "res", "node-a", time.Second)
	b := New(st, "res", "node-b", time.Second)

	okA, err := a.Acquire(ctx, 10*time.Millisecond, 2*time.Millisecond)
	require.NoError(t, err)
	require.True(t, okA)

	okB, err := b.Acquire(ctx, 10*time.Millisecond, 2*time.Millisecond)
	require.NoError(t, err)
	require.False(t, okB, "second acquire must fail while first holds the lock")

	releasedA, err := a.Release(ctx)
	require.NoError(t, err)
	require.True(t, releasedA)

	okB, err = b.Acquire(ctx, 10*time.Millisecond, 2*time.Millisecond)
	require.NoError(t, err)
	require.True(t, okB, "lock must be reclaimable after release")
}

func TestMutexNeverDeletesAnotherHoldersLock(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()

	a := New(st, "res", "node-a", time.Second)
	b := New(st, "res", "node-b", time.Second)

	ok, err := a.Acquire(ctx, 10*time.Millisecond, 2*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	releasedB, err := b.Release(ctx)
	require.NoError(t, err)
	require.False(t, releasedB, "b never held the lock, so Release is a no-op")

	_, found, err := st.Get(ctx, store.MutexKey("res"))
	require.NoError(t, err)
	require.True(t, found, "a's lock must still be in place")
}

func TestMutexExpiredLockIsReclaimable(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()

	a := New(st, "res", "node-a", 10*time.Millisecond)
	ok, err := a.Acquire(ctx, 10*time.Millisecond, 2*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(30 * time.Millisecond)

	b := New(st, "res", "node-b", time.Second)
	ok, err = b.Acquire(ctx, 10*time.Millisecond, 2*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestMutexExtend(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()

	a := New(st, "res", "node-a", 30*time.Millisecond)
	ok, err := a.Acquire(ctx, 10*time.Millisecond, 2*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	extended, err := a.Extend(ctx, 200*time.Millisecond)
	require.NoError(t, err)
	require.True(t, extended)

	time.Sleep(60 * time.Millisecond)

	b := New(st, "res", "node-b", time.Second)
	okB, err := b.Acquire(ctx, 5*time.Millisecond, 2*time.Millisecond)
	require.NoError(t, err)
	require.False(t, okB, "extended lock must still be held")
}

func TestWithLockReleasesOnError(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()

	err := WithLock(ctx, st, "res", "node-a", time.Second, 10*time.Millisecond, 2*time.Millisecond, func(ctx context.Context) error {
		return assertErr
	})
	require.ErrorIs(t, err, assertErr)

	b := New(st, "res", "node-b", time.Second)
	ok, err := b.Acquire(ctx, 10*time.Millisecond, 2*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok, "WithLock must release even when fn returns an error")
}

var assertErr = errString("boom")

type errString string

func (e errString) Error() string { return string(e) }
