package directory

import (
	"context"
	"testing"
	"time"

	"github.com/luxfi/votecore/internal/logging"
	"github.com/luxfi/votecore/internal/store"
	"github.com/luxfi/votecore/internal/types"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		HeartbeatInterval: 10 * time.Millisecond,
		HeartbeatTTL:      200 * time.Millisecond,
		ScanInterval:      10 * time.Millisecond,
		LivenessWindow:    200 * time.Millisecond,
		DegradedThreshold: 5,
	}
}

func TestDirectoryRegistersAndBecomesHealthy(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	d := New(st, "node-a", types.RoleFollower, testConfig(), logging.NoOp())

	require.NoError(t, d.Start(ctx))
	defer d.Shutdown(ctx)

	require.Eventually(t, func() bool {
		return d.Healthy(ctx)
	}, time.Second, 5*time.Millisecond)

	require.Equal(t, types.StatusActive, d.Status())
}

func TestDirectoryObservesPeers(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	a := New(st, "node-a", types.RoleLeader, testConfig(), logging.NoOp())
	b := New(st, "node-b", types.RoleFollower, testConfig(), logging.NoOp())

	require.NoError(t, a.Start(ctx))
	defer a.Shutdown(ctx)
	require.NoError(t, b.Start(ctx))
	defer b.Shutdown(ctx)

	require.Eventually(t, func() bool {
		return len(a.Peers()) == 1 && len(b.Peers()) == 1
	}, time.Second, 5*time.Millisecond)

	require.Equal(t, 2, a.KnownNodeCount())
	require.Equal(t, "node-b", a.Peers()[0].ID)
}

func TestDirectoryDegradesAfterRepeatedFailures(t *testing.T) {
	ctx := context.Background()
	d := New(nil, "node-a", types.RoleFollower, testConfig(), logging.NoOp())
	d.mu.Lock()
	d.status = types.StatusActive
	d.mu.Unlock()

	for i := 0; i < 5; i++ {
		d.onHeartbeatFailure(context.DeadlineExceeded)
	}
	require.Equal(t, types.StatusDegraded, d.Status())

	d.onHeartbeatSuccess()
	require.Equal(t, types.StatusActive, d.Status())
}
