package clocksync

import (
	"context"
	"testing"
	"time"

	"github.com/luxfi/votecore/internal/comm"
	"github.com/luxfi/votecore/internal/logging"
	"github.com/luxfi/votecore/internal/metrics"
	"github.com/luxfi/votecore/internal/store"
	"github.com/luxfi/votecore/internal/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func testCfg() Config {
	return Config{
		FastInterval: 10 * time.Millisecond,
		SlowInterval: time.Minute,
		FastWindow:   time.Minute,
		HistorySize:  5,
	}
}

func TestLeaderBroadcastPersistsSystemTime(t *testing.T) {
	st := store.NewMemStore()
	ctx := context.Background()
	c := comm.New(st, "leader", logging.NoOp())
	require.NoError(t, c.Start(ctx))
	defer c.Stop()

	cs := New(c, st, "leader", true, testCfg(), nil, logging.NoOp())
	require.NoError(t, cs.broadcast(ctx, true))

	val, found, err := st.Get(ctx, store.SystemTimeKey())
	require.NoError(t, err)
	require.True(t, found, "leader broadcast must persist {system}.time")
	require.NotEmpty(t, val)
}

func TestLeaderBroadcastToleratesNilStore(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	c := comm.New(st, "leader", logging.NoOp())
	require.NoError(t, c.Start(ctx))
	defer c.Stop()

	cs := New(c, nil, "leader", true, testCfg(), nil, logging.NoOp())
	require.NoError(t, cs.broadcast(ctx, true))
}

func TestFollowerCorrectionObservesClockCorrectionsMetric(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	registry := metrics.NewRegistry()
	m, err := metrics.New("votecore_clocksync_test", registry)
	require.NoError(t, err)

	c := comm.New(st, "follower", logging.NoOp())
	require.NoError(t, c.Start(ctx))
	defer c.Stop()

	cs := New(c, nil, "follower", false, testCfg(), m, logging.NoOp())
	require.Equal(t, 0, testutil.CollectAndCount(m.ClockCorrections))

	// A 2s drift lands in the >1s band, so handleBroadcast must apply and
	// observe a correction.
	cs.handleBroadcast(ctx, types.TimeSyncData{SystemTime: time.Now().Add(2 * time.Second)})

	require.Eventually(t, func() bool {
		return testutil.CollectAndCount(m.ClockCorrections) == 1
	}, time.Second, 5*time.Millisecond)
}
