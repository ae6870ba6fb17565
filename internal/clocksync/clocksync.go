// Copyright (C) 2024-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package clocksync implements Clock Sync (CS) from §4.5: the leader
// broadcasts its wall clock, followers compute a smoothed offset from a
// bounded history of observed drifts, and apply a correction proportional
// to how large that drift is. Only followers correct; the leader is always
// the reference (offset 0).
package clocksync

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/luxfi/log"
	"github.com/luxfi/votecore/internal/comm"
	"github.com/luxfi/votecore/internal/metrics"
	"github.com/luxfi/votecore/internal/store"
	"github.com/luxfi/votecore/internal/types"
)

// TimeStore is the narrow slice of Store the leader needs to persist the
// reference clock, so this package depends on store's capability rather
// than the whole Store surface.
type TimeStore interface {
	Set(ctx context.Context, key, value string) error
}

// Config bundles the timing parameters from §4.5.
type Config struct {
	FastInterval time.Duration // broadcast cadence during FastWindow
	SlowInterval time.Duration // broadcast cadence after FastWindow
	FastWindow   time.Duration // how long after starting as, or becoming, leader FastInterval applies
	HistorySize  int           // bounded drift history length
}

// ClockSync tracks this node's offset from the leader's clock and, while
// leader, periodically broadcasts the reference time.
type ClockSync struct {
	emitter comm.Emitter
	st      TimeStore
	nodeID  string
	logger  log.Logger
	cfg     Config
	metrics *metrics.Metrics

	mu              sync.Mutex
	isLeader        bool
	offset          time.Duration
	lastSync        time.Time
	initialSyncDone bool
	history         []time.Duration
	leaderSince     time.Time
	broadcastCount  int

	stopOnce sync.Once
	stop     chan struct{}
}

// New builds a ClockSync. isLeader is the node's starting role; call
// SetLeader as Leader Election promotes or demotes the node. st is where
// the leader persists {system}.time (§6); it may be nil, in which case
// the leader only broadcasts over pub/sub and never persists. m may be
// nil (e.g. in tests not exercising metrics).
func New(emitter comm.Emitter, st TimeStore, nodeID string, isLeader bool, cfg Config, m *metrics.Metrics, logger log.Logger) *ClockSync {
	cs := &ClockSync{
		emitter:  emitter,
		st:       st,
		nodeID:   nodeID,
		logger:   logger,
		cfg:      cfg,
		metrics:  m,
		isLeader: isLeader,
		stop:     make(chan struct{}),
	}
	if isLeader {
		cs.offset = 0
		cs.initialSyncDone = true
		cs.lastSync = time.Now()
		cs.leaderSince = time.Now()
	}
	return cs
}

// Now returns this node's corrected time: local_now() + offset.
func (cs *ClockSync) Now() time.Time {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return time.Now().Add(cs.offset)
}

// SetLeader updates whether this node currently believes it is leader.
// Transitioning to leader resets offset to 0 per the ClockState invariant
// that the leader is always its own reference.
func (cs *ClockSync) SetLeader(isLeader bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	wasLeader := cs.isLeader
	cs.isLeader = isLeader
	if isLeader && !wasLeader {
		cs.offset = 0
		cs.initialSyncDone = true
		cs.lastSync = time.Now()
		cs.leaderSince = time.Now()
		cs.broadcastCount = 0
	}
}

// Status reports the current sync health per §4.5's reported status shape.
func (cs *ClockSync) Status() types.SyncStatus {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	age := time.Duration(0)
	if !cs.lastSync.IsZero() {
		age = time.Since(cs.lastSync)
	}
	return types.SyncStatus{
		Synced:   cs.initialSyncDone && age < 30*time.Second,
		Offset:   cs.offset,
		LastSync: cs.lastSync,
		SyncAge:  age,
		IsLeader: cs.isLeader,
	}
}

// RequestSync publishes a sync_request, prompting the leader for an
// immediate broadcast. Called on follower startup and whenever drift
// exceeds the 5s threshold (§4.5).
func (cs *ClockSync) RequestSync(ctx context.Context) error {
	return cs.emitter.Publish(ctx, types.ChannelTimeSync, types.MsgSyncRequest, types.TimeSyncData{})
}

// HandleEnvelope processes an inbound time_sync Envelope (already filtered
// for non-self sender by the Communicator).
func (cs *ClockSync) HandleEnvelope(ctx context.Context, env types.Envelope) {
	switch env.Type {
	case types.MsgSyncRequest:
		cs.handleSyncRequest(ctx)
	case types.MsgBroadcast:
		var data types.TimeSyncData
		if err := env.Decode(&data); err != nil {
			cs.logger.Warn("clocksync: dropping undecodable broadcast", log.Err(err))
			return
		}
		cs.handleBroadcast(ctx, data)
	default:
		cs.logger.Debug("clocksync: ignoring unknown message type", log.String("type", string(env.Type)))
	}
}

func (cs *ClockSync) handleSyncRequest(ctx context.Context) {
	cs.mu.Lock()
	isLeader := cs.isLeader
	cs.mu.Unlock()
	if !isLeader {
		return
	}
	if err := cs.broadcast(ctx, true); err != nil {
		cs.logger.Warn("clocksync: failed to reply to sync_request", log.Err(err))
	}
}

// correctionFactor picks the single-point correction percentage for a given
// absolute drift magnitude, per §4.5's bucketed policy. Midpoints of each
// band are used so the result is deterministic and testable.
func correctionFactor(absDrift time.Duration) float64 {
	switch {
	case absDrift > 5*time.Second:
		return 0.85
	case absDrift > time.Second:
		return 0.65
	case absDrift > 100*time.Millisecond:
		return 0.40
	default:
		return 0
	}
}

func median(durations []time.Duration) time.Duration {
	sorted := append([]time.Duration(nil), durations...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func (cs *ClockSync) handleBroadcast(ctx context.Context, data types.TimeSyncData) {
	cs.mu.Lock()
	if cs.isLeader {
		cs.mu.Unlock()
		return
	}
	// drift is measured against the already-corrected clock, not the raw
	// system clock: §4.5's correction is applied fractionally each round, so
	// measuring against the remaining error (rather than the static raw
	// skew) is what makes repeated rounds converge instead of compounding.
	drift := data.SystemTime.Sub(time.Now().Add(cs.offset))
	cs.history = append(cs.history, drift)
	if len(cs.history) > cs.cfg.HistorySize {
		cs.history = cs.history[len(cs.history)-cs.cfg.HistorySize:]
	}
	medianDrift := median(cs.history)
	absDrift := medianDrift
	if absDrift < 0 {
		absDrift = -absDrift
	}
	factor := correctionFactor(absDrift)
	var appliedAdjustment time.Duration
	if factor > 0 {
		appliedAdjustment = time.Duration(float64(medianDrift) * factor)
		cs.offset += appliedAdjustment
	}
	cs.lastSync = time.Now()
	cs.initialSyncDone = true
	needsResync := absDrift > 5*time.Second
	cs.mu.Unlock()

	if cs.metrics != nil && factor > 0 {
		mag := appliedAdjustment
		if mag < 0 {
			mag = -mag
		}
		cs.metrics.ClockCorrections.Observe(mag.Seconds())
	}

	if needsResync {
		if err := cs.RequestSync(ctx); err != nil {
			cs.logger.Warn("clocksync: failed to enqueue resync after large drift", log.Err(err))
		}
	}
}

// broadcast publishes the reference time over pub/sub and persists it to
// {system}.time (§6), bit-exact in namespace with
// original_source/node/node_server.py:737's `r.set("{system}.time",
// current_time)` so a node restarting mid-term, or any reader going
// straight to SS, sees the same record a live subscriber would.
func (cs *ClockSync) broadcast(ctx context.Context, initial bool) error {
	now := time.Now()
	cs.mu.Lock()
	cs.broadcastCount++
	cs.mu.Unlock()

	if cs.st != nil {
		value := fmt.Sprintf("%.6f", float64(now.UnixNano())/1e9)
		if err := cs.st.Set(ctx, store.SystemTimeKey(), value); err != nil {
			cs.logger.Warn("clocksync: failed to persist system time", log.Err(err))
		}
	}

	return cs.emitter.Publish(ctx, types.ChannelTimeSync, types.MsgBroadcast, types.TimeSyncData{
		SystemTime:  now,
		BroadcastID: uuid.NewString(),
		Initial:     initial,
	})
}

func (cs *ClockSync) interval() time.Duration {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if time.Since(cs.leaderSince) < cs.cfg.FastWindow {
		return cs.cfg.FastInterval
	}
	return cs.cfg.SlowInterval
}

// Start runs the follower's initial sync_request (if not already leader)
// and the leader's periodic broadcast loop, switching behavior live as
// SetLeader is called.
func (cs *ClockSync) Start(ctx context.Context) {
	cs.mu.Lock()
	isLeader := cs.isLeader
	cs.mu.Unlock()
	if isLeader {
		if err := cs.broadcast(ctx, true); err != nil {
			cs.logger.Warn("clocksync: initial broadcast failed", log.Err(err))
		}
	} else {
		if err := cs.RequestSync(ctx); err != nil {
			cs.logger.Warn("clocksync: initial sync_request failed", log.Err(err))
		}
	}
	go cs.broadcastLoop(ctx)
}

func (cs *ClockSync) broadcastLoop(ctx context.Context) {
	timer := time.NewTimer(cs.interval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-cs.stop:
			return
		case <-timer.C:
			cs.mu.Lock()
			isLeader := cs.isLeader
			cs.mu.Unlock()
			if isLeader {
				if err := cs.broadcast(ctx, false); err != nil {
					cs.logger.Warn("clocksync: periodic broadcast failed", log.Err(err))
				}
			}
			timer.Reset(cs.interval())
		}
	}
}

// Stop terminates the broadcast loop.
func (cs *ClockSync) Stop() {
	cs.stopOnce.Do(func() { close(cs.stop) })
}
