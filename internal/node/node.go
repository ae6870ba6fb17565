// Copyright (C) 2024-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package node wires the core subsystems (directory, communicator, clock
// sync, election, consensus, vote store) into one running process, per
// §9's "no process-wide globals, no cyclic imports" guidance: every
// subsystem is constructed here and handed only the narrow capability
// interfaces it needs.
package node

import (
	"context"
	"fmt"
	"time"

	"github.com/luxfi/log"
	"github.com/luxfi/votecore/internal/clocksync"
	"github.com/luxfi/votecore/internal/comm"
	"github.com/luxfi/votecore/internal/config"
	"github.com/luxfi/votecore/internal/consensus"
	"github.com/luxfi/votecore/internal/directory"
	"github.com/luxfi/votecore/internal/election"
	"github.com/luxfi/votecore/internal/health"
	"github.com/luxfi/votecore/internal/logging"
	"github.com/luxfi/votecore/internal/metrics"
	"github.com/luxfi/votecore/internal/mutex"
	"github.com/luxfi/votecore/internal/store"
	"github.com/luxfi/votecore/internal/types"
	"github.com/luxfi/votecore/internal/votestore"
)

// Node owns one process's full set of subsystems and their lifecycle.
type Node struct {
	cfg    config.Config
	logger log.Logger

	Store     store.Store
	Comm      *comm.Communicator
	Directory *directory.Directory
	ClockSync *clocksync.ClockSync
	Election  *election.Election
	Consensus *consensus.Consensus
	VoteStore *votestore.VoteStore
	Metrics   metrics.Registry
	metricSet *metrics.Metrics
	Health    *health.Aggregator

	startTime time.Time
}

// New constructs every subsystem and wires their cross-references, but
// does not start any background loop (call Start for that).
func New(cfg config.Config) (*Node, error) {
	logger := logging.New("node")
	logging.EnsureDir(cfg.LogDir)

	st, err := store.NewRedisStore(cfg.SharedStoreNodes)
	if err != nil {
		return nil, fmt.Errorf("node: construct shared store: %w", err)
	}

	c := comm.New(st, cfg.NodeID, logging.New("comm"))

	dir := directory.New(st, cfg.NodeID, cfg.InitialRole, directory.Config{
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatTTL:      cfg.HeartbeatTTL,
		ScanInterval:      cfg.PeerScanInterval,
		LivenessWindow:    cfg.PeerLivenessWindow,
		DegradedThreshold: cfg.DegradedThreshold,
	}, logging.New("directory"))

	registry := metrics.NewRegistry()
	metricSet, err := metrics.New("votecore", registry)
	if err != nil {
		return nil, fmt.Errorf("node: register metrics: %w", err)
	}

	cs := clocksync.New(c, st, cfg.NodeID, cfg.InitialRole == types.RoleLeader, clocksync.Config{
		FastInterval: cfg.ClockSyncFastInterval,
		SlowInterval: cfg.ClockSyncSlowInterval,
		FastWindow:   cfg.ClockSyncFastWindow,
		HistorySize:  cfg.ClockSyncHistorySize,
	}, metricSet, logging.New("clocksync"))

	vs := votestore.New(st, c, cfg.NodeID, logging.New("votestore"))

	n := &Node{
		cfg:       cfg,
		logger:    logger,
		Store:     st,
		Comm:      c,
		Directory: dir,
		ClockSync: cs,
		VoteStore: vs,
		Metrics:   registry,
		metricSet: metricSet,
		Health:    health.NewAggregator(),
		startTime: time.Now(),
	}

	el := election.New(c, dir, cfg.NodeID, election.Config{
		TimeoutMin:  cfg.ElectionTimeoutMin,
		TimeoutMax:  cfg.ElectionTimeoutMax,
		Heartbeat:   cfg.LeaderHeartbeat,
		TimeoutTick: cfg.ElectionTimeoutTick,
	}, logging.New("election"), n.onRoleChange)
	n.Election = el

	con := consensus.New(c, st, vs, el, cfg.NodeID, consensus.Config{
		RecheckDelay:  cfg.ConsensusRecheckDelay,
		RecheckDelay2: cfg.ConsensusRecheckDelay2,
		ProposalTTL:   cfg.ProposalTTL,
		SkewTolerance: cfg.TimestampSkewTolerance,
	}, cs, metricSet, logging.New("consensus"))
	n.Consensus = con

	c.Handle(types.ChannelLeaderElection, el.HandleEnvelope)
	c.Handle(types.ChannelTimeSync, cs.HandleEnvelope)
	c.Handle(types.ChannelVoteProposal, con.HandleEnvelope)
	c.Handle(types.ChannelVoteResponse, con.HandleEnvelope)
	c.Handle(types.ChannelVoteFinalization, con.HandleEnvelope)
	c.Handle(types.ChannelElectionAdmin, n.handleElectionAdmin)

	n.registerHealthChecks()

	return n, nil
}

// onRoleChange propagates a Leader Election role transition to the other
// subsystems that care about it (§9: explicit propagation, not a shared
// global).
func (n *Node) onRoleChange(role types.Role, term uint64) {
	n.Directory.SetRole(role)
	n.Directory.SetTerm(term)
	n.ClockSync.SetLeader(role == types.RoleLeader)
	n.metricSet.ElectionTerms.Inc()
	n.logger.Info("node: role changed", log.String("role", string(role)), log.Uint64("term", term))
	if role == types.RoleLeader {
		n.Consensus.ReconcileNow(context.Background())
	}
}

func (n *Node) handleElectionAdmin(ctx context.Context, env types.Envelope) {
	if env.Type != types.MsgResetElection {
		return
	}
	var data types.ResetElectionData
	if err := env.Decode(&data); err != nil {
		n.logger.Warn("node: dropping undecodable reset_election", log.Err(err))
		return
	}
	if _, err := n.VoteStore.ResetLocal(ctx, data.ElectionID); err != nil {
		n.logger.Warn("node: failed to apply reset_election", log.String("election_id", data.ElectionID), log.Err(err))
	}
}

func (n *Node) registerHealthChecks() {
	n.Health.Register("shared_store", health.CheckerFunc(func(ctx context.Context) (interface{}, error) {
		if err := n.Store.Ping(ctx); err != nil {
			return nil, err
		}
		info, err := n.Store.Info(ctx)
		return info, err
	}))
	n.Health.Register("directory", health.CheckerFunc(func(ctx context.Context) (interface{}, error) {
		if !n.Directory.Healthy(ctx) {
			return nil, fmt.Errorf("directory not yet healthy")
		}
		return nil, nil
	}))
}

// Start brings up every background loop. Order matters: the communicator
// must subscribe before any other subsystem publishes or it will miss
// replies to its own first broadcast.
func (n *Node) Start(ctx context.Context) error {
	if err := n.Store.Ping(ctx); err != nil {
		return fmt.Errorf("node: shared store unreachable at startup: %w", err)
	}
	if err := n.Comm.Start(ctx); err != nil {
		return fmt.Errorf("node: communicator start: %w", err)
	}
	if err := n.Directory.Start(ctx); err != nil {
		return fmt.Errorf("node: directory start: %w", err)
	}
	n.ClockSync.Start(ctx)
	n.Election.Start(ctx)
	n.Consensus.Start(ctx)
	n.logger.Info("node: started", log.String("node_id", n.cfg.NodeID), log.String("initial_role", string(n.cfg.InitialRole)))
	return nil
}

// Shutdown stops every subsystem's background loops and marks this node's
// directory entry shutdown.
func (n *Node) Shutdown(ctx context.Context) {
	n.Consensus.Stop()
	n.Election.Stop()
	n.ClockSync.Stop()
	n.Directory.Shutdown(ctx)
	_ = n.Comm.Stop()
	_ = n.Store.Close()
	n.logger.Info("node: shutdown complete", log.String("node_id", n.cfg.NodeID))
}

// WithLockOnResource runs fn while holding the named distributed mutex, so
// admin operations on the same resource (e.g. two resets of one election)
// do not run concurrently across nodes. Consensus finalize does not take
// this lock, so a reset is not serialized against a concurrent finalize.
func (n *Node) WithLockOnResource(ctx context.Context, resource string, fn func(ctx context.Context) error) error {
	m := mutex.New(n.Store, resource, n.cfg.NodeID, 10*time.Second)
	ok, err := m.Acquire(ctx, 3*time.Second, 50*time.Millisecond)
	if err != nil {
		n.metricSet.MutexAcquireFailures.Inc()
		return fmt.Errorf("node: acquire lock %s: %w", resource, err)
	}
	if !ok {
		n.metricSet.MutexAcquireFailures.Inc()
		return fmt.Errorf("node: could not acquire lock %s within timeout", resource)
	}
	defer func() { _, _ = m.Release(ctx) }()
	return fn(ctx)
}

// Uptime returns how long this process has been running.
func (n *Node) Uptime() time.Duration {
	return time.Since(n.startTime)
}

// NodeID returns this process's configured identifier.
func (n *Node) NodeID() string {
	return n.cfg.NodeID
}
