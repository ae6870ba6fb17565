// Copyright (C) 2024-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package election implements Leader Election (LE) from §4.4: a
// simplified, single-role-per-term Raft election over the unreliable
// message bus, with randomized timeouts and periodic leader heartbeats.
package election

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/luxfi/log"
	"github.com/luxfi/votecore/internal/comm"
	"github.com/luxfi/votecore/internal/types"
)

// PeerCounter reports how many nodes (including self) are currently known,
// used to compute quorum (⌊N/2⌋+1).
type PeerCounter interface {
	KnownNodeCount() int
}

// Config bundles §4.4's timing parameters.
type Config struct {
	TimeoutMin  time.Duration
	TimeoutMax  time.Duration
	Heartbeat   time.Duration
	TimeoutTick time.Duration
}

// OnRoleChange is invoked when this node becomes leader or steps down from
// leader, so the node can propagate the new role to ND and CS. Candidacy and
// term changes seen while not leader do not invoke it.
type OnRoleChange func(role types.Role, term uint64)

// Election runs one node's participation in leader election.
type Election struct {
	emitter comm.Emitter
	peers   PeerCounter
	nodeID  string
	logger  log.Logger
	cfg     Config
	onChange OnRoleChange

	mu               sync.Mutex
	role             types.Role
	term             uint64
	votedFor         string
	grants           map[string]bool
	lastHeartbeat    time.Time
	electionDeadline time.Time
	rng              *rand.Rand

	stopOnce sync.Once
	stop     chan struct{}
}

// New builds an Election starting as a follower at term 0.
func New(emitter comm.Emitter, peers PeerCounter, nodeID string, cfg Config, logger log.Logger, onChange OnRoleChange) *Election {
	e := &Election{
		emitter:  emitter,
		peers:    peers,
		nodeID:   nodeID,
		logger:   logger,
		cfg:      cfg,
		onChange: onChange,
		role:     types.RoleFollower,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(len(nodeID)))),
		stop:     make(chan struct{}),
	}
	e.lastHeartbeat = time.Now()
	e.resetDeadlineLocked()
	return e
}

func (e *Election) resetDeadlineLocked() {
	span := e.cfg.TimeoutMax - e.cfg.TimeoutMin
	timeout := e.cfg.TimeoutMin
	if span > 0 {
		timeout += time.Duration(e.rng.Int63n(int64(span)))
	}
	e.electionDeadline = time.Now().Add(timeout)
}

// Role returns the node's current role.
func (e *Election) Role() types.Role {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.role
}

// Term returns the node's current term.
func (e *Election) Term() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.term
}

func (e *Election) quorum() int {
	n := e.peers.KnownNodeCount()
	return n/2 + 1
}

// IsLeader reports whether this node currently holds the leader role.
// Exposed so other subsystems (e.g. consensus) can gate leader-only
// behavior without importing election's internal state directly.
func (e *Election) IsLeader() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.role == types.RoleLeader
}

// Quorum returns the number of nodes required to approve a decision,
// computed the same way as leader-election's own vote quorum.
func (e *Election) Quorum() int {
	return e.quorum()
}

// stepDownLocked drops to follower at the given term, clearing any vote
// cast in a now-superseded term. Must be called with e.mu held.
func (e *Election) stepDownLocked(term uint64) {
	if term > e.term {
		e.term = term
		e.votedFor = ""
	}
	wasLeader := e.role == types.RoleLeader
	e.role = types.RoleFollower
	e.grants = nil
	e.resetDeadlineLocked()
	if wasLeader && e.onChange != nil {
		go e.onChange(types.RoleFollower, e.term)
	}
}

func (e *Election) becomeCandidateLocked(ctx context.Context) {
	e.term++
	e.role = types.RoleCandidate
	e.votedFor = e.nodeID
	e.grants = map[string]bool{e.nodeID: true}
	e.resetDeadlineLocked()
	term := e.term
	e.logger.Info("election: starting election", log.Uint64("term", term))
	go func() {
		if err := e.emitter.Publish(ctx, types.ChannelLeaderElection, types.MsgRequestVote, types.RequestVoteData{
			Term:        term,
			CandidateID: e.nodeID,
		}); err != nil {
			e.logger.Warn("election: failed to broadcast request_vote", log.Err(err))
		}
	}()
}

func (e *Election) becomeLeaderLocked(ctx context.Context) {
	e.role = types.RoleLeader
	term := e.term
	e.logger.Info("election: became leader", log.Uint64("term", term))
	if e.onChange != nil {
		go e.onChange(types.RoleLeader, term)
	}
	go e.sendHeartbeat(ctx)
}

func (e *Election) sendHeartbeat(ctx context.Context) {
	e.mu.Lock()
	term := e.term
	e.mu.Unlock()
	if err := e.emitter.Publish(ctx, types.ChannelLeaderElection, types.MsgHeartbeat, types.HeartbeatData{
		Term:      term,
		LeaderID:  e.nodeID,
		Timestamp: time.Now(),
	}); err != nil {
		e.logger.Warn("election: failed to send heartbeat", log.Err(err))
	}
}

// HandleEnvelope processes an inbound leader_election Envelope.
func (e *Election) HandleEnvelope(ctx context.Context, env types.Envelope) {
	switch env.Type {
	case types.MsgRequestVote:
		var data types.RequestVoteData
		if err := env.Decode(&data); err != nil {
			e.logger.Warn("election: dropping undecodable request_vote", log.Err(err))
			return
		}
		e.handleRequestVote(ctx, data)
	case types.MsgVoteResponse:
		var data types.VoteResponseData
		if err := env.Decode(&data); err != nil {
			e.logger.Warn("election: dropping undecodable vote_response", log.Err(err))
			return
		}
		e.handleVoteResponse(ctx, env.Sender, data)
	case types.MsgHeartbeat:
		var data types.HeartbeatData
		if err := env.Decode(&data); err != nil {
			e.logger.Warn("election: dropping undecodable heartbeat", log.Err(err))
			return
		}
		e.handleHeartbeat(data)
	default:
		e.logger.Debug("election: ignoring unknown message type", log.String("type", string(env.Type)))
	}
}

func (e *Election) handleRequestVote(ctx context.Context, data types.RequestVoteData) {
	e.mu.Lock()
	if data.Term > e.term {
		e.stepDownLocked(data.Term)
	}
	granted := data.Term >= e.term && (e.votedFor == "" || e.votedFor == data.CandidateID)
	if granted {
		e.votedFor = data.CandidateID
		e.resetDeadlineLocked()
	}
	term := e.term
	e.mu.Unlock()

	if err := e.emitter.Publish(ctx, types.ChannelLeaderElection, types.MsgVoteResponse, types.VoteResponseData{
		Term:        term,
		Granted:     granted,
		CandidateID: data.CandidateID,
	}); err != nil {
		e.logger.Warn("election: failed to send vote_response", log.Err(err))
	}
}

func (e *Election) handleVoteResponse(ctx context.Context, sender string, data types.VoteResponseData) {
	e.mu.Lock()
	if data.Term > e.term {
		e.stepDownLocked(data.Term)
		e.mu.Unlock()
		return
	}
	if data.CandidateID != e.nodeID || e.role != types.RoleCandidate || data.Term != e.term {
		e.mu.Unlock()
		return
	}
	if data.Granted {
		if e.grants == nil {
			e.grants = make(map[string]bool)
		}
		e.grants[sender] = true
	}
	won := len(e.grants) >= e.quorum()
	if won {
		e.becomeLeaderLocked(ctx)
	}
	e.mu.Unlock()
}

func (e *Election) handleHeartbeat(data types.HeartbeatData) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if data.Term > e.term {
		e.stepDownLocked(data.Term)
	}
	if data.Term < e.term {
		return
	}
	e.role = types.RoleFollower
	e.lastHeartbeat = time.Now()
	e.resetDeadlineLocked()
}

// Start runs the timeout-check loop (§4.4: checked every TimeoutTick) and,
// while leader, the periodic heartbeat loop.
func (e *Election) Start(ctx context.Context) {
	go e.timeoutLoop(ctx)
	go e.heartbeatLoop(ctx)
}

func (e *Election) timeoutLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.TimeoutTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stop:
			return
		case <-ticker.C:
			e.mu.Lock()
			expired := e.role != types.RoleLeader && time.Now().After(e.electionDeadline)
			if expired {
				e.becomeCandidateLocked(ctx)
				if len(e.grants) >= e.quorum() {
					// N=1 cluster (§8 boundary behavior): self-vote alone
					// already satisfies quorum, no peer response needed.
					e.becomeLeaderLocked(ctx)
				}
			}
			e.mu.Unlock()
		}
	}
}

func (e *Election) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stop:
			return
		case <-ticker.C:
			e.mu.Lock()
			isLeader := e.role == types.RoleLeader
			e.mu.Unlock()
			if isLeader {
				e.sendHeartbeat(ctx)
			}
		}
	}
}

// Stop terminates the election's background loops.
func (e *Election) Stop() {
	e.stopOnce.Do(func() { close(e.stop) })
}
