// Copyright (C) 2024-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package consensus implements Consensus (CON) from §4.7: leader-coordinated
// per-vote replication with quorum ack over the unreliable message bus.
package consensus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/luxfi/log"
	"github.com/luxfi/votecore/internal/comm"
	"github.com/luxfi/votecore/internal/metrics"
	"github.com/luxfi/votecore/internal/store"
	"github.com/luxfi/votecore/internal/types"
	"github.com/luxfi/votecore/internal/verr"
	"github.com/luxfi/votecore/internal/votestore"
)

// ErrAlreadyVoted is returned by SubmitVote when (voter_id, election_id) has
// already been finalized.
var ErrAlreadyVoted = fmt.Errorf("consensus: voter has already voted in this election")

// LeaderChecker reports this node's current role and the quorum size, so
// CON can decide whether it is the leader path or the forwarding path
// without importing the election package directly (§9's capability-
// interface guidance breaks what would otherwise be a cyclic import).
type LeaderChecker interface {
	IsLeader() bool
	Quorum() int
}

// Config bundles §4.7's timing parameters.
type Config struct {
	RecheckDelay  time.Duration
	RecheckDelay2 time.Duration
	ProposalTTL   time.Duration
	SkewTolerance time.Duration
}

// Clock supplies the corrected "now" used for vote timestamp validation
// (§3), sourced from CS rather than the raw wall clock.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the default Clock, used when no clock-sync correction is
// wired in (e.g. in tests).
var SystemClock Clock = systemClock{}

// pendingProposal is one vote_id's in-flight replication state.
type pendingProposal struct {
	proposal  types.Proposal
	createdAt time.Time
	lastCheck time.Time
	rechecks  int
}

// Consensus runs one node's participation in vote replication.
type Consensus struct {
	emitter comm.Emitter
	st      store.Store
	vs      *votestore.VoteStore
	leader  LeaderChecker
	nodeID  string
	cfg     Config
	clock   Clock
	metrics *metrics.Metrics
	logger  log.Logger

	mu        sync.Mutex
	pending   map[string]*pendingProposal
	finalized map[string]types.Proposal
	voted     map[string]bool // "<election_id>:<voter_id>" local fast-path cache

	stopOnce sync.Once
	stop     chan struct{}
}

// New builds a Consensus instance. clock may be nil, in which case
// SystemClock is used. m may be nil (e.g. in tests not exercising
// metrics), in which case observations are skipped.
func New(emitter comm.Emitter, st store.Store, vs *votestore.VoteStore, leader LeaderChecker, nodeID string, cfg Config, clock Clock, m *metrics.Metrics, logger log.Logger) *Consensus {
	if clock == nil {
		clock = SystemClock
	}
	return &Consensus{
		emitter:   emitter,
		st:        st,
		vs:        vs,
		leader:    leader,
		nodeID:    nodeID,
		cfg:       cfg,
		clock:     clock,
		metrics:   m,
		logger:    logger,
		pending:   make(map[string]*pendingProposal),
		finalized: make(map[string]types.Proposal),
		voted:     make(map[string]bool),
		stop:      make(chan struct{}),
	}
}

func votedKey(electionID, voterID string) string {
	return electionID + ":" + voterID
}

// SubmitVote runs step 1 of §4.7's per-vote flow: validates the vote,
// rejects a duplicate voter, assigns a vote_id, and kicks off replication.
// Non-leader nodes forward the proposal to the leader instead of
// broadcasting it themselves (step 2).
func (c *Consensus) SubmitVote(ctx context.Context, vote types.Vote) (string, error) {
	if err := vote.Validate(c.clock.Now(), c.cfg.SkewTolerance); err != nil {
		return "", verr.Validationf("consensus.SubmitVote", "invalid vote: %v", err)
	}

	alreadyVoted, err := c.vs.HasVoted(ctx, vote.VoterID, vote.ElectionID)
	if err != nil {
		return "", verr.Transientf("consensus.SubmitVote", fmt.Errorf("checking voter record: %w", err))
	}
	if alreadyVoted {
		return "", ErrAlreadyVoted
	}

	c.mu.Lock()
	if c.voted[votedKey(vote.ElectionID, vote.VoterID)] {
		c.mu.Unlock()
		return "", ErrAlreadyVoted
	}
	c.mu.Unlock()

	voteID := types.VoteID(vote.ElectionID, vote.VoterID, types.NewVoteSuffix())

	if !c.leader.IsLeader() {
		if err := c.emitter.Publish(ctx, types.ChannelVoteProposal, types.MsgVoteForward, types.VoteForwardData{Vote: vote}); err != nil {
			return "", verr.Protocolf("consensus.SubmitVote", fmt.Errorf("forward vote to leader: %w", err))
		}
		return voteID, nil
	}

	c.startProposalLocked(ctx, voteID, vote)
	return voteID, nil
}

// startProposalLocked creates the pending proposal (self-approved) and
// broadcasts vote_propose. Must be called by the leader only.
func (c *Consensus) startProposalLocked(ctx context.Context, voteID string, vote types.Vote) {
	c.mu.Lock()
	if _, exists := c.pending[voteID]; exists {
		c.mu.Unlock()
		return
	}
	proposal := types.Proposal{
		VoteID:     voteID,
		Vote:       vote,
		Approvals:  map[string]bool{c.nodeID: true},
		Status:     types.ProposalPending,
		ProposedBy: c.nodeID,
		CreatedAt:  time.Now(),
	}
	c.pending[voteID] = &pendingProposal{proposal: proposal, createdAt: time.Now(), lastCheck: time.Now()}
	// N=1 cluster boundary case (§8): the self-approval alone already meets
	// quorum, so finalize without waiting for a peer ack that will never
	// arrive.
	quorumMet := proposal.ApprovalCount() >= c.leader.Quorum()
	c.mu.Unlock()

	if err := c.persistProposal(ctx, proposal); err != nil {
		c.logger.Warn("consensus: failed to persist proposal", log.String("vote_id", voteID), log.Err(err))
	}

	if quorumMet {
		c.finalize(ctx, proposal)
		return
	}

	if err := c.emitter.Publish(ctx, types.ChannelVoteProposal, types.MsgVotePropose, types.VoteProposeData{VoteID: voteID, Vote: vote}); err != nil {
		c.logger.Warn("consensus: failed to broadcast vote_propose", log.String("vote_id", voteID), log.Err(err))
	}
}

// persistProposal writes the proposal's current snapshot to SS under
// {consensus}.<vote_id> so a new leader can reconcile it (§4.7 tie-break
// "leader change mid-proposal").
func (c *Consensus) persistProposal(ctx context.Context, p types.Proposal) error {
	return c.st.HashSet(ctx, store.ConsensusProposalKey(p.VoteID), map[string]string{
		"vote_id":      p.VoteID,
		"voter_id":     p.Vote.VoterID,
		"election_id":  p.Vote.ElectionID,
		"candidate_id": p.Vote.CandidateID,
		"status":       string(p.Status),
		"proposed_by":  p.ProposedBy,
	})
}

// HandleEnvelope processes an inbound vote_proposal, vote_response, or
// vote_finalization Envelope, per the channel it arrived on.
func (c *Consensus) HandleEnvelope(ctx context.Context, env types.Envelope) {
	switch env.Type {
	case types.MsgVoteForward:
		var data types.VoteForwardData
		if err := env.Decode(&data); err != nil {
			c.logger.Warn("consensus: dropping undecodable vote_forward", log.Err(err))
			return
		}
		c.handleVoteForward(ctx, data)
	case types.MsgVotePropose:
		var data types.VoteProposeData
		if err := env.Decode(&data); err != nil {
			c.logger.Warn("consensus: dropping undecodable vote_propose", log.Err(err))
			return
		}
		c.handleVotePropose(ctx, data)
	case types.MsgVoteAcknowledge:
		var data types.VoteAcknowledgeData
		if err := env.Decode(&data); err != nil {
			c.logger.Warn("consensus: dropping undecodable vote_acknowledge", log.Err(err))
			return
		}
		c.handleVoteAcknowledge(ctx, env.Sender, data)
	case types.MsgVoteFinalized:
		var data types.VoteFinalizedData
		if err := env.Decode(&data); err != nil {
			c.logger.Warn("consensus: dropping undecodable vote_finalized", log.Err(err))
			return
		}
		c.handleVoteFinalized(ctx, data)
	default:
		c.logger.Debug("consensus: ignoring unknown message type", log.String("type", string(env.Type)))
	}
}

// handleVoteForward is the leader's entry point for a proposal a
// non-leader submitter forwarded (§4.7 step 2).
func (c *Consensus) handleVoteForward(ctx context.Context, data types.VoteForwardData) {
	if !c.leader.IsLeader() {
		return
	}
	alreadyVoted, err := c.vs.HasVoted(ctx, data.Vote.VoterID, data.Vote.ElectionID)
	if err != nil {
		c.logger.Warn("consensus: checking voter record for forwarded vote", log.Err(err))
		return
	}
	if alreadyVoted {
		return
	}
	voteID := types.VoteID(data.Vote.ElectionID, data.Vote.VoterID, types.NewVoteSuffix())
	c.startProposalLocked(ctx, voteID, data.Vote)
}

// handleVotePropose is a follower's entry point for the leader's broadcast
// (§4.7 step 4): adopt the proposal locally, validate, and reply.
func (c *Consensus) handleVotePropose(ctx context.Context, data types.VoteProposeData) {
	status := types.AckApproved
	reason := ""

	if err := data.Vote.Validate(c.clock.Now(), c.cfg.SkewTolerance); err != nil {
		status = types.AckRejected
		reason = err.Error()
	} else {
		alreadyVoted, err := c.vs.HasVoted(ctx, data.Vote.VoterID, data.Vote.ElectionID)
		if err != nil {
			c.logger.Warn("consensus: checking voter record", log.Err(err))
			status = types.AckRejected
			reason = "voter record lookup failed"
		} else if alreadyVoted {
			status = types.AckRejected
			reason = "already voted"
		}
	}

	c.mu.Lock()
	if _, exists := c.pending[data.VoteID]; !exists {
		proposal := types.Proposal{
			VoteID:     data.VoteID,
			Vote:       data.Vote,
			Approvals:  map[string]bool{c.nodeID: true},
			Status:     types.ProposalPending,
			ProposedBy: "", // unknown at follower; leader inherits ownership via SS
			CreatedAt:  time.Now(),
		}
		c.pending[data.VoteID] = &pendingProposal{proposal: proposal, createdAt: time.Now(), lastCheck: time.Now()}
	}
	c.mu.Unlock()

	if err := c.emitter.Publish(ctx, types.ChannelVoteResponse, types.MsgVoteAcknowledge, types.VoteAcknowledgeData{
		VoteID: data.VoteID,
		Status: status,
		Reason: reason,
	}); err != nil {
		c.logger.Warn("consensus: failed to send vote_acknowledge", log.String("vote_id", data.VoteID), log.Err(err))
	}
}

// handleVoteAcknowledge is the leader's accumulation step (§4.7 step 5):
// count approvals, finalize at quorum.
func (c *Consensus) handleVoteAcknowledge(ctx context.Context, sender string, data types.VoteAcknowledgeData) {
	if !c.leader.IsLeader() {
		return
	}
	c.mu.Lock()
	pp, exists := c.pending[data.VoteID]
	if !exists || pp.proposal.Status != types.ProposalPending {
		c.mu.Unlock()
		return
	}
	if data.Status == types.AckApproved {
		pp.proposal.Approvals[sender] = true
	} else {
		pp.proposal.Rejections++
	}
	quorumMet := pp.proposal.ApprovalCount() >= c.leader.Quorum()
	proposal := pp.proposal
	c.mu.Unlock()

	if quorumMet {
		c.finalize(ctx, proposal)
	}
}

// finalize runs §4.7 step 6: move pending to finalized, write VS effects
// with this node as the counter writer, and broadcast vote_finalized.
func (c *Consensus) finalize(ctx context.Context, proposal types.Proposal) {
	if err := c.vs.Finalize(ctx, proposal.VoteID, proposal.Vote, true); err != nil {
		c.logger.Warn("consensus: finalize write failed", log.String("vote_id", proposal.VoteID), log.Err(err))
		return
	}
	if c.metrics != nil && !proposal.CreatedAt.IsZero() {
		c.metrics.ConsensusRounds.Observe(time.Since(proposal.CreatedAt).Seconds())
	}
	c.commitLocal(proposal.VoteID, proposal)

	proposal.Status = types.ProposalFinalized
	if err := c.persistProposal(ctx, proposal); err != nil {
		c.logger.Warn("consensus: failed to persist finalized proposal", log.String("vote_id", proposal.VoteID), log.Err(err))
	}

	if err := c.emitter.Publish(ctx, types.ChannelVoteFinalization, types.MsgVoteFinalized, types.VoteFinalizedData{
		VoteID: proposal.VoteID,
		Vote:   proposal.Vote,
	}); err != nil {
		// Open Question decision #2: no counter rollback on a failed
		// broadcast. reset_election is the correction path.
		c.logger.Warn("consensus: vote_finalized broadcast failed", log.String("vote_id", proposal.VoteID), log.Err(err))
	}
}

// handleVoteFinalized is a follower's entry point for the leader's
// finalize broadcast (§4.7 step 7): apply the same transition without
// re-incrementing SS counters.
func (c *Consensus) handleVoteFinalized(ctx context.Context, data types.VoteFinalizedData) {
	if c.leader.IsLeader() {
		return
	}
	c.mu.Lock()
	_, alreadyFinalized := c.finalized[data.VoteID]
	c.mu.Unlock()
	if alreadyFinalized {
		return
	}
	if err := c.vs.Finalize(ctx, data.VoteID, data.Vote, false); err != nil {
		c.logger.Warn("consensus: follower finalize replication failed", log.String("vote_id", data.VoteID), log.Err(err))
		return
	}
	proposal := types.Proposal{
		VoteID: data.VoteID,
		Vote:   data.Vote,
		Status: types.ProposalFinalized,
	}
	c.commitLocal(data.VoteID, proposal)
}

func (c *Consensus) commitLocal(voteID string, proposal types.Proposal) {
	proposal.Status = types.ProposalFinalized
	c.mu.Lock()
	delete(c.pending, voteID)
	c.finalized[voteID] = proposal
	c.voted[votedKey(proposal.Vote.ElectionID, proposal.Vote.VoterID)] = true
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.VotesFinalized.Inc()
	}
}

// GetProposal returns the current state of vote_id, checking finalized
// first, then pending. The second return is false if vote_id is unknown.
func (c *Consensus) GetProposal(voteID string) (types.Proposal, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.finalized[voteID]; ok {
		return p, true
	}
	if pp, ok := c.pending[voteID]; ok {
		return pp.proposal, true
	}
	return types.Proposal{}, false
}

// FinalizedVoteIDs returns every vote_id this node has finalized or
// replicated, for /health's best-effort votes_processed count.
func (c *Consensus) FinalizedVoteIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.finalized))
	for id := range c.finalized {
		ids = append(ids, id)
	}
	return ids
}

// Start runs the leader-only recheck loop (§4.7's "re-check cadence") and
// the proposal TTL garbage collector, and reconciles proposals from SS on
// startup (covering a leader-change handoff).
func (c *Consensus) Start(ctx context.Context) {
	go c.reconcileFromStore(ctx)
	go c.recheckLoop(ctx)
	go c.gcLoop(ctx)
}

// ReconcileNow re-runs the SS orphaned-proposal scan. The node's Leader
// Election role-change callback calls this on every promotion to leader (not just at process startup), so a
// proposal left pending by a prior leader that crashed mid-quorum gets
// picked up by whichever node wins the next term instead of stalling until
// that node's next restart.
func (c *Consensus) ReconcileNow(ctx context.Context) {
	c.reconcileFromStore(ctx)
}

// reconcileFromStore scans {consensus}.* for proposals that still need a
// leader and adopts any this node now owns as leader (Open Question
// decision #1: proposal survival across leader change).
func (c *Consensus) reconcileFromStore(ctx context.Context) {
	if !c.leader.IsLeader() {
		return
	}
	keys, err := c.st.Scan(ctx, store.ConsensusScanPattern())
	if err != nil {
		c.logger.Warn("consensus: reconcile scan failed", log.Err(err))
		return
	}
	for _, key := range keys {
		fields, err := c.st.HashGetAll(ctx, key)
		if err != nil {
			c.logger.Warn("consensus: reconcile read failed", log.String("key", key), log.Err(err))
			continue
		}
		if fields["status"] != string(types.ProposalPending) {
			continue
		}
		voteID := fields["vote_id"]
		c.mu.Lock()
		_, pending := c.pending[voteID]
		_, done := c.finalized[voteID]
		c.mu.Unlock()
		if pending || done {
			continue
		}
		vote := types.Vote{
			VoterID:     fields["voter_id"],
			ElectionID:  fields["election_id"],
			CandidateID: fields["candidate_id"],
		}
		c.logger.Info("consensus: re-proposing orphaned proposal from a prior leader", log.String("vote_id", voteID))
		c.startProposalLocked(ctx, voteID, vote)
	}
}

// recheckLoop re-broadcasts vote_propose for proposals that have not
// reached quorum within RecheckDelay, then again after RecheckDelay2 if
// still short (§4.7's re-check cadence).
func (c *Consensus) recheckLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.RecheckDelay)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			if !c.leader.IsLeader() {
				continue
			}
			c.recheckPending(ctx)
		}
	}
}

func (c *Consensus) recheckPending(ctx context.Context) {
	now := time.Now()
	c.mu.Lock()
	var due []*pendingProposal
	for _, pp := range c.pending {
		delay := c.cfg.RecheckDelay
		if pp.rechecks > 0 {
			delay = c.cfg.RecheckDelay2
		}
		if now.Sub(pp.lastCheck) >= delay {
			pp.lastCheck = now
			pp.rechecks++
			due = append(due, pp)
		}
	}
	c.mu.Unlock()

	for _, pp := range due {
		c.logger.Debug("consensus: rechecking proposal short of quorum", log.String("vote_id", pp.proposal.VoteID), log.Int("rechecks", pp.rechecks))
		if err := c.emitter.Publish(ctx, types.ChannelVoteProposal, types.MsgVotePropose, types.VoteProposeData{
			VoteID: pp.proposal.VoteID,
			Vote:   pp.proposal.Vote,
		}); err != nil {
			c.logger.Warn("consensus: recheck broadcast failed", log.String("vote_id", pp.proposal.VoteID), log.Err(err))
		}
	}
}

// gcLoop drops proposals that have lingered in pending past ProposalTTL
// (§4.7: "a proposal lingering in pending for a configurable TTL is
// abandoned and garbage-collected").
func (c *Consensus) gcLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.ProposalTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			c.collectExpired()
		}
	}
}

func (c *Consensus) collectExpired() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for voteID, pp := range c.pending {
		if now.Sub(pp.createdAt) > c.cfg.ProposalTTL {
			c.logger.Info("consensus: abandoning proposal past TTL", log.String("vote_id", voteID))
			delete(c.pending, voteID)
		}
	}
}

// Stop terminates the consensus instance's background loops.
func (c *Consensus) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}
