// Copyright (C) 2024-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package types holds the wire and storage data model shared by every
// subsystem: votes, proposals, node roles, and the message envelope carried
// on the communicator's channels.
package types

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Role is a node's current position in the current term.
type Role string

const (
	RoleLeader    Role = "leader"
	RoleFollower  Role = "follower"
	RoleCandidate Role = "candidate"
)

// Status is a node's lifecycle state.
type Status string

const (
	StatusStarting Status = "starting"
	StatusActive   Status = "active"
	StatusDegraded Status = "degraded"
	StatusShutdown Status = "shutdown"
)

// NodeInfo is the colocated directory record for one node, stored under
// {nodes}.<node_id>.
type NodeInfo struct {
	ID            string    `json:"id"`
	Role          Role      `json:"role"`
	StartTime     time.Time `json:"start_time"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Status        Status    `json:"status"`
	Term          uint64    `json:"term"`
}

// Vote is a single ballot cast by a voter for a candidate in an election.
type Vote struct {
	VoterID     string    `json:"voter_id"`
	ElectionID  string    `json:"election_id"`
	CandidateID string    `json:"candidate_id"`
	Timestamp   time.Time `json:"timestamp"`
	Signature   string    `json:"signature"`
	ContentHash string    `json:"content_hash,omitempty"`
}

// Validate checks the field-level invariants from §3: no empty identifying
// field, and a timestamp no further than skew into the future of
// corrected "now".
func (v Vote) Validate(correctedNow time.Time, skew time.Duration) error {
	if v.VoterID == "" {
		return fmt.Errorf("voter_id is required")
	}
	if v.ElectionID == "" {
		return fmt.Errorf("election_id is required")
	}
	if v.CandidateID == "" {
		return fmt.Errorf("candidate_id is required")
	}
	if v.Timestamp.After(correctedNow.Add(skew)) {
		return fmt.Errorf("timestamp %s is more than %s ahead of corrected now %s", v.Timestamp, skew, correctedNow)
	}
	return nil
}

// VoteID returns the deterministic id `<election_id>:<voter_id>:<suffix>`.
// Re-derivation with the same suffix makes resubmission idempotent.
func VoteID(electionID, voterID, suffix string) string {
	return fmt.Sprintf("%s:%s:%s", electionID, voterID, suffix)
}

// NewVoteSuffix generates the unique per-proposal suffix.
func NewVoteSuffix() string {
	return uuid.NewString()
}

// ProposalStatus is the monotone-forward lifecycle of a Proposal.
type ProposalStatus string

const (
	ProposalPending   ProposalStatus = "pending"
	ProposalFinalized ProposalStatus = "finalized"
	ProposalRejected  ProposalStatus = "rejected"
)

// Proposal is the leader-coordinated replication unit for one vote.
type Proposal struct {
	VoteID     string         `json:"vote_id"`
	Vote       Vote           `json:"vote"`
	Approvals  map[string]bool `json:"approvals"`
	Rejections int            `json:"rejections"`
	Status     ProposalStatus `json:"status"`
	ProposedBy string         `json:"proposed_by"`
	CreatedAt  time.Time      `json:"created_at"`
}

// ApprovalCount returns the number of distinct nodes that have approved.
func (p *Proposal) ApprovalCount() int {
	n := 0
	for _, ok := range p.Approvals {
		if ok {
			n++
		}
	}
	return n
}

// MessageType identifies the data schema carried by an Envelope on a given
// channel (§4.3, §6).
type MessageType string

const (
	// vote_proposal channel
	MsgVoteForward  MessageType = "vote_forward"
	MsgVotePropose  MessageType = "vote_propose"
	// vote_response channel
	MsgVoteAcknowledge MessageType = "vote_acknowledge"
	// vote_finalization channel
	MsgVoteFinalized MessageType = "vote_finalized"
	// time_sync channel
	MsgSyncRequest MessageType = "sync_request"
	MsgBroadcast   MessageType = "broadcast"
	// leader_election channel
	MsgRequestVote  MessageType = "request_vote"
	MsgVoteResponse MessageType = "vote_response"
	MsgHeartbeat    MessageType = "leader_heartbeat"
	// election_admin channel
	MsgResetElection MessageType = "reset_election"
)

// Channel names the closed set of buses COM subscribes to (§4.3).
type Channel string

const (
	ChannelVoteProposal    Channel = "vote_proposal"
	ChannelVoteResponse    Channel = "vote_response"
	ChannelVoteFinalization Channel = "vote_finalization"
	ChannelTimeSync        Channel = "time_sync"
	ChannelLeaderElection  Channel = "leader_election"
	ChannelElectionAdmin   Channel = "election_admin"
)

// Envelope is the self-describing payload COM publishes and dispatches.
// Data is kept as raw JSON so dispatch can route on Type before deciding how
// to decode the payload (§4.3, §9 "dynamic message payloads" as a tagged
// union: unknown types are logged and dropped, not blindly unmarshaled).
type Envelope struct {
	Sender    string          `json:"sender"`
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// NewEnvelope builds an Envelope, marshaling data into its Data field.
func NewEnvelope(sender string, typ MessageType, data interface{}) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s data: %w", typ, err)
	}
	return Envelope{Sender: sender, Type: typ, Timestamp: time.Now(), Data: raw}, nil
}

// Decode unmarshals the envelope's Data into out.
func (e Envelope) Decode(out interface{}) error {
	return json.Unmarshal(e.Data, out)
}

// VoteForwardData carries a vote from a non-leader submitter to the leader.
type VoteForwardData struct {
	Vote Vote `json:"vote"`
}

// VoteProposeData is the leader's broadcast of a new proposal.
type VoteProposeData struct {
	VoteID string `json:"vote_id"`
	Vote   Vote   `json:"vote"`
}

// VoteAcknowledgeStatus is a follower's verdict on a proposed vote.
type VoteAcknowledgeStatus string

const (
	AckApproved VoteAcknowledgeStatus = "approved"
	AckRejected VoteAcknowledgeStatus = "rejected"
)

// VoteAcknowledgeData is a follower's reply to a vote_propose.
type VoteAcknowledgeData struct {
	VoteID string                `json:"vote_id"`
	Status VoteAcknowledgeStatus `json:"status"`
	Reason string                `json:"reason,omitempty"`
}

// VoteFinalizedData is the leader's broadcast that a proposal finalized.
type VoteFinalizedData struct {
	VoteID string `json:"vote_id"`
	Vote   Vote   `json:"vote"`
}

// TimeSyncData carries either a follower's sync_request or the leader's
// broadcast of its wall clock.
type TimeSyncData struct {
	SystemTime  time.Time `json:"system_time,omitempty"`
	BroadcastID string    `json:"broadcast_id,omitempty"`
	Initial     bool      `json:"initial,omitempty"`
}

// RequestVoteData is a candidate's solicitation for a ballot in a term.
type RequestVoteData struct {
	Term        uint64 `json:"term"`
	CandidateID string `json:"candidate_id"`
}

// VoteResponseData is a peer's decision on a RequestVoteData.
type VoteResponseData struct {
	Term        uint64 `json:"term"`
	Granted     bool   `json:"granted"`
	CandidateID string `json:"candidate_id"`
}

// HeartbeatData is the leader's periodic liveness broadcast.
type HeartbeatData struct {
	Term      uint64    `json:"term"`
	LeaderID  string    `json:"leader_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ResetElectionData is broadcast by the node that performed an admin reset
// so peers clear their local mirrors.
type ResetElectionData struct {
	ElectionID string `json:"election_id"`
}

// TallyEntry is one (election, candidate) counter.
type TallyEntry struct {
	ElectionID  string `json:"election_id"`
	CandidateID string `json:"candidate_id"`
	Count       int64  `json:"count"`
}

// SyncStatus is the reported clock-sync health from §4.5.
type SyncStatus struct {
	Synced   bool          `json:"synced"`
	Offset   time.Duration `json:"offset"`
	LastSync time.Time     `json:"last_sync"`
	SyncAge  time.Duration `json:"sync_age"`
	IsLeader bool          `json:"is_leader"`
}
