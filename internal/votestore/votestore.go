// Copyright (C) 2024-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package votestore implements the Vote Store (VS) from §4.8: the
// deterministic effect layer that writes finalized votes into SS, keeps the
// per-election voter set and per-candidate counters, and serves tally
// reads. Every operation is idempotent by vote_id.
package votestore

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/luxfi/log"
	"github.com/luxfi/votecore/internal/comm"
	"github.com/luxfi/votecore/internal/store"
	"github.com/luxfi/votecore/internal/types"
)

// VoteStore writes finalized votes and serves tally reads.
type VoteStore struct {
	store  store.Store
	emitter comm.Emitter
	nodeID string
	logger log.Logger
}

// New builds a VoteStore.
func New(st store.Store, emitter comm.Emitter, nodeID string, logger log.Logger) *VoteStore {
	return &VoteStore{store: st, emitter: emitter, nodeID: nodeID, logger: logger}
}

// HasVoted reports whether (voterID, electionID) already has a
// VoterRecord, per §3's at-most-one-vote invariant.
func (vs *VoteStore) HasVoted(ctx context.Context, voterID, electionID string) (bool, error) {
	ok, err := vs.store.IsMember(ctx, store.ElectionVotersKey(electionID), voterID)
	if err != nil {
		return false, fmt.Errorf("votestore: has-voted check: %w", err)
	}
	return ok, nil
}

// Finalize writes the finalized vote's effects into SS: adds the voter to
// the election's voter set, writes the {votes}.<vote_id> record, and, only
// when isLeaderWriter is true, increments the per-candidate counter. §4.7
// step 7: "the leader is the single writer for SS counters" — followers
// call Finalize with isLeaderWriter=false so they replicate the voter set
// and vote record without double-incrementing.
func (vs *VoteStore) Finalize(ctx context.Context, voteID string, vote types.Vote, isLeaderWriter bool) error {
	existing, err := vs.store.HashGetAll(ctx, store.VoteKey(voteID))
	if err != nil {
		return fmt.Errorf("votestore: read vote record: %w", err)
	}
	if len(existing) > 0 {
		// Already finalized under this vote_id: leave set and counter as they are.
		return nil
	}
	if err := vs.store.AddToSet(ctx, store.ElectionVotersKey(vote.ElectionID), vote.VoterID); err != nil {
		return fmt.Errorf("votestore: add voter to set: %w", err)
	}
	if isLeaderWriter {
		if _, err := vs.store.IncrementCounter(ctx, store.ElectionCandidateKey(vote.ElectionID, vote.CandidateID)); err != nil {
			return fmt.Errorf("votestore: increment candidate counter: %w", err)
		}
	}
	fields := map[string]string{
		"voter_id":     vote.VoterID,
		"election_id":  vote.ElectionID,
		"candidate_id": vote.CandidateID,
		"timestamp":    vote.Timestamp.Format(time.RFC3339Nano),
		"signature":    vote.Signature,
		"content_hash": vote.ContentHash,
		"stored_at":    time.Now().Format(time.RFC3339Nano),
	}
	if err := vs.store.HashSet(ctx, store.VoteKey(voteID), fields); err != nil {
		return fmt.Errorf("votestore: write vote record: %w", err)
	}
	return nil
}

// GetVote returns the finalized vote for voteID, and false if it has not
// been finalized (or does not exist).
func (vs *VoteStore) GetVote(ctx context.Context, voteID string) (types.Vote, bool, error) {
	fields, err := vs.store.HashGetAll(ctx, store.VoteKey(voteID))
	if err != nil {
		return types.Vote{}, false, fmt.Errorf("votestore: read vote record: %w", err)
	}
	if len(fields) == 0 {
		return types.Vote{}, false, nil
	}
	ts, _ := time.Parse(time.RFC3339Nano, fields["timestamp"])
	return types.Vote{
		VoterID:     fields["voter_id"],
		ElectionID:  fields["election_id"],
		CandidateID: fields["candidate_id"],
		Timestamp:   ts,
		Signature:   fields["signature"],
		ContentHash: fields["content_hash"],
	}, true, nil
}

// Tally reads the primary tally view: the {election}.<id>.candidate.*
// counter family (SPEC_FULL.md Open Question decision #3).
func (vs *VoteStore) Tally(ctx context.Context, electionID string) (map[string]int64, error) {
	keys, err := vs.store.Scan(ctx, store.ElectionCandidateScanPattern(electionID))
	if err != nil {
		return nil, fmt.Errorf("votestore: scan candidate counters: %w", err)
	}
	prefix := fmt.Sprintf("{election}.%s.candidate.", electionID)
	results := make(map[string]int64, len(keys))
	for _, key := range keys {
		candidateID := strings.TrimPrefix(key, prefix)
		raw, found, err := vs.store.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("votestore: read counter %s: %w", key, err)
		}
		if !found {
			continue
		}
		count, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("votestore: counter %s has non-integer value %q: %w", key, raw, err)
		}
		results[candidateID] = count
	}
	return results, nil
}

// Verify recomputes the tally by scanning and counting finalized
// {votes}.<election_id>:* records directly, instead of reading the counter
// family. Used only as a cross-check (SPEC_FULL.md Open Question decision
// #3), never as the HTTP handler's primary read path.
func (vs *VoteStore) Verify(ctx context.Context, electionID string) (map[string]int64, error) {
	keys, err := vs.store.Scan(ctx, store.VoteScanPatternForElection(electionID))
	if err != nil {
		return nil, fmt.Errorf("votestore: scan vote records: %w", err)
	}
	results := make(map[string]int64, len(keys))
	for _, key := range keys {
		fields, err := vs.store.HashGetAll(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("votestore: read vote record %s: %w", key, err)
		}
		results[fields["candidate_id"]]++
	}
	return results, nil
}

// ResetDetails reports what reset_election actually cleared, per
// SPEC_FULL.md's "admin election reset with per-field detail" supplement.
type ResetDetails struct {
	VotersCleared           int `json:"voters_cleared"`
	CandidateCountersCleared int `json:"candidate_counters_cleared"`
	VoteRecordsCleared      int `json:"vote_records_cleared"`
}

// ResetElection deletes the tally family, the voter set, and per-vote
// records for electionID, then broadcasts election_admin{reset_election};
// peers handling it call ResetLocal, which repeats the same shared-store
// deletions. Neither clears Consensus's in-memory pending, finalized or
// voted state for the election. Callers running this on the node
// that receives the admin request should broadcast; peers handling the
// resulting message should call ResetLocal instead to avoid a broadcast
// storm.
func (vs *VoteStore) ResetElection(ctx context.Context, electionID string) (ResetDetails, error) {
	details, err := vs.resetLocal(ctx, electionID)
	if err != nil {
		return details, err
	}
	if err := vs.emitter.Publish(ctx, types.ChannelElectionAdmin, types.MsgResetElection, types.ResetElectionData{ElectionID: electionID}); err != nil {
		vs.logger.Warn("votestore: reset broadcast failed", log.String("election_id", electionID), log.Err(err))
	}
	return details, nil
}

// ResetLocal applies the reset without broadcasting, for use by the
// election_admin handler reacting to another node's broadcast.
func (vs *VoteStore) ResetLocal(ctx context.Context, electionID string) (ResetDetails, error) {
	return vs.resetLocal(ctx, electionID)
}

func (vs *VoteStore) resetLocal(ctx context.Context, electionID string) (ResetDetails, error) {
	var details ResetDetails

	voters, err := vs.store.SetMembers(ctx, store.ElectionVotersKey(electionID))
	if err != nil {
		return details, fmt.Errorf("votestore: list voters: %w", err)
	}
	details.VotersCleared = len(voters)
	if err := vs.store.Delete(ctx, store.ElectionVotersKey(electionID)); err != nil {
		return details, fmt.Errorf("votestore: clear voter set: %w", err)
	}

	candidateKeys, err := vs.store.Scan(ctx, store.ElectionCandidateScanPattern(electionID))
	if err != nil {
		return details, fmt.Errorf("votestore: scan candidate counters: %w", err)
	}
	details.CandidateCountersCleared = len(candidateKeys)
	if err := vs.store.DeletePattern(ctx, store.ElectionCandidateScanPattern(electionID)); err != nil {
		return details, fmt.Errorf("votestore: clear candidate counters: %w", err)
	}

	voteKeys, err := vs.store.Scan(ctx, store.VoteScanPatternForElection(electionID))
	if err != nil {
		return details, fmt.Errorf("votestore: scan vote records: %w", err)
	}
	details.VoteRecordsCleared = len(voteKeys)
	if err := vs.store.DeletePattern(ctx, store.VoteScanPatternForElection(electionID)); err != nil {
		return details, fmt.Errorf("votestore: clear vote records: %w", err)
	}

	return details, nil
}
