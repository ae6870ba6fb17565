package votestore

import (
	"context"
	"testing"
	"time"

	"github.com/luxfi/votecore/internal/comm"
	"github.com/luxfi/votecore/internal/logging"
	"github.com/luxfi/votecore/internal/store"
	"github.com/luxfi/votecore/internal/types"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*VoteStore, store.Store) {
	t.Helper()
	st := store.NewMemStore()
	c := comm.New(st, "node-a", logging.NoOp())
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Stop() })
	return New(st, c, "node-a", logging.NoOp()), st
}

func sampleVote(electionID, voterID, candidateID string) types.Vote {
	return types.Vote{
		VoterID:     voterID,
		ElectionID:  electionID,
		CandidateID: candidateID,
		Timestamp:   time.Now(),
		Signature:   "sig",
	}
}

func TestFinalizeIsIdempotentAndTalliesOnlyOnLeaderWrite(t *testing.T) {
	ctx := context.Background()
	vs, _ := newTestStore(t)

	v := sampleVote("e1", "voter-1", "alice")
	voteID := types.VoteID(v.ElectionID, v.VoterID, "suffix-1")

	require.NoError(t, vs.Finalize(ctx, voteID, v, true))
	require.NoError(t, vs.Finalize(ctx, voteID, v, true))

	voted, err := vs.HasVoted(ctx, "voter-1", "e1")
	require.NoError(t, err)
	require.True(t, voted)

	tally, err := vs.Tally(ctx, "e1")
	require.NoError(t, err)
	require.Equal(t, int64(1), tally["alice"])

	got, found, err := vs.GetVote(ctx, voteID)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "alice", got.CandidateID)
}

func TestFinalizeFollowerDoesNotIncrementCounter(t *testing.T) {
	ctx := context.Background()
	vs, _ := newTestStore(t)

	v := sampleVote("e1", "voter-1", "alice")
	voteID := types.VoteID(v.ElectionID, v.VoterID, "suffix-1")

	require.NoError(t, vs.Finalize(ctx, voteID, v, false))

	tally, err := vs.Tally(ctx, "e1")
	require.NoError(t, err)
	require.Equal(t, int64(0), tally["alice"], "follower replication must not double-count the tally")

	voted, err := vs.HasVoted(ctx, "voter-1", "e1")
	require.NoError(t, err)
	require.True(t, voted, "follower replication still records the voter")
}

func TestVerifyMatchesTallyAfterLeaderFinalize(t *testing.T) {
	ctx := context.Background()
	vs, _ := newTestStore(t)

	votes := []types.Vote{
		sampleVote("e1", "voter-1", "alice"),
		sampleVote("e1", "voter-2", "alice"),
		sampleVote("e1", "voter-3", "bob"),
	}
	for i, v := range votes {
		voteID := types.VoteID(v.ElectionID, v.VoterID, "suffix")
		_ = i
		require.NoError(t, vs.Finalize(ctx, voteID, v, true))
	}

	tally, err := vs.Tally(ctx, "e1")
	require.NoError(t, err)
	verified, err := vs.Verify(ctx, "e1")
	require.NoError(t, err)

	require.Equal(t, tally, verified)
	require.Equal(t, int64(2), tally["alice"])
	require.Equal(t, int64(1), tally["bob"])
}

func TestResetElectionClearsEveryFamilyAndReportsCounts(t *testing.T) {
	ctx := context.Background()
	vs, _ := newTestStore(t)

	votes := []types.Vote{
		sampleVote("e1", "voter-1", "alice"),
		sampleVote("e1", "voter-2", "bob"),
	}
	for _, v := range votes {
		voteID := types.VoteID(v.ElectionID, v.VoterID, "suffix")
		require.NoError(t, vs.Finalize(ctx, voteID, v, true))
	}

	details, err := vs.ResetElection(ctx, "e1")
	require.NoError(t, err)
	require.Equal(t, 2, details.VotersCleared)
	require.Equal(t, 2, details.CandidateCountersCleared)
	require.Equal(t, 2, details.VoteRecordsCleared)

	tally, err := vs.Tally(ctx, "e1")
	require.NoError(t, err)
	require.Empty(t, tally)

	voted, err := vs.HasVoted(ctx, "voter-1", "e1")
	require.NoError(t, err)
	require.False(t, voted)
}

func TestResetElectionBroadcastsAdminMessage(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()

	leaderComm := comm.New(st, "leader", logging.NoOp())
	require.NoError(t, leaderComm.Start(ctx))
	defer leaderComm.Stop()
	vs := New(st, leaderComm, "leader", logging.NoOp())

	peerComm := comm.New(st, "peer", logging.NoOp())
	received := make(chan types.ResetElectionData, 1)
	peerComm.Handle(types.ChannelElectionAdmin, func(ctx context.Context, env types.Envelope) {
		var data types.ResetElectionData
		require.NoError(t, env.Decode(&data))
		received <- data
	})
	require.NoError(t, peerComm.Start(ctx))
	defer peerComm.Stop()

	_, err := vs.ResetElection(ctx, "e1")
	require.NoError(t, err)

	select {
	case data := <-received:
		require.Equal(t, "e1", data.ElectionID)
	case <-time.After(time.Second):
		t.Fatal("peer never received reset_election broadcast")
	}
}

func TestGetVoteNotFound(t *testing.T) {
	ctx := context.Background()
	vs, _ := newTestStore(t)

	_, found, err := vs.GetVote(ctx, "does-not-exist")
	require.NoError(t, err)
	require.False(t, found)
}
