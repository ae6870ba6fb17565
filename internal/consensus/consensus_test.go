package consensus

import (
	"context"
	"testing"
	"time"

	"github.com/luxfi/votecore/internal/comm"
	"github.com/luxfi/votecore/internal/logging"
	"github.com/luxfi/votecore/internal/store"
	"github.com/luxfi/votecore/internal/types"
	"github.com/luxfi/votecore/internal/votestore"
	"github.com/stretchr/testify/require"
)

type fixedRole struct {
	leader bool
	quorum int
}

func (f fixedRole) IsLeader() bool { return f.leader }
func (f fixedRole) Quorum() int    { return f.quorum }

func testCfg() Config {
	return Config{
		RecheckDelay:  50 * time.Millisecond,
		RecheckDelay2: 75 * time.Millisecond,
		ProposalTTL:   200 * time.Millisecond,
		SkewTolerance: 5 * time.Second,
	}
}

type harnessNode struct {
	comm *comm.Communicator
	con  *Consensus
	vs   *votestore.VoteStore
}

func newHarness(t *testing.T, st store.Store, id string, role fixedRole) *harnessNode {
	t.Helper()
	c := comm.New(st, id, logging.NoOp())
	require.NoError(t, c.Start(context.Background()))
	vs := votestore.New(st, c, id, logging.NoOp())
	con := New(c, st, vs, role, id, testCfg(), nil, nil, logging.NoOp())
	c.Handle(types.ChannelVoteProposal, con.HandleEnvelope)
	c.Handle(types.ChannelVoteResponse, con.HandleEnvelope)
	c.Handle(types.ChannelVoteFinalization, con.HandleEnvelope)
	return &harnessNode{comm: c, con: con, vs: vs}
}

func TestSubmitVoteAsLeaderFinalizesAtQuorumOfOne(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	leader := newHarness(t, st, "leader", fixedRole{leader: true, quorum: 1})
	leader.con.Start(ctx)
	defer leader.con.Stop()
	defer leader.comm.Stop()

	vote := types.Vote{VoterID: "voter-1", ElectionID: "e1", CandidateID: "alice", Timestamp: time.Now(), Signature: "sig"}
	voteID, err := leader.con.SubmitVote(ctx, vote)
	require.NoError(t, err)
	require.NotEmpty(t, voteID)

	require.Eventually(t, func() bool {
		p, ok := leader.con.GetProposal(voteID)
		return ok && p.Status == types.ProposalFinalized
	}, time.Second, 5*time.Millisecond)

	tally, err := leader.vs.Tally(ctx, "e1")
	require.NoError(t, err)
	require.Equal(t, int64(1), tally["alice"])
}

func TestDuplicateSubmitRejectedAfterFinalize(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	leader := newHarness(t, st, "leader", fixedRole{leader: true, quorum: 1})
	leader.con.Start(ctx)
	defer leader.con.Stop()
	defer leader.comm.Stop()

	vote := types.Vote{VoterID: "voter-1", ElectionID: "e1", CandidateID: "alice", Timestamp: time.Now(), Signature: "sig"}
	voteID, err := leader.con.SubmitVote(ctx, vote)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		p, ok := leader.con.GetProposal(voteID)
		return ok && p.Status == types.ProposalFinalized
	}, time.Second, 5*time.Millisecond)

	_, err = leader.con.SubmitVote(ctx, vote)
	require.ErrorIs(t, err, ErrAlreadyVoted)
}

func TestThreeNodeQuorumReplicatesToFollowers(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	leader := newHarness(t, st, "leader", fixedRole{leader: true, quorum: 2})
	f1 := newHarness(t, st, "f1", fixedRole{leader: false, quorum: 2})
	f2 := newHarness(t, st, "f2", fixedRole{leader: false, quorum: 2})

	for _, n := range []*harnessNode{leader, f1, f2} {
		n.con.Start(ctx)
		defer n.con.Stop()
		defer n.comm.Stop()
	}

	vote := types.Vote{VoterID: "voter-1", ElectionID: "e1", CandidateID: "alice", Timestamp: time.Now(), Signature: "sig"}
	voteID, err := leader.con.SubmitVote(ctx, vote)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		v1, found1, err1 := f1.vs.GetVote(ctx, voteID)
		v2, found2, err2 := f2.vs.GetVote(ctx, voteID)
		return err1 == nil && err2 == nil && found1 && found2 &&
			v1.VoterID == "voter-1" && v2.VoterID == "voter-1"
	}, 2*time.Second, 10*time.Millisecond)

	tally, err := leader.vs.Tally(ctx, "e1")
	require.NoError(t, err)
	require.Equal(t, int64(1), tally["alice"])

	f1Tally, err := f1.vs.Tally(ctx, "e1")
	require.NoError(t, err)
	require.Equal(t, int64(0), f1Tally["alice"], "followers must never increment the counter themselves")
}

func TestNonLeaderForwardsToLeader(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	leader := newHarness(t, st, "leader", fixedRole{leader: true, quorum: 1})
	follower := newHarness(t, st, "follower", fixedRole{leader: false, quorum: 1})

	leader.con.Start(ctx)
	defer leader.con.Stop()
	defer leader.comm.Stop()
	follower.con.Start(ctx)
	defer follower.con.Stop()
	defer follower.comm.Stop()

	vote := types.Vote{VoterID: "voter-1", ElectionID: "e1", CandidateID: "alice", Timestamp: time.Now(), Signature: "sig"}
	_, err := follower.con.SubmitVote(ctx, vote)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		tally, err := leader.vs.Tally(ctx, "e1")
		return err == nil && tally["alice"] == 1
	}, time.Second, 10*time.Millisecond)
}

func TestInvalidVoteRejected(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	leader := newHarness(t, st, "leader", fixedRole{leader: true, quorum: 1})
	leader.con.Start(ctx)
	defer leader.con.Stop()
	defer leader.comm.Stop()

	vote := types.Vote{VoterID: "", ElectionID: "e1", CandidateID: "alice", Timestamp: time.Now()}
	_, err := leader.con.SubmitVote(ctx, vote)
	require.Error(t, err)
}
