package node

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/luxfi/votecore/internal/clocksync"
	"github.com/luxfi/votecore/internal/comm"
	"github.com/luxfi/votecore/internal/config"
	"github.com/luxfi/votecore/internal/consensus"
	"github.com/luxfi/votecore/internal/directory"
	"github.com/luxfi/votecore/internal/election"
	"github.com/luxfi/votecore/internal/health"
	"github.com/luxfi/votecore/internal/logging"
	"github.com/luxfi/votecore/internal/metrics"
	"github.com/luxfi/votecore/internal/store"
	"github.com/luxfi/votecore/internal/types"
	"github.com/luxfi/votecore/internal/votestore"
	"github.com/stretchr/testify/require"
)

// buildTestNode wires a Node over an in-memory store instead of Redis, so
// handler behavior can be exercised without a live shared-store process.
func buildTestNode(t *testing.T, nodeID string, st store.Store) *Node {
	t.Helper()

	cfg := config.Default()
	cfg.NodeID = nodeID
	cfg.InitialRole = types.RoleLeader
	cfg.ElectionTimeoutMin = 50 * time.Millisecond
	cfg.ElectionTimeoutMax = 100 * time.Millisecond
	cfg.ElectionTimeoutTick = 5 * time.Millisecond
	cfg.ConsensusRecheckDelay = 100 * time.Millisecond
	cfg.ConsensusRecheckDelay2 = 150 * time.Millisecond

	c := comm.New(st, cfg.NodeID, logging.NoOp())
	require.NoError(t, c.Start(context.Background()))

	dir := directory.New(st, cfg.NodeID, cfg.InitialRole, directory.Config{
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatTTL:      cfg.HeartbeatTTL,
		ScanInterval:      cfg.PeerScanInterval,
		LivenessWindow:    cfg.PeerLivenessWindow,
		DegradedThreshold: cfg.DegradedThreshold,
	}, logging.NoOp())

	registry := metrics.NewRegistry()
	metricSet, err := metrics.New("votecore_test_"+nodeID, registry)
	require.NoError(t, err)

	cs := clocksync.New(c, st, cfg.NodeID, true, clocksync.Config{
		FastInterval: cfg.ClockSyncFastInterval,
		SlowInterval: cfg.ClockSyncSlowInterval,
		FastWindow:   cfg.ClockSyncFastWindow,
		HistorySize:  cfg.ClockSyncHistorySize,
	}, metricSet, logging.NoOp())

	vs := votestore.New(st, c, cfg.NodeID, logging.NoOp())

	n := &Node{
		cfg:       cfg,
		logger:    logging.NoOp(),
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
	}, logging.NoOp(), n.onRoleChange)
	n.Election = el

	con := consensus.New(c, st, vs, el, cfg.NodeID, consensus.Config{
		RecheckDelay:  cfg.ConsensusRecheckDelay,
		RecheckDelay2: cfg.ConsensusRecheckDelay2,
		ProposalTTL:   cfg.ProposalTTL,
		SkewTolerance: cfg.TimestampSkewTolerance,
	}, cs, metricSet, logging.NoOp())
	n.Consensus = con

	c.Handle(types.ChannelLeaderElection, el.HandleEnvelope)
	c.Handle(types.ChannelTimeSync, cs.HandleEnvelope)
	c.Handle(types.ChannelVoteProposal, con.HandleEnvelope)
	c.Handle(types.ChannelVoteResponse, con.HandleEnvelope)
	c.Handle(types.ChannelVoteFinalization, con.HandleEnvelope)
	c.Handle(types.ChannelElectionAdmin, n.handleElectionAdmin)

	n.registerHealthChecks()

	require.NoError(t, dir.Start(context.Background()))
	el.Start(context.Background())
	con.Start(context.Background())

	// Leadership comes from the election, not cfg.InitialRole: wait for this
	// single-node cluster to elect itself so submitted votes take the leader
	// path instead of being forwarded to a leader that does not exist yet.
	require.Eventually(t, el.IsLeader, time.Second, 5*time.Millisecond)

	t.Cleanup(func() {
		con.Stop()
		el.Stop()
		cs.Stop()
		_ = c.Stop()
	})

	return n
}

func TestHealthEndpointReportsHealthyLeader(t *testing.T) {
	st := store.NewMemStore()
	n := buildTestNode(t, "leader", st)
	router := n.Router()

	var rec *httptest.ResponseRecorder
	require.Eventually(t, func() bool {
		rec = httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		return rec.Code == http.StatusOK
	}, time.Second, 10*time.Millisecond)

	var resp healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "healthy", resp.Status)
	require.Equal(t, types.RoleLeader, resp.Role)
}

func TestSubmitVoteThenFetchReturnsFinalized(t *testing.T) {
	st := store.NewMemStore()
	n := buildTestNode(t, "leader", st)
	router := n.Router()

	body, err := json.Marshal(submitVoteRequest{
		VoterID:     "voter-1",
		ElectionID:  "e1",
		CandidateID: "alice",
		Timestamp:   time.Now(),
		Signature:   "sig",
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/votes", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var submitResp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &submitResp))
	voteID, ok := submitResp["vote_id"].(string)
	require.True(t, ok)
	require.NotEmpty(t, voteID)

	require.Eventually(t, func() bool {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/votes/"+voteID, nil))
		if rec.Code != http.StatusOK {
			return false
		}
		var got map[string]interface{}
		_ = json.Unmarshal(rec.Body.Bytes(), &got)
		return got["status"] == "finalized"
	}, time.Second, 10*time.Millisecond)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/elections/e1/results", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var results map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &results))
	require.Equal(t, float64(1), results["total_votes"])
}

func TestDuplicateVoteSubmissionReturns409(t *testing.T) {
	st := store.NewMemStore()
	n := buildTestNode(t, "leader", st)
	router := n.Router()

	vote := submitVoteRequest{
		VoterID:     "voter-1",
		ElectionID:  "e1",
		CandidateID: "alice",
		Timestamp:   time.Now(),
		Signature:   "sig",
	}
	body, err := json.Marshal(vote)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/votes", bytes.NewReader(body)))
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Eventually(t, func() bool {
		tally, err := n.VoteStore.Tally(context.Background(), "e1")
		return err == nil && tally["alice"] == 1
	}, time.Second, 10*time.Millisecond)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/votes", bytes.NewReader(body)))
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestElectionResetZeroesResults(t *testing.T) {
	st := store.NewMemStore()
	n := buildTestNode(t, "leader", st)
	router := n.Router()

	body, err := json.Marshal(submitVoteRequest{
		VoterID:     "voter-1",
		ElectionID:  "e1",
		CandidateID: "alice",
		Timestamp:   time.Now(),
		Signature:   "sig",
	})
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/votes", bytes.NewReader(body)))
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Eventually(t, func() bool {
		tally, err := n.VoteStore.Tally(context.Background(), "e1")
		return err == nil && tally["alice"] == 1
	}, time.Second, 10*time.Millisecond)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/elections/e1/reset", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/elections/e1/results", nil))
	var results map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &results))
	require.Equal(t, float64(0), results["total_votes"])
}

func TestGetVoteNotFoundReturns404(t *testing.T) {
	st := store.NewMemStore()
	n := buildTestNode(t, "leader", st)
	router := n.Router()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/votes/does-not-exist", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}
