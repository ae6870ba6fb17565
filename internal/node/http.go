// Copyright (C) 2024-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package node

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/luxfi/log"
	"github.com/luxfi/votecore/internal/consensus"
	"github.com/luxfi/votecore/internal/types"
	"github.com/luxfi/votecore/internal/verr"
	"github.com/luxfi/votecore/internal/votestore"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Router builds the gin engine exposing §6's HTTP surface.
func (n *Node) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(n.requestLogger())

	r.GET("/health", n.handleHealth)
	r.POST("/votes", n.handleSubmitVote)
	r.GET("/votes/:vote_id", n.handleGetVote)
	r.GET("/elections/:id/results", n.handleElectionResults)
	r.POST("/elections/:id/reset", n.handleElectionReset)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(n.Metrics, promhttp.HandlerOpts{})))

	return r
}

func (n *Node) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		n.logger.Debug("node: handled request",
			log.String("method", c.Request.Method),
			log.String("path", c.Request.URL.Path),
			log.Int("status", c.Writer.Status()),
			log.String("latency", time.Since(start).String()),
		)
	}
}

type healthResponse struct {
	Status         string           `json:"status"`
	NodeID         string           `json:"node_id"`
	Role           types.Role       `json:"role"`
	ConnectedNodes int              `json:"connected_nodes"`
	VotesProcessed int              `json:"votes_processed"`
	SystemTime     time.Time        `json:"system_time"`
	Uptime         string           `json:"uptime"`
	SharedStore    sharedStoreField `json:"shared_store"`
	ClockSync      types.SyncStatus `json:"clock_sync"`
}

type sharedStoreField struct {
	State string `json:"state"`
	Size  int64  `json:"size"`
}

func (n *Node) handleHealth(c *gin.Context) {
	report := n.Health.Report(c.Request.Context())
	storeInfo, _ := n.Store.Info(c.Request.Context())

	resp := healthResponse{
		NodeID:         n.cfg.NodeID,
		Role:           n.Directory.Self().Role,
		ConnectedNodes: n.Directory.KnownNodeCount(),
		VotesProcessed: n.votesProcessedCount(),
		SystemTime:     n.ClockSync.Now(),
		Uptime:         n.Uptime().String(),
		SharedStore:    sharedStoreField{State: storeInfo.State, Size: storeInfo.Size},
		ClockSync:      n.ClockSync.Status(),
	}

	if report.Healthy {
		resp.Status = "healthy"
		c.JSON(http.StatusOK, resp)
		return
	}
	resp.Status = "unhealthy"
	c.JSON(http.StatusServiceUnavailable, resp)
}

// votesProcessedCount is a best-effort count derived from this node's own
// finalized map; it is not the cross-cluster tally (that is
// /elections/{id}/results).
func (n *Node) votesProcessedCount() int {
	return len(n.Consensus.FinalizedVoteIDs())
}

type submitVoteRequest struct {
	VoterID     string    `json:"voter_id" binding:"required"`
	ElectionID  string    `json:"election_id" binding:"required"`
	CandidateID string    `json:"candidate_id" binding:"required"`
	Timestamp   time.Time `json:"timestamp" binding:"required"`
	Signature   string    `json:"signature"`
}

func (n *Node) handleSubmitVote(c *gin.Context) {
	var req submitVoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": err.Error()})
		return
	}

	vote := types.Vote{
		VoterID:     req.VoterID,
		ElectionID:  req.ElectionID,
		CandidateID: req.CandidateID,
		Timestamp:   req.Timestamp,
		Signature:   req.Signature,
	}

	n.metricSet.VotesSubmitted.Inc()
	voteID, err := n.Consensus.SubmitVote(c.Request.Context(), vote)
	if err != nil {
		if errors.Is(err, consensus.ErrAlreadyVoted) {
			n.metricSet.VotesRejected.WithLabelValues("already_voted").Inc()
			c.JSON(http.StatusConflict, gin.H{"status": "error", "error": err.Error()})
			return
		}
		// §7's error taxonomy: a validation error is the client's fault
		// (400); a transient or protocol error means the store or the
		// bus misbehaved and the client should retry (503).
		status := http.StatusServiceUnavailable
		label := "transient"
		if verr.Is(err, verr.Validation) {
			status = http.StatusBadRequest
			label = "invalid"
		}
		n.metricSet.VotesRejected.WithLabelValues(label).Inc()
		c.JSON(status, gin.H{"status": "error", "error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "accepted", "vote_id": voteID})
}

func (n *Node) handleGetVote(c *gin.Context) {
	voteID := c.Param("vote_id")
	proposal, ok := n.Consensus.GetProposal(voteID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"status": "error", "error": "vote_id not found"})
		return
	}

	if proposal.Status == types.ProposalFinalized {
		c.JSON(http.StatusOK, gin.H{"status": "finalized", "vote": proposal.Vote})
		return
	}

	total := n.Directory.KnownNodeCount()
	approvals := proposal.ApprovalCount()
	percentage := 0.0
	if total > 0 {
		percentage = float64(approvals) / float64(total) * 100
	}
	c.JSON(http.StatusOK, gin.H{
		"status":              "pending",
		"approvals":           approvals,
		"total_nodes":         total,
		"approval_percentage": percentage,
	})
}

func (n *Node) handleElectionResults(c *gin.Context) {
	electionID := c.Param("id")
	tally, err := n.VoteStore.Tally(c.Request.Context(), electionID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "error": err.Error()})
		return
	}
	total := int64(0)
	for _, v := range tally {
		total += v
	}
	c.JSON(http.StatusOK, gin.H{
		"election_id": electionID,
		"total_votes": total,
		"results":     tally,
	})
}

func (n *Node) handleElectionReset(c *gin.Context) {
	electionID := c.Param("id")

	var details votestore.ResetDetails
	lockErr := n.WithLockOnResource(c.Request.Context(), "election:"+electionID, func(ctx context.Context) error {
		var err error
		details, err = n.VoteStore.ResetElection(ctx, electionID)
		return err
	})
	if lockErr != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "error": lockErr.Error(), "details": details})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "details": details})
}
