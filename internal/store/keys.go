// Copyright (C) 2024-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package store

import "fmt"

// Key builders for the co-located namespaces in §6, kept bit-exact for
// compatibility with the reference implementation's SS layout.

func NodeKey(nodeID string) string {
	return fmt.Sprintf("{nodes}.%s", nodeID)
}

func NodeScanPattern() string {
	return "{nodes}.*"
}

func VoteKey(voteID string) string {
	return fmt.Sprintf("{votes}.%s", voteID)
}

// VoteScanPatternForElection matches every {votes}.* record belonging to
// electionID, relying on vote_id's deterministic `<election_id>:<voter_id>:
// <suffix>` layout (§3).
func VoteScanPatternForElection(electionID string) string {
	return fmt.Sprintf("{votes}.%s:*", electionID)
}

func ElectionVotersKey(electionID string) string {
	return fmt.Sprintf("{election}.%s.voters", electionID)
}

func ElectionCandidateKey(electionID, candidateID string) string {
	return fmt.Sprintf("{election}.%s.candidate.%s", electionID, candidateID)
}

func ElectionCandidateScanPattern(electionID string) string {
	return fmt.Sprintf("{election}.%s.candidate.*", electionID)
}

func ElectionScanPattern(electionID string) string {
	return fmt.Sprintf("{election}.%s.*", electionID)
}

func ConsensusProposalKey(voteID string) string {
	return fmt.Sprintf("{consensus}.%s", voteID)
}

func ConsensusScanPattern() string {
	return "{consensus}.*"
}

func MutexKey(resource string) string {
	return fmt.Sprintf("{mutex}:%s", resource)
}

func SystemTimeKey() string {
	return "{system}.time"
}
