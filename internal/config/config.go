// Copyright (C) 2024-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package config loads a node's configuration from the environment
// variables named in §6: NODE_ID, NODE_ROLE, SHARED_STORE_NODES, LOG_DIR,
// plus HTTP_ADDR for the node's own bound HTTP address (the gateway is
// out-of-scope per §1, but a node must still bind somewhere for it to talk
// to).
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/luxfi/votecore/internal/types"
)

// Config is the fully-resolved configuration for one node process.
type Config struct {
	NodeID           string
	InitialRole      types.Role
	SharedStoreNodes []string
	LogDir           string
	HTTPAddr         string

	// Tunables with spec-mandated defaults (§4.2, §4.4, §4.5, §4.7).
	HeartbeatInterval     time.Duration
	HeartbeatTTL          time.Duration
	PeerScanInterval      time.Duration
	PeerLivenessWindow    time.Duration
	ElectionTimeoutMin    time.Duration
	ElectionTimeoutMax    time.Duration
	LeaderHeartbeat       time.Duration
	ElectionTimeoutTick   time.Duration
	ClockSyncFastInterval time.Duration
	ClockSyncSlowInterval time.Duration
	ClockSyncFastWindow   time.Duration
	ClockSyncHistorySize  int
	TimestampSkewTolerance time.Duration
	ConsensusRecheckDelay time.Duration
	ConsensusRecheckDelay2 time.Duration
	ProposalTTL           time.Duration
	DegradedThreshold     int
}

// Default returns a Config populated with the spec's literal defaults.
// Load overrides NodeID/InitialRole/SharedStoreNodes/LogDir/HTTPAddr from
// the environment on top of these.
func Default() Config {
	return Config{
		HTTPAddr:               ":8080",
		HeartbeatInterval:      2 * time.Second,
		HeartbeatTTL:           10 * time.Second,
		PeerScanInterval:       5 * time.Second,
		PeerLivenessWindow:     10 * time.Second,
		ElectionTimeoutMin:     5 * time.Second,
		ElectionTimeoutMax:     10 * time.Second,
		LeaderHeartbeat:        2 * time.Second,
		ElectionTimeoutTick:    500 * time.Millisecond,
		ClockSyncFastInterval:  5 * time.Second,
		ClockSyncSlowInterval:  10 * time.Second,
		ClockSyncFastWindow:    60 * time.Second,
		ClockSyncHistorySize:   5,
		TimestampSkewTolerance: 5 * time.Second,
		ConsensusRecheckDelay:  2 * time.Second,
		ConsensusRecheckDelay2: 3 * time.Second,
		ProposalTTL:            30 * time.Second,
		DegradedThreshold:      5,
	}
}

// Load resolves a Config from the process environment, applying Default()
// for anything unset.
func Load() (Config, error) {
	cfg := Default()

	cfg.NodeID = os.Getenv("NODE_ID")
	if cfg.NodeID == "" {
		return Config{}, fmt.Errorf("NODE_ID is required")
	}

	switch role := types.Role(os.Getenv("NODE_ROLE")); role {
	case types.RoleLeader:
		cfg.InitialRole = types.RoleLeader
	case "", types.RoleFollower:
		cfg.InitialRole = types.RoleFollower
	default:
		return Config{}, fmt.Errorf("NODE_ROLE must be %q or %q, got %q", types.RoleLeader, types.RoleFollower, role)
	}

	nodes := os.Getenv("SHARED_STORE_NODES")
	if nodes == "" {
		return Config{}, fmt.Errorf("SHARED_STORE_NODES is required")
	}
	for _, n := range strings.Split(nodes, ",") {
		n = strings.TrimSpace(n)
		if n != "" {
			cfg.SharedStoreNodes = append(cfg.SharedStoreNodes, n)
		}
	}

	cfg.LogDir = os.Getenv("LOG_DIR")
	if addr := os.Getenv("HTTP_ADDR"); addr != "" {
		cfg.HTTPAddr = addr
	}

	return cfg, nil
}
