// Copyright (C) 2024-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package directory implements the Node Directory (ND) from §4.2: it
// registers this node in the colocated {nodes}.* family, refreshes a
// TTL'd heartbeat, and observes peer liveness by periodic scan.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/luxfi/log"
	"github.com/luxfi/votecore/internal/store"
	"github.com/luxfi/votecore/internal/types"
)

// Directory owns this node's registry entry and maintains the observed set
// of live peers.
type Directory struct {
	store  store.Store
	nodeID string
	logger log.Logger

	heartbeatInterval time.Duration
	heartbeatTTL      time.Duration
	scanInterval      time.Duration
	livenessWindow    time.Duration
	degradedThreshold int

	mu                  sync.RWMutex
	role                types.Role
	status              types.Status
	term                uint64
	startTime           time.Time
	consecutiveFailures int
	peers               map[string]types.NodeInfo
	scannedOnce         bool

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// Config bundles the timing parameters from §4.2.
type Config struct {
	HeartbeatInterval time.Duration
	HeartbeatTTL      time.Duration
	ScanInterval      time.Duration
	LivenessWindow    time.Duration
	DegradedThreshold int
}

// New builds a Directory for nodeID, starting in StatusStarting with the
// given initial role.
func New(st store.Store, nodeID string, initialRole types.Role, cfg Config, logger log.Logger) *Directory {
	return &Directory{
		store:             st,
		nodeID:            nodeID,
		logger:            logger,
		heartbeatInterval: cfg.HeartbeatInterval,
		heartbeatTTL:      cfg.HeartbeatTTL,
		scanInterval:      cfg.ScanInterval,
		livenessWindow:    cfg.LivenessWindow,
		degradedThreshold: cfg.DegradedThreshold,
		role:              initialRole,
		status:            types.StatusStarting,
		startTime:         time.Now(),
		peers:             make(map[string]types.NodeInfo),
		stop:              make(chan struct{}),
		done:              make(chan struct{}),
	}
}

// SetRole updates the locally-reported role, e.g. when Leader Election
// promotes or demotes this node.
func (d *Directory) SetRole(role types.Role) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.role = role
}

// SetTerm records the node's last-known term for reporting in /health.
func (d *Directory) SetTerm(term uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.term = term
}

// Self returns a snapshot of this node's own directory entry.
func (d *Directory) Self() types.NodeInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return types.NodeInfo{
		ID:            d.nodeID,
		Role:          d.role,
		StartTime:     d.startTime,
		LastHeartbeat: time.Now(),
		Status:        d.status,
		Term:          d.term,
	}
}

// Status returns the node's current lifecycle state (§4.2's state machine).
func (d *Directory) Status() types.Status {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.status
}

// Healthy reports whether heartbeat refresh is succeeding, SS answers ping,
// and at least one full peer scan has completed since startup.
func (d *Directory) Healthy(ctx context.Context) bool {
	if err := d.store.Ping(ctx); err != nil {
		return false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.status == types.StatusActive && d.scannedOnce
}

// Peers returns every peer (excluding self) observed live within the
// liveness window as of the last scan.
func (d *Directory) Peers() []types.NodeInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]types.NodeInfo, 0, len(d.peers))
	for _, p := range d.peers {
		out = append(out, p)
	}
	return out
}

// KnownNodeCount returns the number of peers plus self, used to compute
// quorum (§4.4's N = known peers + self).
func (d *Directory) KnownNodeCount() int {
	return len(d.Peers()) + 1
}

func (d *Directory) register(ctx context.Context) error {
	d.mu.Lock()
	if d.status == types.StatusStarting {
		d.status = types.StatusActive
	}
	d.mu.Unlock()
	info := d.Self()
	payload, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("directory: marshal self: %w", err)
	}
	fields := map[string]string{
		"info":           string(payload),
		"last_heartbeat": info.LastHeartbeat.Format(time.RFC3339Nano),
	}
	if err := d.store.HashSet(ctx, store.NodeKey(d.nodeID), fields); err != nil {
		return fmt.Errorf("directory: hset self: %w", err)
	}
	if err := d.store.Expire(ctx, store.NodeKey(d.nodeID), d.heartbeatTTL.Milliseconds()); err != nil {
		return fmt.Errorf("directory: expire self: %w", err)
	}
	return nil
}

func (d *Directory) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(d.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stop:
			return
		case <-ticker.C:
			if err := d.register(ctx); err != nil {
				d.onHeartbeatFailure(err)
				continue
			}
			d.onHeartbeatSuccess()
		}
	}
}

func (d *Directory) onHeartbeatFailure(err error) {
	d.mu.Lock()
	d.consecutiveFailures++
	failures := d.consecutiveFailures
	if failures >= d.degradedThreshold && d.status == types.StatusActive {
		d.status = types.StatusDegraded
	}
	d.mu.Unlock()
	d.logger.Warn("directory: heartbeat refresh failed", log.Int("consecutive_failures", failures), log.Err(err))
}

func (d *Directory) onHeartbeatSuccess() {
	d.mu.Lock()
	d.consecutiveFailures = 0
	if d.status == types.StatusDegraded || d.status == types.StatusStarting {
		d.status = types.StatusActive
	}
	d.mu.Unlock()
}

func (d *Directory) scanLoop(ctx context.Context) {
	ticker := time.NewTicker(d.scanInterval)
	defer ticker.Stop()
	for {
		d.scanOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-d.stop:
			return
		case <-ticker.C:
		}
	}
}

func (d *Directory) scanOnce(ctx context.Context) {
	keys, err := d.store.Scan(ctx, store.NodeScanPattern())
	if err != nil {
		d.logger.Warn("directory: peer scan failed", log.Err(err))
		return
	}
	now := time.Now()
	peers := make(map[string]types.NodeInfo)
	for _, key := range keys {
		fields, err := d.store.HashGetAll(ctx, key)
		if err != nil || fields["info"] == "" {
			continue
		}
		var info types.NodeInfo
		if err := json.Unmarshal([]byte(fields["info"]), &info); err != nil {
			continue
		}
		if info.ID == d.nodeID {
			continue
		}
		lastHeartbeat, err := time.Parse(time.RFC3339Nano, fields["last_heartbeat"])
		if err != nil {
			lastHeartbeat = info.LastHeartbeat
		}
		if now.Sub(lastHeartbeat) > d.livenessWindow {
			continue
		}
		info.LastHeartbeat = lastHeartbeat
		peers[info.ID] = info
	}
	d.mu.Lock()
	d.peers = peers
	d.scannedOnce = true
	d.mu.Unlock()
}

// Start registers this node and launches the heartbeat and peer-observer
// loops.
func (d *Directory) Start(ctx context.Context) error {
	if err := d.register(ctx); err != nil {
		return err
	}
	go d.heartbeatLoop(ctx)
	go func() {
		defer close(d.done)
		d.scanLoop(ctx)
	}()
	return nil
}

// Shutdown marks the directory entry shutdown and stops both loops.
func (d *Directory) Shutdown(ctx context.Context) {
	d.stopOnce.Do(func() { close(d.stop) })
	d.mu.Lock()
	d.status = types.StatusShutdown
	d.mu.Unlock()
	_ = d.register(ctx)
	<-d.done
}
