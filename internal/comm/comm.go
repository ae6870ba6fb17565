// Copyright (C) 2024-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package comm implements the Communicator (COM) from §4.3: it publishes
// typed Envelopes on the closed set of channels in §6 and dispatches inbound
// messages to per-channel handlers, filtering out messages this node itself
// sent. It depends only on store.Store, never on the node server, matching
// the "no subsystem imports the node server" guidance in §9.
package comm

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/luxfi/log"
	"github.com/luxfi/votecore/internal/store"
	"github.com/luxfi/votecore/internal/types"
)

// Handler processes one inbound Envelope already known not to be
// self-originated.
type Handler func(ctx context.Context, env types.Envelope)

// Emitter is the narrow publish-only capability other subsystems depend on,
// so they never need the full Communicator (per §9's capability-interface
// guidance).
type Emitter interface {
	Publish(ctx context.Context, channel types.Channel, msgType types.MessageType, data interface{}) error
}

// Communicator is the single subscriber of the closed channel set and
// router of inbound messages to registered Handlers.
type Communicator struct {
	store  store.Store
	nodeID string
	logger log.Logger

	mu       sync.Mutex
	handlers map[types.Channel][]Handler
	subs     []store.Subscription
}

// New builds a Communicator over st. nodeID is used to filter
// self-originated messages per §4.3.
func New(st store.Store, nodeID string, logger log.Logger) *Communicator {
	return &Communicator{
		store:    st,
		nodeID:   nodeID,
		logger:   logger,
		handlers: make(map[types.Channel][]Handler),
	}
}

// Handle registers handler to be invoked for every non-self Envelope
// received on channel. Multiple handlers per channel are invoked in
// registration order.
func (c *Communicator) Handle(channel types.Channel, handler Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[channel] = append(c.handlers[channel], handler)
}

// Publish marshals data as msgType on channel.
func (c *Communicator) Publish(ctx context.Context, channel types.Channel, msgType types.MessageType, data interface{}) error {
	env, err := types.NewEnvelope(c.nodeID, msgType, data)
	if err != nil {
		return fmt.Errorf("comm: build envelope: %w", err)
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("comm: marshal envelope: %w", err)
	}
	if err := c.store.Publish(ctx, string(channel), string(payload)); err != nil {
		return fmt.Errorf("comm: publish %s: %w", channel, err)
	}
	return nil
}

// channels is the closed set COM subscribes to (§4.3).
var channels = []types.Channel{
	types.ChannelVoteProposal,
	types.ChannelVoteResponse,
	types.ChannelVoteFinalization,
	types.ChannelTimeSync,
	types.ChannelLeaderElection,
	types.ChannelElectionAdmin,
}

// Start subscribes to every channel in the closed set and begins
// dispatching inbound messages. It blocks only long enough to establish the
// subscriptions; delivery happens wherever the store runs handlers (a
// background goroutine per subscription for RedisStore, the publisher's own
// goroutine for MemStore).
func (c *Communicator) Start(ctx context.Context) error {
	for _, ch := range channels {
		ch := ch
		sub, err := c.store.Subscribe(ctx, string(ch), func(payload string) {
			c.dispatch(ctx, ch, payload)
		})
		if err != nil {
			c.Stop()
			return fmt.Errorf("comm: subscribe %s: %w", ch, err)
		}
		c.subs = append(c.subs, sub)
	}
	return nil
}

func (c *Communicator) dispatch(ctx context.Context, channel types.Channel, payload string) {
	var env types.Envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		c.logger.Warn("comm: dropping undecodable message", log.String("channel", string(channel)), log.Err(err))
		return
	}
	if env.Sender == c.nodeID {
		return
	}
	c.mu.Lock()
	handlers := append([]Handler{}, c.handlers[channel]...)
	c.mu.Unlock()
	if len(handlers) == 0 {
		c.logger.Debug("comm: no handler registered, dropping", log.String("channel", string(channel)), log.String("type", string(env.Type)))
		return
	}
	for _, h := range handlers {
		h(ctx, env)
	}
}

// Stop closes every subscription. Safe to call multiple times.
func (c *Communicator) Stop() error {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()
	var firstErr error
	for _, s := range subs {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
