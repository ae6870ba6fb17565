// Copyright (C) 2024-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package store defines the Shared Store (SS) capability set from §4.1: a
// minimal cluster-addressable key/value and pub/sub surface that the rest
// of the core depends on instead of any vendor's client API directly.
package store

import "context"

// Info reports the shared store's own health, surfaced through /health's
// shared_store field (see SPEC_FULL.md's "shared-store health" supplement).
type Info struct {
	State string `json:"state"`
	Size  int64  `json:"size"`
}

// Subscription is a live channel subscription; Close stops delivery.
type Subscription interface {
	Close() error
}

// Store is the capability set SS exposes to the rest of the core. All
// methods may fail transiently (network, rebalance). Callers in this module
// do not retry a failed call in place: they return or log the error, and
// periodic loops try again only on their next tick.
type Store interface {
	// SetIfAbsent atomically sets key=value with the given ttl only if key
	// did not already exist. Returns true iff this call set it.
	SetIfAbsent(ctx context.Context, key, value string, ttl int64) (bool, error)

	// CompareAndDelete atomically deletes key iff its current value equals
	// expected. Returns true iff it deleted.
	CompareAndDelete(ctx context.Context, key, expected string) (bool, error)

	// CompareAndExpire atomically resets key's TTL iff its current value
	// equals expected. Returns true iff it updated the TTL.
	CompareAndExpire(ctx context.Context, key, expected string, ttl int64) (bool, error)

	// IncrementCounter atomically increments key and returns the
	// post-increment value.
	IncrementCounter(ctx context.Context, key string) (int64, error)

	// AddToSet adds member to the set at key.
	AddToSet(ctx context.Context, key, member string) error

	// IsMember reports whether member is in the set at key.
	IsMember(ctx context.Context, key, member string) (bool, error)

	// SetMembers returns every member of the set at key.
	SetMembers(ctx context.Context, key string) ([]string, error)

	// HashSet merges fields into the hash at key.
	HashSet(ctx context.Context, key string, fields map[string]string) error

	// HashGetAll returns every field of the hash at key.
	HashGetAll(ctx context.Context, key string) (map[string]string, error)

	// Get returns the string value at key, and false if it does not exist.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set unconditionally sets key=value with no expiry.
	Set(ctx context.Context, key, value string) error

	// Expire sets a TTL on an existing key.
	Expire(ctx context.Context, key string, ttl int64) error

	// Delete removes key unconditionally.
	Delete(ctx context.Context, key string) error

	// DeletePattern removes every key matching a glob pattern (used by
	// reset_election to clear an entire colocated family).
	DeletePattern(ctx context.Context, pattern string) error

	// Scan returns every key matching a glob pattern.
	Scan(ctx context.Context, pattern string) ([]string, error)

	// Publish sends payload on channel to every current subscriber.
	Publish(ctx context.Context, channel, payload string) error

	// Subscribe registers handler to be called with every payload published
	// on channel until the returned Subscription is closed.
	Subscribe(ctx context.Context, channel string, handler func(payload string)) (Subscription, error)

	// Ping checks connectivity.
	Ping(ctx context.Context) error

	// Info reports cluster state and approximate key count.
	Info(ctx context.Context) (Info, error)

	// Close releases the store's resources.
	Close() error
}
