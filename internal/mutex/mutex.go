// Copyright (C) 2024-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package mutex implements the Distributed Mutex (DM) from §4.6: a named
// lock built on SS's set-if-absent-with-TTL plus a compare-and-delete
// release, colocated under the {mutex} family.
package mutex

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/luxfi/votecore/internal/store"
)

// Mutex is a lock on one named resource, held by at most one node at a
// time. The zero value is not usable; construct with New.
type Mutex struct {
	store    store.Store
	resource string
	nodeID   string
	ttl      time.Duration
	value    string
	held     bool
}

// New builds a Mutex for resource, scoped to nodeID, with the given TTL.
func New(st store.Store, resource, nodeID string, ttl time.Duration) *Mutex {
	return &Mutex{
		store:    st,
		resource: resource,
		nodeID:   nodeID,
		ttl:      ttl,
	}
}

// Acquire retries set_if_absent every retry interval until it succeeds or
// wait elapses. The owner flag is set only on a successful acquire (§4.6).
func (m *Mutex) Acquire(ctx context.Context, wait, retry time.Duration) (bool, error) {
	value := fmt.Sprintf("%s:%s", m.nodeID, uuid.NewString())
	deadline := time.Now().Add(wait)
	ticker := time.NewTicker(retry)
	defer ticker.Stop()

	for {
		ok, err := m.store.SetIfAbsent(ctx, store.MutexKey(m.resource), value, m.ttl.Milliseconds())
		if err != nil {
			return false, fmt.Errorf("mutex: acquire %s: %w", m.resource, err)
		}
		if ok {
			m.value = value
			m.held = true
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Release deletes the lock iff this Mutex still holds it. It never deletes
// another holder's lock (§4.6's core invariant).
func (m *Mutex) Release(ctx context.Context) (bool, error) {
	if !m.held {
		return false, nil
	}
	ok, err := m.store.CompareAndDelete(ctx, store.MutexKey(m.resource), m.value)
	if err != nil {
		return false, fmt.Errorf("mutex: release %s: %w", m.resource, err)
	}
	if ok {
		m.held = false
	}
	return ok, nil
}

// Extend resets the lock's TTL iff this Mutex still holds it. Returns
// (false, nil) if the lock was lost (taken over or expired), not an error.
func (m *Mutex) Extend(ctx context.Context, additionalTTL time.Duration) (bool, error) {
	if !m.held {
		return false, nil
	}
	ok, err := m.store.CompareAndExpire(ctx, store.MutexKey(m.resource), m.value, additionalTTL.Milliseconds())
	if err != nil {
		return false, fmt.Errorf("mutex: extend %s: %w", m.resource, err)
	}
	if !ok {
		m.held = false
	}
	return ok, nil
}

// Held reports whether this Mutex currently believes it holds the lock.
func (m *Mutex) Held() bool {
	return m.held
}

// WithLock acquires the named resource, runs fn, and guarantees release on
// every exit path (§4.6's "scoped acquisition").
func WithLock(ctx context.Context, st store.Store, resource, nodeID string, ttl, wait, retry time.Duration, fn func(ctx context.Context) error) error {
	m := New(st, resource, nodeID, ttl)
	ok, err := m.Acquire(ctx, wait, retry)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("mutex: could not acquire %s within %s", resource, wait)
	}
	defer func() { _, _ = m.Release(ctx) }()
	return fn(ctx)
}
