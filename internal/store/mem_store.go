// Copyright (C) 2024-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"
)

// MemStore is an in-memory Store used by tests in place of Redis, the way
// the teacher repo's enginemock/validatorsmock packages stand in for real
// collaborators. It is not cluster-aware: every MemStore instance is its
// own shard, which is sufficient for single-process tests of the
// subsystems built on top of Store.
type MemStore struct {
	mu       sync.Mutex
	kv       map[string]string
	expireAt map[string]time.Time
	sets     map[string]map[string]struct{}
	hashes   map[string]map[string]string
	subs     map[string]map[int]func(string)
	nextSub  int
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		kv:       make(map[string]string),
		expireAt: make(map[string]time.Time),
		sets:     make(map[string]map[string]struct{}),
		hashes:   make(map[string]map[string]string),
		subs:     make(map[string]map[int]func(string)),
	}
}

func (m *MemStore) expired(key string) bool {
	at, ok := m.expireAt[key]
	return ok && time.Now().After(at)
}

func (m *MemStore) purgeLocked(key string) {
	if m.expired(key) {
		delete(m.kv, key)
		delete(m.expireAt, key)
	}
}

func (m *MemStore) SetIfAbsent(ctx context.Context, key, value string, ttl int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purgeLocked(key)
	if _, ok := m.kv[key]; ok {
		return false, nil
	}
	m.kv[key] = value
	if ttl > 0 {
		m.expireAt[key] = time.Now().Add(time.Duration(ttl) * time.Millisecond)
	}
	return true, nil
}

func (m *MemStore) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purgeLocked(key)
	if m.kv[key] != expected {
		return false, nil
	}
	delete(m.kv, key)
	delete(m.expireAt, key)
	return true, nil
}

func (m *MemStore) CompareAndExpire(ctx context.Context, key, expected string, ttl int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purgeLocked(key)
	if m.kv[key] != expected {
		return false, nil
	}
	m.expireAt[key] = time.Now().Add(time.Duration(ttl) * time.Millisecond)
	return true, nil
}

func (m *MemStore) IncrementCounter(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purgeLocked(key)
	var v int64
	if cur, ok := m.kv[key]; ok {
		parsed, err := strconv.ParseInt(cur, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("increment %s: existing value %q is not an integer", key, cur)
		}
		v = parsed
	}
	v++
	m.kv[key] = strconv.FormatInt(v, 10)
	return v, nil
}

func (m *MemStore) AddToSet(ctx context.Context, key, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sets[key] == nil {
		m.sets[key] = make(map[string]struct{})
	}
	m.sets[key][member] = struct{}{}
	return nil
}

func (m *MemStore) IsMember(ctx context.Context, key, member string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sets[key][member]
	return ok, nil
}

func (m *MemStore) SetMembers(ctx context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.sets[key]))
	for mem := range m.sets[key] {
		out = append(out, mem)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemStore) HashSet(ctx context.Context, key string, fields map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hashes[key] == nil {
		m.hashes[key] = make(map[string]string)
	}
	for k, v := range fields {
		m.hashes[key][k] = v
	}
	return nil
}

func (m *MemStore) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.hashes[key]))
	for k, v := range m.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func (m *MemStore) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purgeLocked(key)
	v, ok := m.kv[key]
	return v, ok, nil
}

func (m *MemStore) Set(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kv[key] = value
	delete(m.expireAt, key)
	return nil
}

func (m *MemStore) Expire(ctx context.Context, key string, ttl int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireAt[key] = time.Now().Add(time.Duration(ttl) * time.Millisecond)
	return nil
}

func (m *MemStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.kv, key)
	delete(m.expireAt, key)
	delete(m.sets, key)
	delete(m.hashes, key)
	return nil
}

func (m *MemStore) DeletePattern(ctx context.Context, pattern string) error {
	keys, _ := m.Scan(ctx, pattern)
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.kv, k)
		delete(m.expireAt, k)
		delete(m.sets, k)
		delete(m.hashes, k)
	}
	return nil
}

func (m *MemStore) Scan(ctx context.Context, pattern string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]struct{})
	for k := range m.kv {
		if m.expired(k) {
			continue
		}
		seen[k] = struct{}{}
	}
	for k := range m.sets {
		seen[k] = struct{}{}
	}
	for k := range m.hashes {
		seen[k] = struct{}{}
	}
	var out []string
	for k := range seen {
		if ok, _ := filepath.Match(pattern, k); ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemStore) Publish(ctx context.Context, channel, payload string) error {
	m.mu.Lock()
	handlers := make([]func(string), 0, len(m.subs[channel]))
	for _, h := range m.subs[channel] {
		handlers = append(handlers, h)
	}
	m.mu.Unlock()
	for _, h := range handlers {
		h(payload)
	}
	return nil
}

type memSubscription struct {
	store   *MemStore
	channel string
	id      int
}

func (s *memSubscription) Close() error {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	delete(s.store.subs[s.channel], s.id)
	return nil
}

func (m *MemStore) Subscribe(ctx context.Context, channel string, handler func(payload string)) (Subscription, error) {
	m.mu.Lock()
	if m.subs[channel] == nil {
		m.subs[channel] = make(map[int]func(string))
	}
	m.nextSub++
	id := m.nextSub
	m.subs[channel][id] = handler
	m.mu.Unlock()
	return &memSubscription{store: m, channel: channel, id: id}, nil
}

func (m *MemStore) Ping(ctx context.Context) error { return nil }

func (m *MemStore) Info(ctx context.Context) (Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Info{State: "connected", Size: int64(len(m.kv) + len(m.sets) + len(m.hashes))}, nil
}

func (m *MemStore) Close() error { return nil }
