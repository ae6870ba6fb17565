// Copyright (C) 2024-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// casDeleteScript deletes key only if its current value equals the expected
// value supplied as ARGV[1]. Mirrors node/mutex.py's release() and
// node/consensus.py's compare-and-delete usage.
var casDeleteScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

// casExpireScript resets key's TTL (ARGV[2], milliseconds) only if its
// current value equals the expected value (ARGV[1]). Mirrors the mutex
// extend() atomic script from §4.6.
var casExpireScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end
`)

// RedisStore implements Store against a Redis (or Redis Cluster) endpoint,
// grounded on _examples/original_source/check_redis.py and
// redis_subscriber.py, which show the reference system built directly on
// Redis.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore builds a RedisStore over one or more addrs. With a single
// addr it connects as a plain client; with more than one it connects as a
// cluster client, matching SHARED_STORE_NODES' comma-separated host:port
// list from §6.
func NewRedisStore(addrs []string) (*RedisStore, error) {
	if len(addrs) == 0 {
		return nil, fmt.Errorf("redis store: at least one address is required")
	}
	var client redis.UniversalClient
	if len(addrs) == 1 {
		client = redis.NewClient(&redis.Options{Addr: addrs[0]})
	} else {
		client = redis.NewClusterClient(&redis.ClusterOptions{Addrs: addrs})
	}
	return &RedisStore{client: client}, nil
}

func (s *RedisStore) SetIfAbsent(ctx context.Context, key, value string, ttl int64) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, value, time.Duration(ttl)*time.Millisecond).Result()
	if err != nil {
		return false, fmt.Errorf("setnx %s: %w", key, err)
	}
	return ok, nil
}

func (s *RedisStore) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	res, err := casDeleteScript.Run(ctx, s.client, []string{key}, expected).Int64()
	if err != nil {
		return false, fmt.Errorf("compare-and-delete %s: %w", key, err)
	}
	return res == 1, nil
}

func (s *RedisStore) CompareAndExpire(ctx context.Context, key, expected string, ttl int64) (bool, error) {
	res, err := casExpireScript.Run(ctx, s.client, []string{key}, expected, ttl).Int64()
	if err != nil {
		return false, fmt.Errorf("compare-and-expire %s: %w", key, err)
	}
	return res == 1, nil
}

func (s *RedisStore) IncrementCounter(ctx context.Context, key string) (int64, error) {
	v, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("incr %s: %w", key, err)
	}
	return v, nil
}

func (s *RedisStore) AddToSet(ctx context.Context, key, member string) error {
	if err := s.client.SAdd(ctx, key, member).Err(); err != nil {
		return fmt.Errorf("sadd %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) IsMember(ctx context.Context, key, member string) (bool, error) {
	ok, err := s.client.SIsMember(ctx, key, member).Result()
	if err != nil {
		return false, fmt.Errorf("sismember %s: %w", key, err)
	}
	return ok, nil
}

func (s *RedisStore) SetMembers(ctx context.Context, key string) ([]string, error) {
	members, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("smembers %s: %w", key, err)
	}
	return members, nil
}

func (s *RedisStore) HashSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	if err := s.client.HSet(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("hset %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", key, err)
	}
	return m, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return v, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string) error {
	if err := s.client.Set(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl int64) error {
	if err := s.client.PExpire(ctx, key, time.Duration(ttl)*time.Millisecond).Err(); err != nil {
		return fmt.Errorf("expire %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("del %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) DeletePattern(ctx context.Context, pattern string) error {
	keys, err := s.Scan(ctx, pattern)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("del pattern %s: %w", pattern, err)
	}
	return nil
}

func (s *RedisStore) Scan(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", pattern, err)
	}
	return keys, nil
}

func (s *RedisStore) Publish(ctx context.Context, channel, payload string) error {
	if err := s.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

type redisSubscription struct {
	pubsub *redis.PubSub
	cancel context.CancelFunc
}

func (r *redisSubscription) Close() error {
	r.cancel()
	return r.pubsub.Close()
}

func (s *RedisStore) Subscribe(ctx context.Context, channel string, handler func(payload string)) (Subscription, error) {
	pubsub := s.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}
	subCtx, cancel := context.WithCancel(ctx)
	ch := pubsub.Channel()
	go func() {
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				handler(msg.Payload)
			}
		}
	}()
	return &redisSubscription{pubsub: pubsub, cancel: cancel}, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

func (s *RedisStore) Info(ctx context.Context) (Info, error) {
	if err := s.Ping(ctx); err != nil {
		return Info{State: "unreachable"}, err
	}
	size, err := s.client.DBSize(ctx).Result()
	if err != nil {
		return Info{State: "degraded"}, fmt.Errorf("dbsize: %w", err)
	}
	return Info{State: "connected", Size: size}, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
