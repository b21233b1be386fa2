// Package kv wraps the Redis client with the typed primitives the rest of
// the service builds on: a durable map with per-key TTLs, FIFO lists for the
// task queue, sets for the settlement index, and sorted sets for the
// sliding-window rate limiter.
package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned by Get for keys which are absent or expired.
var ErrNotFound = errors.New("kv: key not found")

// Store is a thin typed facade over a Redis connection.
type Store struct {
	rdb redis.UniversalClient
}

// Dial connects to the Redis instance named by url (redis:// form) and
// verifies it is reachable.
func Dial(ctx context.Context, url string) (*Store, error) {
	var opts, err = redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing KV URL: %w", err)
	}
	var client = redis.NewClient(opts)
	if err = client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("pinging KV store: %w", err)
	}
	return &Store{rdb: client}, nil
}

// NewWithClient wraps an existing client. Used by tests running miniredis.
func NewWithClient(c redis.UniversalClient) *Store { return &Store{rdb: c} }

// Ping probes the backing store.
func (s *Store) Ping(ctx context.Context) error { return s.rdb.Ping(ctx).Err() }

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.rdb.Close() }

// Get fetches a key, mapping absence to ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var val, err = s.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("kv get %s: %w", key, err)
	}
	return val, nil
}

// Set writes a key with the given TTL. A zero TTL persists the key.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("kv set %s: %w", key, err)
	}
	return nil
}

// SetKeepTTL rewrites a key's value while preserving its remaining TTL.
// If the key has no TTL (or doesn't exist), fallback is applied instead.
func (s *Store) SetKeepTTL(ctx context.Context, key string, value []byte, fallback time.Duration) error {
	var remaining, err = s.rdb.TTL(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("kv ttl %s: %w", key, err)
	}
	if remaining <= 0 {
		remaining = fallback
	}
	return s.Set(ctx, key, value, remaining)
}

// ExtendTTL resets a key's TTL to the given duration.
func (s *Store) ExtendTTL(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.rdb.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("kv expire %s: %w", key, err)
	}
	return nil
}

// TTL reports the remaining TTL of a key, or a negative duration if none.
func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	return s.rdb.TTL(ctx, key).Result()
}

// Delete removes a key. Deleting an absent key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("kv del %s: %w", key, err)
	}
	return nil
}

// PushQueue appends a value to the tail of a FIFO list.
func (s *Store) PushQueue(ctx context.Context, key, value string) error {
	if err := s.rdb.LPush(ctx, key, value).Err(); err != nil {
		return fmt.Errorf("kv lpush %s: %w", key, err)
	}
	return nil
}

// PopQueue removes and returns the head of a FIFO list,
// or ErrNotFound when the list is empty.
func (s *Store) PopQueue(ctx context.Context, key string) (string, error) {
	var val, err = s.rdb.RPop(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	} else if err != nil {
		return "", fmt.Errorf("kv rpop %s: %w", key, err)
	}
	return val, nil
}

// SetAdd inserts a member into a set.
func (s *Store) SetAdd(ctx context.Context, key, member string) error {
	if err := s.rdb.SAdd(ctx, key, member).Err(); err != nil {
		return fmt.Errorf("kv sadd %s: %w", key, err)
	}
	return nil
}

// SetRemove removes a member from a set.
func (s *Store) SetRemove(ctx context.Context, key, member string) error {
	if err := s.rdb.SRem(ctx, key, member).Err(); err != nil {
		return fmt.Errorf("kv srem %s: %w", key, err)
	}
	return nil
}

// SetMembers lists the members of a set.
func (s *Store) SetMembers(ctx context.Context, key string) ([]string, error) {
	var vals, err = s.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("kv smembers %s: %w", key, err)
	}
	return vals, nil
}

// WindowAdd records an arrival stamp in a sorted set keyed by score.
func (s *Store) WindowAdd(ctx context.Context, key string, score float64, member string) error {
	if err := s.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err(); err != nil {
		return fmt.Errorf("kv zadd %s: %w", key, err)
	}
	return nil
}

// WindowEvict drops all members with scores at or below the bound.
func (s *Store) WindowEvict(ctx context.Context, key string, maxScore float64) error {
	var bound = fmt.Sprintf("%f", maxScore)
	if err := s.rdb.ZRemRangeByScore(ctx, key, "-inf", bound).Err(); err != nil {
		return fmt.Errorf("kv zremrangebyscore %s: %w", key, err)
	}
	return nil
}

// WindowCount counts the members currently in the sorted set.
func (s *Store) WindowCount(ctx context.Context, key string) (int64, error) {
	var n, err = s.rdb.ZCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("kv zcard %s: %w", key, err)
	}
	return n, nil
}

// WindowOldest returns the smallest score in the sorted set.
// Returns ErrNotFound when the set is empty.
func (s *Store) WindowOldest(ctx context.Context, key string) (float64, error) {
	var zs, err = s.rdb.ZRangeWithScores(ctx, key, 0, 0).Result()
	if err != nil {
		return 0, fmt.Errorf("kv zrange %s: %w", key, err)
	}
	if len(zs) == 0 {
		return 0, ErrNotFound
	}
	return zs[0].Score, nil
}
