// Package kv provides the shared key/value primitives the ownership
// manager and transport hub need: conditional set-if-absent, TTL
// refresh, and delete-if-value-matches. spec.md §5 names
// conditional-set-if-absent as the only primitive required for
// cross-instance safety; refresh and delete are separate atomic
// compare-on-value operations.
package kv

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned by Get when the key is absent.
var ErrNotFound = errors.New("kv: key not found")

// Store is the interface the core depends on; Redis backs it in
// production and MemoryStore in tests, and callers never import
// go-redis directly.
type Store interface {
	// SetIfAbsent sets key=value with the given TTL only if key does
	// not already exist. Returns true if this call won the set.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Get returns the current value, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)
	// Refresh extends the TTL on key only if its current value equals
	// expectedValue. Returns true if the refresh applied.
	Refresh(ctx context.Context, key, expectedValue string, ttl time.Duration) (bool, error)
	// DeleteIfMatch deletes key only if its current value equals
	// expectedValue. Returns true if the delete applied.
	DeleteIfMatch(ctx context.Context, key, expectedValue string) (bool, error)
	// Set unconditionally sets key=value with the given TTL (0 = no TTL).
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Close() error
}

type redisStore struct {
	client *redis.Client
}

// NewRedisStore connects to the given Redis endpoint (a redis:// URL).
func NewRedisStore(endpoint string) (Store, error) {
	opts, err := redis.ParseURL(endpoint)
	if err != nil {
		return nil, err
	}
	return &redisStore{client: redis.NewClient(opts)}, nil
}

func (s *redisStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, key, value, ttl).Result()
}

func (s *redisStore) Get(ctx context.Context, key string) (string, error) {
	v, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return v, err
}

// refreshScript extends TTL only if the stored value matches, atomically.
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end
`)

func (s *redisStore) Refresh(ctx context.Context, key, expectedValue string, ttl time.Duration) (bool, error) {
	res, err := refreshScript.Run(ctx, s.client, []string{key}, expectedValue, ttl.Milliseconds()).Result()
	if err != nil {
		return false, err
	}
	n, _ := res.(int64)
	return n == 1, nil
}

// deleteScript deletes the key only if its current value matches, atomically.
var deleteScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

func (s *redisStore) DeleteIfMatch(ctx context.Context, key, expectedValue string) (bool, error) {
	res, err := deleteScript.Run(ctx, s.client, []string{key}, expectedValue).Result()
	if err != nil {
		return false, err
	}
	n, _ := res.(int64)
	return n == 1, nil
}

func (s *redisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *redisStore) Close() error { return s.client.Close() }
