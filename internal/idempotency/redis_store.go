package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseIfPending deletes the key only while it still holds a pending
// record, so a slow failure never erases a completed response.
const releaseIfPending = `
local raw = redis.call('GET', KEYS[1])
if not raw then
  return 0
end
local rec = cjson.decode(raw)
if rec['state'] == 'pending' then
  return redis.call('DEL', KEYS[1])
end
return 0
`

// RedisStore keeps records in Redis so every replica sees the same keys.
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewRedisStore creates a store that namespaces its keys under prefix.
func NewRedisStore(rdb redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "cropstack:idem:"
	}
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (s *RedisStore) key(k string) string {
	return s.prefix + k
}

func (s *RedisStore) Reserve(ctx context.Context, key string, rec *Record, ttl time.Duration) (*Record, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}

	// The existing key can expire between SETNX and GET; one more round
	// settles it.
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := s.rdb.SetNX(ctx, s.key(key), raw, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		if ok {
			return nil, nil
		}

		existing, err := s.rdb.Get(ctx, s.key(key)).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		var out Record
		if err := json.Unmarshal(existing, &out); err != nil {
			return nil, fmt.Errorf("decode idempotency record %s: %w", key, err)
		}
		return &out, nil
	}
	return nil, fmt.Errorf("%w: key %s churned during reserve", ErrStoreUnavailable, key)
}

func (s *RedisStore) Complete(ctx context.Context, key string, rec *Record, ttl time.Duration) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, s.key(key), raw, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (s *RedisStore) Release(ctx context.Context, key string) error {
	if err := s.rdb.Eval(ctx, releaseIfPending, []string{s.key(key)}).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Ping reports whether Redis is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

var _ Store = (*RedisStore)(nil)
