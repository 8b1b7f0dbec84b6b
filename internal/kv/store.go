package kv

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store wraps a redis client with the command surface the rest of the
// service uses. Values come back as strings and callers parse them.
type Store struct {
	client *redis.Client
}

func New(client *redis.Client) *Store {
	return &Store{client: client}
}

// incrWindowScript bumps a counter and starts its expiry window on the
// first increment, in a single round trip.
var incrWindowScript = redis.NewScript(`
local v = redis.call("INCR", KEYS[1])
if v == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return v
`)

// IncrWindow increments key and, when this increment created it, sets the
// window TTL so the counter expires with the window.
func (s *Store) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	n, err := incrWindowScript.Run(ctx, s.client, []string{key}, window.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("incr window %s: %w", key, err)
	}
	return n, nil
}

func (s *Store) Incr(ctx context.Context, key string) (int64, error) {
	return s.client.Incr(ctx, key).Result()
}

func (s *Store) Decr(ctx context.Context, key string) (int64, error) {
	return s.client.Decr(ctx, key).Result()
}

func (s *Store) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	return s.client.IncrBy(ctx, key, delta).Result()
}

func (s *Store) DecrBy(ctx context.Context, key string, delta int64) (int64, error) {
	return s.client.DecrBy(ctx, key, delta).Result()
}

func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.client.Expire(ctx, key, ttl).Err()
}

func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	return s.client.TTL(ctx, key).Result()
}

// Get returns the string value at key. The second return is false when
// the key is absent; absence is not an error.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *Store) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.client.Del(ctx, keys...).Err()
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return s.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

// ZRangeByScore returns up to limit members with scores in [min, max].
// Limit <= 0 means no cap. Min and max follow redis score syntax, so
// "-inf" and "+inf" are valid.
func (s *Store) ZRangeByScore(ctx context.Context, key, min, max string, limit int64) ([]string, error) {
	rng := &redis.ZRangeBy{Min: min, Max: max}
	if limit > 0 {
		rng.Count = limit
	}
	return s.client.ZRangeByScore(ctx, key, rng).Result()
}

// ZRem removes member from the sorted set and returns how many elements
// were removed. Concurrent claimants race on the removal, so a count of
// one doubles as ownership of the member.
func (s *Store) ZRem(ctx context.Context, key, member string) (int64, error) {
	return s.client.ZRem(ctx, key, member).Result()
}

func (s *Store) ZCard(ctx context.Context, key string) (int64, error) {
	return s.client.ZCard(ctx, key).Result()
}

func (s *Store) ZScore(ctx context.Context, key, member string) (float64, bool, error) {
	v, err := s.client.ZScore(ctx, key, member).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return v, true, nil
}

func (s *Store) LPush(ctx context.Context, key, value string) error {
	return s.client.LPush(ctx, key, value).Err()
}

// BLMove blocks up to timeout waiting to move the tail of src to the head
// of dst, returning the moved element. The second return is false when
// the wait timed out with src still empty.
func (s *Store) BLMove(ctx context.Context, src, dst string, timeout time.Duration) (string, bool, error) {
	v, err := s.client.BLMove(ctx, src, dst, "RIGHT", "LEFT", timeout).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// LRem removes the first occurrence of value from the list and returns
// how many elements were removed.
func (s *Store) LRem(ctx context.Context, key, value string) (int64, error) {
	return s.client.LRem(ctx, key, 1, value).Result()
}

func (s *Store) LLen(ctx context.Context, key string) (int64, error) {
	return s.client.LLen(ctx, key).Result()
}

func (s *Store) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return s.client.LRange(ctx, key, start, stop).Result()
}

// Eval runs a prepared script through the store so packages owning
// multi-step semantics keep their scripts local.
func (s *Store) Eval(ctx context.Context, script *redis.Script, keys []string, args ...interface{}) (interface{}, error) {
	return script.Run(ctx, s.client, keys, args...).Result()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.client.Close()
}
