package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/layer-3/woosh/core"
	"github.com/layer-3/woosh/ports"
	"github.com/redis/go-redis/v9"
)

const maxTxAttempts = 8

// RedisStore is a Redis implementation of the Store interface. Every parent
// path is a hash whose fields are the child names; the expiry index is a
// sorted set scored by deadline in milliseconds.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore creates a new Redis store
func NewRedisStore(client redis.UniversalClient, prefix string) ports.Store {
	if prefix == "" {
		prefix = "woosh:"
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
	}
}

func (s *RedisStore) nodeKey(parent string) string {
	return s.prefix + "node:" + parent
}

func (s *RedisStore) expiryKey() string {
	return s.prefix + "expiries"
}

func (s *RedisStore) Get(ctx context.Context, path string) ([]byte, error) {
	parent, name, err := splitPath(path)
	if err != nil {
		return nil, err
	}

	val, err := s.client.HGet(ctx, s.nodeKey(parent), name).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get", err)
	}
	return val, nil
}

func (s *RedisStore) Set(ctx context.Context, path string, value []byte) error {
	parent, name, err := splitPath(path)
	if err != nil {
		return err
	}

	if err := s.client.HSet(ctx, s.nodeKey(parent), name, value).Err(); err != nil {
		return unavailable("set", err)
	}
	return nil
}

func (s *RedisStore) Update(ctx context.Context, path string, fields map[string]any) error {
	parent, name, err := splitPath(path)
	if err != nil {
		return err
	}
	key := s.nodeKey(parent)

	update := func(tx *redis.Tx) error {
		cur, err := tx.HGet(ctx, key, name).Bytes()
		if errors.Is(err, redis.Nil) {
			return core.ErrNotFound
		}
		if err != nil {
			return err
		}
		merged, err := mergeFields(cur, fields)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, name, merged)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxAttempts; i++ {
		err = s.client.Watch(ctx, update, key)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	switch {
	case err == nil:
		return nil
	case errors.Is(err, core.ErrNotFound):
		return err
	case errors.Is(err, redis.TxFailedErr):
		return fmt.Errorf("failed to update %s: %w", path, core.ErrConflict)
	default:
		return unavailable("update", err)
	}
}

func (s *RedisStore) Push(ctx context.Context, path string, value []byte) (string, error) {
	id, err := newChildID()
	if err != nil {
		return "", err
	}

	if err := s.client.HSet(ctx, s.nodeKey(cleanPath(path)), id, value).Err(); err != nil {
		return "", unavailable("push", err)
	}
	return id, nil
}

func (s *RedisStore) Delete(ctx context.Context, path string) error {
	parent, name, err := splitPath(path)
	if err != nil {
		return err
	}

	if err := s.client.HDel(ctx, s.nodeKey(parent), name).Err(); err != nil {
		return unavailable("delete", err)
	}
	return nil
}

func (s *RedisStore) Children(ctx context.Context, path string) (map[string][]byte, error) {
	vals, err := s.client.HGetAll(ctx, s.nodeKey(cleanPath(path))).Result()
	if err != nil {
		return nil, unavailable("list", err)
	}

	out := make(map[string][]byte, len(vals))
	for k, v := range vals {
		out[k] = []byte(v)
	}
	return out, nil
}

func (s *RedisStore) SetIfAbsent(ctx context.Context, path string, value []byte) (bool, error) {
	parent, name, err := splitPath(path)
	if err != nil {
		return false, err
	}

	ok, err := s.client.HSetNX(ctx, s.nodeKey(parent), name, value).Result()
	if err != nil {
		return false, unavailable("claim", err)
	}
	return ok, nil
}

func (s *RedisStore) CompareAndSwap(ctx context.Context, path string, old, new []byte) (bool, error) {
	parent, name, err := splitPath(path)
	if err != nil {
		return false, err
	}
	key := s.nodeKey(parent)

	var swapped bool
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.HGet(ctx, key, name).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		if !bytes.Equal(cur, old) {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, name, new)
			return nil
		})
		if err == nil {
			swapped = true
		}
		return err
	}, key)

	// A concurrent writer touched the hash; the caller re-reads and retries.
	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		return false, unavailable("compare-and-swap", err)
	}
	return swapped, nil
}

func (s *RedisStore) ScheduleExpiry(ctx context.Context, path string, at time.Time) error {
	err := s.client.ZAdd(ctx, s.expiryKey(), redis.Z{
		Score:  float64(ceilTime(at, time.Millisecond).UnixMilli()),
		Member: cleanPath(path),
	}).Err()
	if err != nil {
		return unavailable("schedule expiry", err)
	}
	return nil
}

func (s *RedisStore) DueExpiries(ctx context.Context, now time.Time, limit int) ([]string, error) {
	paths, err := s.client.ZRangeByScore(ctx, s.expiryKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, unavailable("read expiries", err)
	}
	return paths, nil
}

func (s *RedisStore) RemoveExpiry(ctx context.Context, path string) error {
	if err := s.client.ZRem(ctx, s.expiryKey(), cleanPath(path)).Err(); err != nil {
		return unavailable("remove expiry", err)
	}
	return nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("failed to %s: %w: %w", op, core.ErrStoreUnavailable, err)
}
