// ============================================================================
// docflow RedisStore - shared backend for multi-process deployments
// ============================================================================
//
// Package: internal/store
// File: redis.go
// Purpose: Store implementation on Redis.
//
//   Push            -> RPUSH
//   Pop             -> BLPOP key... timeout
//   Set             -> SET key value [EX ttl]
//   CompareAndSwap  -> WATCH key; GET; MULTI SET EXEC
//
// Any error other than a miss is reported as ErrUnavailable (wrapping the
// driver error) so callers can tell "not there" from "cannot reach store".
//
// ============================================================================

package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds connection settings.
type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
}

// RedisStore is a Store backed by a Redis server.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects lazily; use Ping to verify reachability.
func NewRedisStore(cfg RedisConfig) *RedisStore {
	return NewRedisStoreFromClient(redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
	}))
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}

func (r *RedisStore) Push(ctx context.Context, queue, value string) error {
	if err := r.client.RPush(ctx, queue, value).Err(); err != nil {
		return unavailable("rpush", err)
	}
	return nil
}

func (r *RedisStore) Pop(ctx context.Context, wait time.Duration, queues ...string) (string, string, error) {
	if wait <= 0 {
		for _, q := range queues {
			v, err := r.client.LPop(ctx, q).Result()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				return "", "", unavailable("lpop", err)
			}
			return q, v, nil
		}
		return "", "", ErrEmpty
	}

	res, err := r.client.BLPop(ctx, wait, queues...).Result()
	if errors.Is(err, redis.Nil) {
		return "", "", ErrEmpty
	}
	if err != nil {
		if ctx.Err() != nil {
			return "", "", ctx.Err()
		}
		return "", "", unavailable("blpop", err)
	}
	// BLPOP 回傳 [key, value]
	if len(res) != 2 {
		return "", "", unavailable("blpop", fmt.Errorf("unexpected reply length %d", len(res)))
	}
	return res[0], res[1], nil
}

func (r *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return unavailable("set", err)
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get", err)
	}
	return b, nil
}

func (r *RedisStore) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return unavailable("del", err)
	}
	return nil
}

func (r *RedisStore) CompareAndSwap(ctx context.Context, key string, prev, next []byte, ttl time.Duration) (bool, error) {
	if ttl < 0 {
		ttl = 0
	}
	swapped := false
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			return err
		}
		if !bytes.Equal(cur, prev) {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, next, ttl)
			return nil
		})
		if err != nil {
			return err
		}
		swapped = true
		return nil
	}, key)

	switch {
	case err == nil:
		return swapped, nil
	case errors.Is(err, redis.Nil):
		return false, ErrNotFound
	case errors.Is(err, redis.TxFailedErr):
		// 另一個寫入者搶先修改了 key
		return false, nil
	default:
		return false, unavailable("cas", err)
	}
}

func (r *RedisStore) QueueLen(ctx context.Context, queue string) (int64, error) {
	n, err := r.client.LLen(ctx, queue).Result()
	if err != nil {
		return 0, unavailable("llen", err)
	}
	return n, nil
}

func (r *RedisStore) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
