// ============================================================================
// docflow Shared Store - queue + TTL key/value contract
// ============================================================================
//
// Package: internal/store
// File: store.go
// Purpose: The only cross-process mutable resource. Task records, work
//          queues and cache entries all live in one flat keyspace:
//
//            task:<id>     JSON task record, expires with the task TTL
//            queue:<kind>  FIFO list of task ids
//            cache:<hash>  cached LLM responses / parse results
//
// Backends:
//   - RedisStore:  multi-process deployments (go-redis, BLPOP, WATCH/MULTI)
//   - MemoryStore: single process (serve mode) and tests
//
// Every mutation is a single atomic primitive (push, blocking pop,
// set-with-TTL, compare-and-swap); callers never hold locks across calls.
//
// ============================================================================

package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound means the key is absent or expired.
	ErrNotFound = errors.New("store: key not found")
	// ErrEmpty means a blocking pop timed out with every queue empty.
	ErrEmpty = errors.New("store: queues empty")
	// ErrUnavailable wraps connectivity and timeout failures; callers may retry.
	ErrUnavailable = errors.New("store: unavailable")
)

// Store is the shared key/value + queue service.
type Store interface {
	// Push appends value to the tail of queue.
	Push(ctx context.Context, queue, value string) error

	// Pop removes the head of the first non-empty queue, in argument order,
	// waiting up to wait for one to fill. Returns ErrEmpty on timeout.
	Pop(ctx context.Context, wait time.Duration, queues ...string) (queue, value string, err error)

	// Set writes key. ttl <= 0 stores without expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Get reads key or returns ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes key; deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// CompareAndSwap replaces key with next only if its current value equals
	// prev. ttl is applied as in Set. Returns ErrNotFound when key is gone.
	CompareAndSwap(ctx context.Context, key string, prev, next []byte, ttl time.Duration) (bool, error)

	// QueueLen reports the number of values waiting in queue.
	QueueLen(ctx context.Context, queue string) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

// Key helpers for the shared layout.
const (
	TaskPrefix  = "task:"
	QueuePrefix = "queue:"
	CachePrefix = "cache:"
)

func TaskKey(id string) string    { return TaskPrefix + id }
func QueueKey(kind string) string { return QueuePrefix + kind }
func CacheKey(hash string) string { return CachePrefix + hash }
