// ============================================================================
// docflow MemoryStore - 單行程記憶體後端
// ============================================================================
//
// Package: internal/store
// File: memory.go
// Purpose: In-process Store used by `docflow serve` and by tests.
//
// 設計:
//   - RWMutex 保護 entries 與 queues
//   - 過期資料在讀取時視為不存在並順手刪除 (lazy expiry)
//   - Pop 以 signal channel 等待新資料：每次 Push 關閉舊 channel 並換新，
//     等待者被喚醒後重新檢查佇列
//   - 時鐘可注入，測試可以控制 TTL
//
// ============================================================================

package store

import (
	"bytes"
	"context"
	"sync"
	"time"
)

type memEntry struct {
	value     []byte
	expiresAt time.Time // zero 表示永不過期
}

// MemoryStore is a Store held entirely in memory.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memEntry
	queues  map[string][]string
	signal  chan struct{} // 每次 Push 時關閉並替換
	now     func() time.Time
	closed  bool
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock replaces time.Now, mainly for expiry tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryStore) { m.now = now }
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{
		entries: make(map[string]memEntry),
		queues:  make(map[string][]string),
		signal:  make(chan struct{}),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MemoryStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

// live returns the entry for key when present and not expired. Caller holds mu.
func (m *MemoryStore) live(key string) (memEntry, bool) {
	e, ok := m.entries[key]
	if !ok {
		return memEntry{}, false
	}
	if !e.expiresAt.IsZero() && !m.now().Before(e.expiresAt) {
		return memEntry{}, false
	}
	return e, true
}

func (m *MemoryStore) Push(ctx context.Context, queue, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrUnavailable
	}
	m.queues[queue] = append(m.queues[queue], value)

	// 喚醒所有等待中的 Pop
	close(m.signal)
	m.signal = make(chan struct{})
	return nil
}

func (m *MemoryStore) Pop(ctx context.Context, wait time.Duration, queues ...string) (string, string, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return "", "", ErrUnavailable
		}
		for _, q := range queues {
			if items := m.queues[q]; len(items) > 0 {
				value := items[0]
				m.queues[q] = items[1:]
				m.mu.Unlock()
				return q, value, nil
			}
		}
		signal := m.signal
		m.mu.Unlock()

		select {
		case <-signal:
			// 有新資料，重新檢查
		case <-timer.C:
			return "", "", ErrEmpty
		case <-ctx.Done():
			return "", "", ctx.Err()
		}
	}
}

func (m *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrUnavailable
	}
	m.entries[key] = memEntry{value: bytes.Clone(value), expiresAt: m.expiry(ttl)}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	e, ok := m.live(key)
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return nil, ErrUnavailable
	}
	if !ok {
		m.evict(key)
		return nil, ErrNotFound
	}
	return bytes.Clone(e.value), nil
}

// evict drops key if it is still expired.
func (m *MemoryStore) evict(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.live(key); !ok {
		delete(m.entries, key)
	}
}

func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *MemoryStore) CompareAndSwap(ctx context.Context, key string, prev, next []byte, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrUnavailable
	}
	e, ok := m.live(key)
	if !ok {
		delete(m.entries, key)
		return false, ErrNotFound
	}
	if !bytes.Equal(e.value, prev) {
		return false, nil
	}
	m.entries[key] = memEntry{value: bytes.Clone(next), expiresAt: m.expiry(ttl)}
	return true, nil
}

func (m *MemoryStore) QueueLen(ctx context.Context, queue string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.queues[queue])), nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrUnavailable
	}
	return ctx.Err()
}

// Close wakes blocked Pop calls; subsequent operations fail with ErrUnavailable.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.signal)
	m.signal = make(chan struct{})
	return nil
}
