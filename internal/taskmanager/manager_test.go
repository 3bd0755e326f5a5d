package taskmanager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/docflow/internal/store"
	"github.com/ChuLiYu/docflow/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

// failingStore wraps a Store and fails selected operations.
type failingStore struct {
	store.Store
	failSet  bool
	failPush bool
	failGet  bool
	deleted  []string
}

func (f *failingStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if f.failSet {
		return fmt.Errorf("%w: connection refused", store.ErrUnavailable)
	}
	return f.Store.Set(ctx, key, value, ttl)
}

func (f *failingStore) Push(ctx context.Context, queue, value string) error {
	if f.failPush {
		return fmt.Errorf("%w: connection reset", store.ErrUnavailable)
	}
	return f.Store.Push(ctx, queue, value)
}

func (f *failingStore) Get(ctx context.Context, key string) ([]byte, error) {
	if f.failGet {
		return nil, fmt.Errorf("%w: i/o timeout", store.ErrUnavailable)
	}
	return f.Store.Get(ctx, key)
}

func (f *failingStore) Delete(ctx context.Context, key string) error {
	f.deleted = append(f.deleted, key)
	return f.Store.Delete(ctx, key)
}

func sequentialIDs() func() types.TaskID {
	var n int64
	return func() types.TaskID {
		return types.TaskID(fmt.Sprintf("task-%03d", atomic.AddInt64(&n, 1)))
	}
}

func newTestManager(st store.Store) *Manager {
	return New(st, WithIDGenerator(sequentialIDs()), WithTaskTTL(time.Hour))
}

func parsePayload() types.Payload {
	return types.Payload{Parse: &types.ParsePayload{Source: types.DocumentRef{Path: "/tmp/invoice.txt"}}}
}

// ============================================================================
// Unit Tests
// ============================================================================

func TestSubmit_CreatesQueuedTask(t *testing.T) {
	st := store.NewMemoryStore()
	m := newTestManager(st)
	ctx := context.Background()

	id, err := m.Submit(ctx, types.KindParse, parsePayload())
	require.NoError(t, err)
	assert.Equal(t, types.TaskID("task-001"), id)

	task, err := m.GetStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusQueued, task.Status)
	assert.Equal(t, types.KindParse, task.Kind)
	assert.NotZero(t, task.CreatedAt)
	assert.Nil(t, task.Result)
	assert.Nil(t, task.Error)

	n, err := st.QueueLen(ctx, "queue:parse")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSubmit_DefaultIDIsUUID(t *testing.T) {
	m := New(store.NewMemoryStore())
	id, err := m.Submit(context.Background(), types.KindParse, parsePayload())
	require.NoError(t, err)
	assert.Len(t, string(id), 36)
}

func TestSubmit_UnknownKind(t *testing.T) {
	m := newTestManager(store.NewMemoryStore())
	_, err := m.Submit(context.Background(), types.TaskKind("ocr"), types.Payload{})
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestSubmit_StoreUnavailable(t *testing.T) {
	fs := &failingStore{Store: store.NewMemoryStore(), failSet: true}
	m := newTestManager(fs)

	_, err := m.Submit(context.Background(), types.KindParse, parsePayload())
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestSubmit_PushFailureRemovesRecord(t *testing.T) {
	mem := store.NewMemoryStore()
	fs := &failingStore{Store: mem, failPush: true}
	m := newTestManager(fs)
	ctx := context.Background()

	_, err := m.Submit(ctx, types.KindParse, parsePayload())
	require.ErrorIs(t, err, ErrStoreUnavailable)

	assert.Equal(t, []string{"task:task-001"}, fs.deleted)
	_, err = m.GetStatus(ctx, "task-001")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestGetStatus_NotFound(t *testing.T) {
	m := newTestManager(store.NewMemoryStore())
	_, err := m.GetStatus(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestGetStatus_StoreUnavailable(t *testing.T) {
	fs := &failingStore{Store: store.NewMemoryStore(), failGet: true}
	m := newTestManager(fs)
	_, err := m.GetStatus(context.Background(), "task-001")
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestLifecycle_Completed(t *testing.T) {
	m := newTestManager(store.NewMemoryStore())
	ctx := context.Background()

	id, err := m.Submit(ctx, types.KindParse, parsePayload())
	require.NoError(t, err)

	got, err := m.Dequeue(ctx, time.Second, types.KindParse)
	require.NoError(t, err)
	assert.Equal(t, id, got)

	task, err := m.MarkProcessing(ctx, id, "worker-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusProcessing, task.Status)
	assert.Equal(t, "worker-1", task.WorkerID)

	result := &types.Result{Parse: &types.ParseResult{Elements: []types.Element{{Type: types.ElementText, Text: "hi"}}}}
	_, err = m.MarkCompleted(ctx, id, result)
	require.NoError(t, err)

	// 不含 result
	status, err := m.GetStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, status.Status)
	assert.Nil(t, status.Result)

	// 含 result
	full, err := m.GetResult(ctx, id, true)
	require.NoError(t, err)
	require.NotNil(t, full.Result)
	assert.Equal(t, "hi", full.Result.Parse.Elements[0].Text)
	assert.Nil(t, full.Error)
}

func TestLifecycle_Failed(t *testing.T) {
	m := newTestManager(store.NewMemoryStore())
	ctx := context.Background()

	id, err := m.Submit(ctx, types.KindMatch, types.Payload{})
	require.NoError(t, err)
	_, err = m.MarkProcessing(ctx, id, "worker-1")
	require.NoError(t, err)

	_, err = m.MarkFailed(ctx, id, &types.TaskError{Code: types.CodeParseFailed, Message: "bad pdf"})
	require.NoError(t, err)

	task, err := m.GetResult(ctx, id, true)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, task.Status)
	require.NotNil(t, task.Error)
	assert.Equal(t, types.CodeParseFailed, task.Error.Code)
	assert.Nil(t, task.Result)
}

func TestTransitions_Invalid(t *testing.T) {
	m := newTestManager(store.NewMemoryStore())
	ctx := context.Background()

	id, err := m.Submit(ctx, types.KindParse, parsePayload())
	require.NoError(t, err)

	// queued -> completed 不合法
	_, err = m.MarkCompleted(ctx, id, &types.Result{})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = m.MarkProcessing(ctx, id, "w1")
	require.NoError(t, err)

	// processing -> processing 不合法
	_, err = m.MarkProcessing(ctx, id, "w2")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = m.MarkCompleted(ctx, id, &types.Result{})
	require.NoError(t, err)

	// terminal 狀態不可再變更
	_, err = m.MarkFailed(ctx, id, &types.TaskError{Code: types.CodeInternal})
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = m.MarkCompleted(ctx, id, &types.Result{})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestMarkFailed_NilErrorGetsInternalCode(t *testing.T) {
	m := newTestManager(store.NewMemoryStore())
	ctx := context.Background()

	id, _ := m.Submit(ctx, types.KindParse, parsePayload())
	_, err := m.MarkProcessing(ctx, id, "w")
	require.NoError(t, err)
	task, err := m.MarkFailed(ctx, id, nil)
	require.NoError(t, err)
	assert.Equal(t, types.CodeInternal, task.Error.Code)
}

func TestDequeue_Empty(t *testing.T) {
	m := newTestManager(store.NewMemoryStore())
	_, err := m.Dequeue(context.Background(), 50*time.Millisecond, types.KindParse)
	assert.ErrorIs(t, err, ErrQueueEmpty)
}

func TestDequeue_Cancelled(t *testing.T) {
	m := newTestManager(store.NewMemoryStore())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.Dequeue(ctx, time.Second)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestRequeue(t *testing.T) {
	st := store.NewMemoryStore()
	m := newTestManager(st)
	ctx := context.Background()

	id, err := m.Submit(ctx, types.KindParse, parsePayload())
	require.NoError(t, err)
	popped, err := m.Dequeue(ctx, 50*time.Millisecond, types.KindParse)
	require.NoError(t, err)
	require.Equal(t, id, popped)

	require.NoError(t, m.Requeue(ctx, id))
	popped, err = m.Dequeue(ctx, 50*time.Millisecond, types.KindParse)
	require.NoError(t, err)
	assert.Equal(t, id, popped, "queued task should be back on its queue")

	_, err = m.MarkProcessing(ctx, id, "w1")
	require.NoError(t, err)
	assert.ErrorIs(t, m.Requeue(ctx, id), ErrInvalidTransition)
	assert.ErrorIs(t, m.Requeue(ctx, "missing"), ErrTaskNotFound)

	n, err := st.QueueLen(ctx, "queue:parse")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestStats(t *testing.T) {
	m := newTestManager(store.NewMemoryStore())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := m.Submit(ctx, types.KindParse, parsePayload())
		require.NoError(t, err)
	}
	_, err := m.Submit(ctx, types.KindMatch, types.Payload{})
	require.NoError(t, err)

	stats, err := m.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats[types.KindParse])
	assert.Equal(t, int64(1), stats[types.KindMatch])
	assert.Equal(t, int64(0), stats[types.KindSchema])
}

func TestTaskTTL(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }
	st := store.NewMemoryStore(store.WithClock(clock))
	m := New(st, WithClock(clock), WithTaskTTL(time.Hour), WithIDGenerator(sequentialIDs()))
	ctx := context.Background()

	id, err := m.Submit(ctx, types.KindParse, parsePayload())
	require.NoError(t, err)

	now = now.Add(30 * time.Minute)
	_, err = m.MarkProcessing(ctx, id, "w")
	require.NoError(t, err)

	// 轉換時刷新 TTL
	now = now.Add(45 * time.Minute)
	_, err = m.GetStatus(ctx, id)
	require.NoError(t, err)

	now = now.Add(time.Hour)
	_, err = m.GetStatus(ctx, id)
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

// ============================================================================
// Concurrency Tests
// ============================================================================

// Racing workers: each task is claimed by exactly one of them.
func TestConcurrentWorkers_SingleOwner(t *testing.T) {
	m := New(store.NewMemoryStore())
	ctx := context.Background()

	const tasks = 50
	for i := 0; i < tasks; i++ {
		_, err := m.Submit(ctx, types.KindParse, parsePayload())
		require.NoError(t, err)
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		owners = make(map[types.TaskID]string)
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(workerID string) {
			defer wg.Done()
			for {
				id, err := m.Dequeue(ctx, 20*time.Millisecond, types.KindParse)
				if errors.Is(err, ErrQueueEmpty) {
					return
				}
				if err != nil {
					t.Errorf("dequeue: %v", err)
					return
				}
				if _, err := m.MarkProcessing(ctx, id, workerID); err != nil {
					continue
				}
				mu.Lock()
				if prev, dup := owners[id]; dup {
					t.Errorf("task %s owned by %s and %s", id, prev, workerID)
				}
				owners[id] = workerID
				mu.Unlock()
				_, _ = m.MarkCompleted(ctx, id, &types.Result{})
			}
		}(fmt.Sprintf("worker-%d", w))
	}
	wg.Wait()

	assert.Len(t, owners, tasks)
}

// Two writers racing on the same processing transition: exactly one succeeds.
func TestConcurrentMarkProcessing_OneWins(t *testing.T) {
	m := New(store.NewMemoryStore())
	ctx := context.Background()
	id, err := m.Submit(ctx, types.KindParse, parsePayload())
	require.NoError(t, err)

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := m.MarkProcessing(ctx, id, fmt.Sprintf("w%d", i)); err == nil {
				atomic.AddInt32(&wins, 1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)
}
