// ============================================================================
// docflow Task Manager - 任務生命週期管理
// ============================================================================
//
// Package: internal/taskmanager
// 文件: manager.go
// 功能: 建立任務、記錄狀態、提供查詢，所有狀態都存放在共享 Store 中
//
// 狀態機:
//   ┌────────┐ MarkProcessing ┌────────────┐ MarkCompleted ┌───────────┐
//   │ queued │ ─────────────→ │ processing │ ────────────→ │ completed │
//   └────────┘                └────────────┘               └───────────┘
//                                   │ MarkFailed           ┌───────────┐
//                                   └────────────────────→ │  failed   │
//                                                          └───────────┘
//
//   每個轉換只發生一次；不會回到 queued；沒有自動重試。
//
// 儲存佈局:
//   task:<id>     JSON 任務紀錄 (TTL = tasks.ttl，每次轉換時刷新)
//   queue:<kind>  任務 ID 的 FIFO 佇列
//
// 併發控制:
//   Manager 本身無狀態（不持有鎖），所有轉換透過 Store.CompareAndSwap：
//   讀取目前紀錄 → 檢查轉換合法 → 以讀到的 bytes 作為 prev 寫入新紀錄。
//   CAS 失敗代表另一個 worker 或行程搶先修改，重新讀取後再判斷。
//   因此多個 worker pool、多個行程可以共用同一個 Store。
//
// 錯誤處理:
//   - ErrTaskNotFound:      正常結果（任務不存在或已過期），不記錄為 error
//   - ErrStoreUnavailable:  Store 無法連線或逾時，呼叫端可重試
//   - ErrInvalidTransition: 任務已被其他 worker 處理或已結束
//
// ============================================================================

package taskmanager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/docflow/internal/metrics"
	"github.com/ChuLiYu/docflow/internal/store"
	"github.com/ChuLiYu/docflow/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 任務不存在或已過期
	ErrTaskNotFound = errors.New("task not found")
	// 共享 Store 無法使用
	ErrStoreUnavailable = errors.New("task store unavailable")
	// 不合法的狀態轉換
	ErrInvalidTransition = errors.New("invalid task transition")
	// 未知的任務種類
	ErrUnknownKind = errors.New("unknown task kind")
	// 佇列在等待時間內都是空的
	ErrQueueEmpty = errors.New("no task available")
)

const (
	DefaultTaskTTL   = 24 * time.Hour
	DefaultOpTimeout = 5 * time.Second
	casAttempts      = 5
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Manager 任務管理器。所有狀態存在 Store 中，Manager 可以安全地被多個 goroutine 共用
type Manager struct {
	store     store.Store
	taskTTL   time.Duration
	opTimeout time.Duration
	now       func() time.Time
	newID     func() types.TaskID
	metrics   *metrics.Collector
	logger    *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithTaskTTL sets how long task records live after their last transition.
func WithTaskTTL(ttl time.Duration) Option {
	return func(m *Manager) { m.taskTTL = ttl }
}

// WithOpTimeout bounds every individual store call.
func WithOpTimeout(d time.Duration) Option {
	return func(m *Manager) { m.opTimeout = d }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithIDGenerator(gen func() types.TaskID) Option {
	return func(m *Manager) { m.newID = gen }
}

func WithMetrics(c *metrics.Collector) Option {
	return func(m *Manager) { m.metrics = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// New 建立新的任務管理器
func New(st store.Store, opts ...Option) *Manager {
	m := &Manager{
		store:     st,
		taskTTL:   DefaultTaskTTL,
		opTimeout: DefaultOpTimeout,
		now:       time.Now,
		newID:     func() types.TaskID { return types.TaskID(uuid.NewString()) },
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// storeErr 將 Store 錯誤轉成 Manager 的錯誤分類
func storeErr(op string, err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return ErrTaskNotFound
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, store.ErrUnavailable):
		return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

func (m *Manager) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.opTimeout)
}

// ============================================================================
// Client-facing operations
// ============================================================================

// Submit 建立 queued 任務並推入對應佇列
//
// 順序：先寫紀錄再入隊，worker 取到 ID 時紀錄一定存在。
// 入隊失敗時盡力刪除紀錄，避免留下永遠不會被處理的任務。
func (m *Manager) Submit(ctx context.Context, kind types.TaskKind, payload types.Payload) (types.TaskID, error) {
	if !kind.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	now := m.now().UnixMilli()
	task := types.Task{
		ID:        m.newID(),
		Kind:      kind,
		Payload:   payload,
		Status:    types.StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	data, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("encode task: %w", err)
	}

	key := store.TaskKey(string(task.ID))
	opCtx, cancel := m.opContext(ctx)
	defer cancel()

	if err := m.store.Set(opCtx, key, data, m.taskTTL); err != nil {
		return "", storeErr("write task", err)
	}
	if err := m.store.Push(opCtx, store.QueueKey(string(kind)), string(task.ID)); err != nil {
		cleanupCtx, cleanupCancel := m.opContext(context.WithoutCancel(ctx))
		_ = m.store.Delete(cleanupCtx, key)
		cleanupCancel()
		return "", storeErr("enqueue task", err)
	}

	m.metrics.RecordSubmitted(string(kind))
	m.logger.Info("task submitted", "taskID", task.ID, "kind", kind)
	return task.ID, nil
}

// GetStatus 回傳任務狀態（不含 result），不會等待任務完成
func (m *Manager) GetStatus(ctx context.Context, id types.TaskID) (*types.Task, error) {
	return m.GetResult(ctx, id, false)
}

// GetResult 回傳任務；includeResult 為 false 時省略 result
func (m *Manager) GetResult(ctx context.Context, id types.TaskID, includeResult bool) (*types.Task, error) {
	task, _, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !includeResult {
		task.Result = nil
	}
	return task, nil
}

// Stats 回傳各佇列的等待數量，並同步更新 queue depth 指標
func (m *Manager) Stats(ctx context.Context) (map[types.TaskKind]int64, error) {
	opCtx, cancel := m.opContext(ctx)
	defer cancel()

	stats := make(map[types.TaskKind]int64, len(types.AllKinds))
	for _, kind := range types.AllKinds {
		n, err := m.store.QueueLen(opCtx, store.QueueKey(string(kind)))
		if err != nil {
			return nil, storeErr("queue length", err)
		}
		stats[kind] = n
		m.metrics.SetQueueDepth(string(kind), n)
	}
	return stats, nil
}

// Ping reports whether the backing store is reachable.
func (m *Manager) Ping(ctx context.Context) error {
	opCtx, cancel := m.opContext(ctx)
	defer cancel()
	if err := m.store.Ping(opCtx); err != nil {
		return storeErr("ping", err)
	}
	return nil
}

// ============================================================================
// Worker-facing operations
// ============================================================================

// Dequeue 從指定種類的佇列中阻塞取出一個任務 ID，最多等待 wait
func (m *Manager) Dequeue(ctx context.Context, wait time.Duration, kinds ...types.TaskKind) (types.TaskID, error) {
	if len(kinds) == 0 {
		kinds = types.AllKinds
	}
	queues := make([]string, len(kinds))
	for i, k := range kinds {
		queues[i] = store.QueueKey(string(k))
	}

	// 阻塞時間 + 單次操作逾時
	opCtx, cancel := context.WithTimeout(ctx, wait+m.opTimeout)
	defer cancel()

	_, id, err := m.store.Pop(opCtx, wait, queues...)
	switch {
	case err == nil:
		return types.TaskID(id), nil
	case errors.Is(err, store.ErrEmpty):
		return "", ErrQueueEmpty
	case ctx.Err() != nil:
		return "", ctx.Err()
	default:
		return "", storeErr("dequeue", err)
	}
}

// MarkProcessing 將任務從 queued 轉為 processing，記錄 workerID
func (m *Manager) MarkProcessing(ctx context.Context, id types.TaskID, workerID string) (*types.Task, error) {
	task, err := m.transition(ctx, id, types.StatusProcessing, func(t *types.Task) {
		t.WorkerID = workerID
	})
	if err != nil {
		return nil, err
	}
	m.metrics.RecordDequeued(string(task.Kind))
	return task, nil
}

// Requeue 將仍為 queued 的任務重新推入佇列（worker 取出後無法認領時使用）
func (m *Manager) Requeue(ctx context.Context, id types.TaskID) error {
	task, _, err := m.load(ctx, id)
	if err != nil {
		return err
	}
	if task.Status != types.StatusQueued {
		return fmt.Errorf("%w: cannot requeue %s task", ErrInvalidTransition, task.Status)
	}

	opCtx, cancel := m.opContext(ctx)
	defer cancel()
	if err := m.store.Push(opCtx, store.QueueKey(string(task.Kind)), string(id)); err != nil {
		return storeErr("requeue task", err)
	}
	m.logger.Info("task requeued", "taskID", id, "kind", task.Kind)
	return nil
}

// MarkCompleted 將任務從 processing 轉為 completed 並寫入 result
func (m *Manager) MarkCompleted(ctx context.Context, id types.TaskID, result *types.Result) (*types.Task, error) {
	return m.transition(ctx, id, types.StatusCompleted, func(t *types.Task) {
		t.Result = result
		t.Error = nil
	})
}

// MarkFailed 將任務從 processing 轉為 failed 並寫入錯誤
func (m *Manager) MarkFailed(ctx context.Context, id types.TaskID, taskErr *types.TaskError) (*types.Task, error) {
	if taskErr == nil {
		taskErr = &types.TaskError{Code: types.CodeInternal, Message: "unknown failure"}
	}
	return m.transition(ctx, id, types.StatusFailed, func(t *types.Task) {
		t.Error = taskErr
		t.Result = nil
	})
}

// ============================================================================
// 內部方法
// ============================================================================

func (m *Manager) load(ctx context.Context, id types.TaskID) (*types.Task, []byte, error) {
	opCtx, cancel := m.opContext(ctx)
	defer cancel()

	raw, err := m.store.Get(opCtx, store.TaskKey(string(id)))
	if err != nil {
		return nil, nil, storeErr("read task", err)
	}
	var task types.Task
	if err := json.Unmarshal(raw, &task); err != nil {
		return nil, nil, fmt.Errorf("decode task %s: %w", id, err)
	}
	return &task, raw, nil
}

// transition 以 CAS 將任務移到 to 狀態；mutate 在寫入前修改紀錄
func (m *Manager) transition(ctx context.Context, id types.TaskID, to types.TaskStatus, mutate func(*types.Task)) (*types.Task, error) {
	key := store.TaskKey(string(id))

	for attempt := 0; attempt < casAttempts; attempt++ {
		task, prev, err := m.load(ctx, id)
		if err != nil {
			return nil, err
		}
		if !types.CanTransition(task.Status, to) {
			return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, task.Status, to)
		}

		task.Status = to
		task.UpdatedAt = m.now().UnixMilli()
		mutate(task)

		next, err := json.Marshal(task)
		if err != nil {
			return nil, fmt.Errorf("encode task: %w", err)
		}

		opCtx, cancel := m.opContext(ctx)
		ok, err := m.store.CompareAndSwap(opCtx, key, prev, next, m.taskTTL)
		cancel()
		if err != nil {
			return nil, storeErr("update task", err)
		}
		if ok {
			m.logger.Debug("task transitioned", "taskID", id, "status", to)
			return task, nil
		}
		// 被其他寫入者搶先，重新讀取
	}
	return nil, fmt.Errorf("%w: %s contended after %d attempts", ErrInvalidTransition, id, casAttempts)
}
