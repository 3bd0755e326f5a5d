// ============================================================================
// docflow Worker Pool - 並發任務執行器
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 管理多個 Worker goroutine 的生命週期
//
// 設計模式:
//   採用 Worker Pool 模式（工作池模式）：
//   1. 固定數量的 Worker goroutine 持續運行
//   2. 每個 Worker 直接從共享 Store 的佇列阻塞取任務（沒有中央分派者）
//   3. 認領任務靠 CAS，多個 Pool、多個行程可以同時消費同一組佇列
//
// 架構組件:
//   ┌─────────────┐   Submit()   ┌───────────────────┐
//   │  API / CLI  │ ───────────→ │ Store             │
//   └─────────────┘              │  queue:<kind>     │
//                                │  task:<id>        │
//                                └───────────────────┘
//                                   ↑ Dequeue / Mark*
//                              ┌────┴──────┐
//                              │   Pool    │
//                              │ Worker 1  │
//                              │ Worker 2  │
//                              │ Worker N  │
//                              └───────────┘
//
// 生命週期:
//   1. NewPool()       - 建立 Pool
//   2. Start(ctx, n)   - 啟動 n 個 Worker goroutines
//   3. Stop()          - 取消 context，等待所有 Worker 做完手上的任務
//
// 錯誤處理:
//   - ErrPoolAlreadyStarted: 重複啟動
//   - ErrPoolClosed:         Stop 之後再 Start
//   - ErrNoHandlers:         Registry 沒有任何 handler
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/ChuLiYu/docflow/internal/metrics"
	"github.com/ChuLiYu/docflow/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示當前 Pool 已關閉
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolAlreadyStarted 表示 Pool 已經啟動
	ErrPoolAlreadyStarted = errors.New("worker pool already started")
	// ErrNoHandlers 表示沒有可執行的任務種類
	ErrNoHandlers = errors.New("worker pool has no handlers")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Pool 代表 Worker 池，管理多個並發的 Worker
type Pool struct {
	source   TaskSource
	registry *Registry
	cfg      Config
	kinds    []types.TaskKind
	name     string // worker ID 前綴

	metrics    *metrics.Collector
	recorder   Recorder
	onTerminal func(*types.Task)
	logger     *slog.Logger

	workers []*Worker
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	stopped bool
	mu      sync.Mutex
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

func WithMetrics(c *metrics.Collector) PoolOption { return func(p *Pool) { p.metrics = c } }

// WithRecorder sends every terminal task to r.
func WithRecorder(r Recorder) PoolOption { return func(p *Pool) { p.recorder = r } }

// WithTerminalHook runs fn after a task's outcome has been stored.
func WithTerminalHook(fn func(*types.Task)) PoolOption { return func(p *Pool) { p.onTerminal = fn } }

func WithLogger(l *slog.Logger) PoolOption { return func(p *Pool) { p.logger = l } }

// WithName sets the worker ID prefix (default hostname-<short uuid>).
func WithName(name string) PoolOption { return func(p *Pool) { p.name = name } }

// ============================================================================
// 核心方法實作
// ============================================================================

// NewPool 建立新的 Worker Pool；cfg 的零值欄位使用 DefaultConfig
func NewPool(source TaskSource, registry *Registry, cfg Config, opts ...PoolOption) *Pool {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.PollWait <= 0 {
		cfg.PollWait = def.PollWait
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = def.TaskTimeout
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = def.Backoff
	}

	p := &Pool{
		source:   source,
		registry: registry,
		cfg:      cfg,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.name == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "worker"
		}
		p.name = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}
	return p
}

// Start 啟動 workerCount 個 Worker；workerCount <= 0 時使用 Config.Workers
func (p *Pool) Start(ctx context.Context, workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return ErrPoolClosed
	}
	if p.started {
		return ErrPoolAlreadyStarted // 防止重複啟動
	}

	// 只消費有 handler 的種類
	kinds := p.cfg.Kinds
	if len(kinds) == 0 {
		kinds = p.registry.Kinds()
	}
	for _, k := range kinds {
		if _, ok := p.registry.lookup(k); !ok {
			return fmt.Errorf("no handler registered for kind %q", k)
		}
	}
	if len(kinds) == 0 {
		return ErrNoHandlers
	}
	p.kinds = kinds

	if workerCount <= 0 {
		workerCount = p.cfg.Workers
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	for i := 0; i < workerCount; i++ {
		w := newWorker(fmt.Sprintf("%s-%d", p.name, i), p)
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run(runCtx)
		}(w)
	}

	p.started = true
	p.logger.Info("worker pool started", "workers", workerCount, "kinds", kinds, "name", p.name)
	return nil
}

// Stop 優雅地關閉 Worker Pool：
//  1. 取消 context，Worker 不再取新任務
//  2. 等待所有 Worker 完成手上的任務
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.stopped = true
		p.mu.Unlock()
		return
	}
	p.stopped = true
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	p.wg.Wait()
	p.logger.Info("worker pool stopped", "name", p.name)
}

// Wait blocks until every worker has exited (after Stop or parent cancel).
func (p *Pool) Wait() { p.wg.Wait() }

// States returns each worker's current state, indexed like worker IDs.
func (p *Pool) States() []State {
	p.mu.Lock()
	defer p.mu.Unlock()
	states := make([]State, len(p.workers))
	for i, w := range p.workers {
		states[i] = w.State()
	}
	return states
}

// GetWorkerCount 返回當前 Worker 數量
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IsStarted 檢查 Pool 是否已啟動
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}
