// ============================================================================
// docflow Worker - Task Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Work unit that claims and executes tasks, each Worker runs in an
//           independent goroutine
//
// How it works:
//   Each Worker loops until its context is cancelled:
//   1. Dequeue a task ID (bounded blocking pop across the configured kinds)
//   2. MarkProcessing (CAS queued -> processing); losing the race is normal
//   3. Run the kind's handler under a per-task timeout
//   4. MarkCompleted / MarkFailed, then audit and terminal hook
//
// Execution Model:
//   ┌──────────────────────────────────────────┐
//   │  Worker Goroutine                        │
//   │  ┌───────────────────────────────────┐   │
//   │  │ for ctx not done                  │   │
//   │  │   ├─ Dequeue(wait)                │   │
//   │  │   ├─ MarkProcessing(workerID)     │   │
//   │  │   ├─ Context with timeout         │   │
//   │  │   ├─ handler.Handle(task)         │   │
//   │  │   └─ MarkCompleted / MarkFailed   │   │
//   │  └───────────────────────────────────┘   │
//   └──────────────────────────────────────────┘
//
// Timeout Control:
//   The task context is detached from the worker context: stopping the pool
//   lets in-flight tasks finish (no mid-flight cancellation) but the
//   per-task timeout still applies and maps to the "timeout" code.
//
// Error Handling:
//   - *types.TaskError from a handler: recorded as-is
//   - context.DeadlineExceeded: code "timeout"
//   - anything else, including panics: code "internal_error"
//   - store errors while dequeuing: back off, then retry
//   - store errors while claiming: retry, then push the ID back on its queue
//   - no automatic retry of failed tasks
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/docflow/internal/metrics"
	"github.com/ChuLiYu/docflow/internal/taskmanager"
	"github.com/ChuLiYu/docflow/pkg/types"
)

const (
	terminalAttempts = 3
	terminalRetry    = 200 * time.Millisecond
)

// Worker represents a work execution unit
type Worker struct {
	id       string
	source   TaskSource
	registry *Registry
	cfg      Config
	kinds    []types.TaskKind

	metrics    *metrics.Collector
	recorder   Recorder
	onTerminal func(*types.Task)
	logger     *slog.Logger

	state atomic.Value // State
}

func newWorker(id string, p *Pool) *Worker {
	w := &Worker{
		id:         id,
		source:     p.source,
		registry:   p.registry,
		cfg:        p.cfg,
		kinds:      p.kinds,
		metrics:    p.metrics,
		recorder:   p.recorder,
		onTerminal: p.onTerminal,
		logger:     p.logger.With("workerID", id),
	}
	w.state.Store(StateIdle)
	return w
}

// State returns what the worker is currently doing.
func (w *Worker) State() State { return w.state.Load().(State) }

// Run is the main loop of Worker. It returns when ctx is cancelled, after
// finishing any task already claimed.
func (w *Worker) Run(ctx context.Context) {
	defer w.state.Store(StateStopped)

	for ctx.Err() == nil {
		w.state.Store(StateDequeuing)
		id, err := w.source.Dequeue(ctx, w.cfg.PollWait, w.kinds...)
		switch {
		case err == nil:
		case errors.Is(err, taskmanager.ErrQueueEmpty):
			continue
		case ctx.Err() != nil:
			return
		default:
			w.logger.Warn("dequeue failed, backing off", "error", err, "backoff", w.cfg.Backoff)
			w.sleep(ctx, w.cfg.Backoff)
			continue
		}

		// 已離開佇列：即使 Stop 發生在此之後也要完成認領
		task, err := w.claim(context.WithoutCancel(ctx), id)
		if err != nil {
			continue
		}

		w.state.Store(StateExecuting)
		w.process(task)
		w.state.Store(StateIdle)
	}
}

// process runs a claimed task to a terminal state.
func (w *Worker) process(task *types.Task) {
	w.metrics.WorkerBusy()
	defer w.metrics.WorkerIdle()

	start := time.Now()
	w.logger.Info("task started", "taskID", task.ID, "kind", task.Kind)

	result, taskErr := w.execute(task)
	elapsed := time.Since(start)

	var (
		final *types.Task
		err   error
	)
	if taskErr == nil {
		final, err = w.finish(task.ID, func(ctx context.Context) (*types.Task, error) {
			return w.source.MarkCompleted(ctx, task.ID, result)
		})
	} else {
		final, err = w.finish(task.ID, func(ctx context.Context) (*types.Task, error) {
			return w.source.MarkFailed(ctx, task.ID, taskErr)
		})
	}
	if err != nil {
		// 紀錄會在 TTL 到期後消失；不重新排入佇列
		w.logger.Error("record task outcome failed", "taskID", task.ID, "error", err)
		return
	}

	if taskErr == nil {
		w.metrics.RecordCompleted(string(task.Kind), elapsed.Seconds())
		w.logger.Info("task completed", "taskID", task.ID, "kind", task.Kind, "elapsed", elapsed)
	} else {
		w.metrics.RecordFailed(string(task.Kind), taskErr.Code, elapsed.Seconds())
		w.logger.Warn("task failed", "taskID", task.ID, "kind", task.Kind, "code", taskErr.Code, "error", taskErr.Message)
	}

	if w.recorder != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := w.recorder.Record(ctx, final, elapsed); err != nil {
			w.logger.Warn("audit record failed", "taskID", task.ID, "error", err)
		}
		cancel()
	}
	if w.onTerminal != nil {
		w.onTerminal(final)
	}
}

// execute runs the handler with timeout and panic protection.
func (w *Worker) execute(task *types.Task) (result *types.Result, taskErr *types.TaskError) {
	h, ok := w.registry.lookup(task.Kind)
	if !ok {
		return nil, &types.TaskError{Code: types.CodeUnsupportedKind, Message: fmt.Sprintf("no handler for kind %q", task.Kind)}
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.TaskTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("handler panic", "taskID", task.ID, "panic", r, "stack", string(debug.Stack()))
			result, taskErr = nil, &types.TaskError{Code: types.CodeInternal, Message: fmt.Sprintf("panic: %v", r)}
		}
	}()

	res, err := h.Handle(ctx, task)
	if err == nil {
		if res == nil {
			res = &types.Result{}
		}
		return res, nil
	}
	return nil, classify(ctx, err)
}

// classify maps a handler error to a task error.
func classify(ctx context.Context, err error) *types.TaskError {
	var te *types.TaskError
	switch {
	case errors.As(err, &te):
		return te
	case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		return types.NewTaskError(types.CodeTimeout, err)
	default:
		return types.NewTaskError(types.CodeInternal, err)
	}
}

// claim marks a popped task as processing. Store errors are retried; when
// they persist the ID goes back on its queue so the task is not stranded.
func (w *Worker) claim(ctx context.Context, id types.TaskID) (*types.Task, error) {
	var err error
	for attempt := 1; attempt <= terminalAttempts; attempt++ {
		var task *types.Task
		task, err = w.source.MarkProcessing(ctx, id, w.id)
		switch {
		case err == nil:
			return task, nil
		case errors.Is(err, taskmanager.ErrInvalidTransition), errors.Is(err, taskmanager.ErrTaskNotFound):
			// 其他 worker 已接手或紀錄已過期
			w.logger.Debug("task not claimable", "taskID", id, "reason", err)
			return nil, err
		case !errors.Is(err, taskmanager.ErrStoreUnavailable):
			w.logger.Error("claim task failed", "taskID", id, "error", err)
			return nil, err
		}
		w.logger.Warn("claim task failed, retrying", "taskID", id, "attempt", attempt, "error", err)
		time.Sleep(terminalRetry * time.Duration(attempt))
	}

	if rerr := w.source.Requeue(ctx, id); rerr != nil {
		w.logger.Error("claim task failed and requeue failed", "taskID", id, "error", err, "requeueError", rerr)
	} else {
		w.logger.Warn("claim task failed, task requeued", "taskID", id, "error", err)
	}
	return nil, err
}

// finish retries a terminal write a few times on store errors.
func (w *Worker) finish(id types.TaskID, write func(context.Context) (*types.Task, error)) (*types.Task, error) {
	var err error
	for attempt := 1; attempt <= terminalAttempts; attempt++ {
		var final *types.Task
		final, err = write(context.Background())
		if err == nil {
			return final, nil
		}
		if !errors.Is(err, taskmanager.ErrStoreUnavailable) {
			return nil, err
		}
		w.logger.Warn("terminal write failed, retrying", "taskID", id, "attempt", attempt, "error", err)
		time.Sleep(terminalRetry * time.Duration(attempt))
	}
	return nil, err
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
