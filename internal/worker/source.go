// ============================================================================
// docflow Task Source Interface
// ============================================================================
//
// Package: internal/worker
// File: source.go
// Purpose: Defines where workers take tasks from and where they report.
//
// Motivation:
//   The pool never touches the store directly. taskmanager.Manager is the
//   production TaskSource; tests substitute fakes to drive failure paths
//   (store outages, lost races, expired records).
//
// ============================================================================

package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/docflow/pkg/types"
)

// TaskSource hands out task IDs and records lifecycle transitions.
type TaskSource interface {
	// Dequeue blocks up to wait for a task ID from any of kinds.
	// It returns taskmanager.ErrQueueEmpty when nothing arrived in time.
	Dequeue(ctx context.Context, wait time.Duration, kinds ...types.TaskKind) (types.TaskID, error)

	// MarkProcessing claims the task for workerID. It fails with
	// taskmanager.ErrInvalidTransition when another worker got there first
	// and taskmanager.ErrTaskNotFound when the record expired.
	MarkProcessing(ctx context.Context, id types.TaskID, workerID string) (*types.Task, error)

	// Requeue pushes a still-queued task back on its kind's queue.
	Requeue(ctx context.Context, id types.TaskID) error

	// MarkCompleted stores the result; the task becomes terminal.
	MarkCompleted(ctx context.Context, id types.TaskID, result *types.Result) (*types.Task, error)

	// MarkFailed stores the failure; the task becomes terminal.
	MarkFailed(ctx context.Context, id types.TaskID, taskErr *types.TaskError) (*types.Task, error)
}

// Recorder receives every task that reached a terminal state.
type Recorder interface {
	Record(ctx context.Context, task *types.Task, elapsed time.Duration) error
}
