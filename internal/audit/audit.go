package audit

// ============================================================================
// 職責說明：
// 1. 任務進入終態（completed / failed）時留下一筆紀錄
// 2. Store 中的任務會在 TTL 後消失；稽核紀錄不會
// 3. 兩種後端：sqlite 資料表、或每個任務一個 JSON 檔（原子寫入）
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/docflow/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrNotFound       = errors.New("audit entry not found")
	ErrUnknownBackend = errors.New("unknown audit backend")
)

// Entry is one archived task outcome.
type Entry struct {
	TaskID    types.TaskID     `json:"task_id"`
	Kind      types.TaskKind   `json:"kind"`
	Status    types.TaskStatus `json:"status"`
	Code      string           `json:"code,omitempty"` // 失敗碼
	WorkerID  string           `json:"worker_id,omitempty"`
	ElapsedMs int64            `json:"elapsed_ms"`
	CreatedAt int64            `json:"created_at"`
	UpdatedAt int64            `json:"updated_at"`
	Task      *types.Task      `json:"task,omitempty"` // 完整紀錄（含結果）
}

// NewEntry builds an Entry from a terminal task.
func NewEntry(task *types.Task, elapsed time.Duration) Entry {
	e := Entry{
		TaskID:    task.ID,
		Kind:      task.Kind,
		Status:    task.Status,
		WorkerID:  task.WorkerID,
		ElapsedMs: elapsed.Milliseconds(),
		CreatedAt: task.CreatedAt,
		UpdatedAt: task.UpdatedAt,
		Task:      task,
	}
	if task.Error != nil {
		e.Code = task.Error.Code
	}
	return e
}

// Log is the read/write surface shared by both backends.
type Log interface {
	Record(ctx context.Context, task *types.Task, elapsed time.Duration) error
	Get(ctx context.Context, id types.TaskID) (Entry, error)
	Recent(ctx context.Context, limit int) ([]Entry, error)
	Close() error
}

// Open returns the backend named by kind ("sqlite" or "file").
func Open(kind, path string) (Log, error) {
	switch kind {
	case "sqlite":
		l, err := OpenSQLite(path)
		if err != nil {
			return nil, err
		}
		return l, nil
	case "file":
		l, err := NewFileLog(path)
		if err != nil {
			return nil, err
		}
		return l, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, kind)
	}
}
