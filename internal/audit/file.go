package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ChuLiYu/docflow/pkg/types"
)

// FileLog writes one JSON file per task under dir.
type FileLog struct {
	dir string
	mu  sync.Mutex // 保護檔案操作
}

// NewFileLog creates dir if needed.
func NewFileLog(dir string) (*FileLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	return &FileLog{dir: dir}, nil
}

func (f *FileLog) path(id types.TaskID) string {
	// 任務 ID 來自外部時也不能跳出目錄
	return filepath.Join(f.dir, filepath.Base(string(id))+".json")
}

// Record writes the entry atomically:
//  1. 寫入臨時檔案（.tmp）
//  2. os.Rename 原子性替換
func (f *FileLog) Record(_ context.Context, task *types.Task, elapsed time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := json.MarshalIndent(NewEntry(task, elapsed), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}

	path := f.path(task.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename audit entry: %w", err)
	}
	return nil
}

func (f *FileLog) Get(_ context.Context, id types.TaskID) (Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return readEntry(f.path(id))
}

func readEntry(path string) (Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, fmt.Errorf("read audit entry: %w", err)
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return Entry{}, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return e, nil
}

// Recent reads every entry and returns the newest limit of them.
func (f *FileLog) Recent(_ context.Context, limit int) ([]Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}
	files, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("list audit dir: %w", err)
	}
	var out []Entry
	for _, fi := range files {
		if fi.IsDir() || !strings.HasSuffix(fi.Name(), ".json") {
			continue
		}
		e, err := readEntry(filepath.Join(f.dir, fi.Name()))
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt != out[j].UpdatedAt {
			return out[i].UpdatedAt > out[j].UpdatedAt
		}
		return out[i].TaskID < out[j].TaskID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *FileLog) Close() error { return nil }
