package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ChuLiYu/docflow/pkg/types"
)

const createTable = `
CREATE TABLE IF NOT EXISTS task_audit (
	task_id    TEXT PRIMARY KEY,
	kind       TEXT NOT NULL,
	status     TEXT NOT NULL,
	code       TEXT NOT NULL DEFAULT '',
	worker_id  TEXT NOT NULL DEFAULT '',
	elapsed_ms INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	task_json  TEXT NOT NULL
)`

const createIndex = `CREATE INDEX IF NOT EXISTS task_audit_updated ON task_audit(updated_at)`

// SQLiteLog archives entries in a single sqlite table.
type SQLiteLog struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path.
// ":memory:" is accepted for tests.
func OpenSQLite(path string) (*SQLiteLog, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create audit dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	// sqlite 單一寫入者
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure audit db: %w", err)
	}
	for _, stmt := range []string{createTable, createIndex} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create audit table: %w", err)
		}
	}
	return &SQLiteLog{db: db}, nil
}

// Record upserts the task's terminal entry.
func (s *SQLiteLog) Record(ctx context.Context, task *types.Task, elapsed time.Duration) error {
	e := NewEntry(task, elapsed)
	raw, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO task_audit (task_id, kind, status, code, worker_id, elapsed_ms, created_at, updated_at, task_json)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(task_id) DO UPDATE SET
	status = excluded.status, code = excluded.code, worker_id = excluded.worker_id,
	elapsed_ms = excluded.elapsed_ms, updated_at = excluded.updated_at, task_json = excluded.task_json`,
		string(e.TaskID), string(e.Kind), string(e.Status), e.Code, e.WorkerID,
		e.ElapsedMs, e.CreatedAt, e.UpdatedAt, string(raw))
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

const selectColumns = `SELECT task_id, kind, status, code, worker_id, elapsed_ms, created_at, updated_at, task_json FROM task_audit`

// Get returns the entry for id.
func (s *SQLiteLog) Get(ctx context.Context, id types.TaskID) (Entry, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE task_id = ?`, string(id))
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	return e, err
}

// Recent returns up to limit entries, newest first.
func (s *SQLiteLog) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, selectColumns+` ORDER BY updated_at DESC, task_id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteLog) Close() error { return s.db.Close() }

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(r scanner) (Entry, error) {
	var (
		e   Entry
		raw string
	)
	if err := r.Scan(&e.TaskID, &e.Kind, &e.Status, &e.Code, &e.WorkerID, &e.ElapsedMs, &e.CreatedAt, &e.UpdatedAt, &raw); err != nil {
		return Entry{}, err
	}
	var task types.Task
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		return Entry{}, fmt.Errorf("decode audited task %s: %w", e.TaskID, err)
	}
	e.Task = &task
	return e, nil
}
