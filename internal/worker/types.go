package worker

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ChuLiYu/docflow/pkg/types"
)

// Handler 執行某一種任務
type Handler interface {
	Handle(ctx context.Context, task *types.Task) (*types.Result, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, task *types.Task) (*types.Result, error)

func (f HandlerFunc) Handle(ctx context.Context, task *types.Task) (*types.Result, error) {
	return f(ctx, task)
}

// Registry maps task kinds to handlers. Build it before Start; it is not
// safe for concurrent modification.
type Registry struct {
	handlers map[types.TaskKind]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[types.TaskKind]Handler)}
}

// Register binds h to kind, replacing any earlier handler.
func (r *Registry) Register(kind types.TaskKind, h Handler) error {
	if !kind.Valid() {
		return fmt.Errorf("register handler: unknown kind %q", kind)
	}
	r.handlers[kind] = h
	return nil
}

func (r *Registry) lookup(kind types.TaskKind) (Handler, bool) {
	h, ok := r.handlers[kind]
	return h, ok
}

// Kinds returns the registered kinds in a stable order.
func (r *Registry) Kinds() []types.TaskKind {
	kinds := make([]types.TaskKind, 0, len(r.handlers))
	for k := range r.handlers {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// State 單一 worker 目前在做什麼
type State string

const (
	StateIdle      State = "idle"
	StateDequeuing State = "dequeuing"
	StateExecuting State = "executing"
	StateStopped   State = "stopped"
)

// Config controls worker behaviour.
type Config struct {
	Workers     int           // goroutines per pool
	PollWait    time.Duration // bounded blocking pop
	TaskTimeout time.Duration // per-task execution limit
	Backoff     time.Duration // pause after a store error
	Kinds       []types.TaskKind
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Workers:     4,
		PollWait:    5 * time.Second,
		TaskTimeout: 2 * time.Minute,
		Backoff:     time.Second,
	}
}
