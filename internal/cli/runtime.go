package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/ChuLiYu/docflow/internal/audit"
	"github.com/ChuLiYu/docflow/internal/cache"
	"github.com/ChuLiYu/docflow/internal/config"
	"github.com/ChuLiYu/docflow/internal/llm"
	"github.com/ChuLiYu/docflow/internal/metrics"
	"github.com/ChuLiYu/docflow/internal/parser"
	"github.com/ChuLiYu/docflow/internal/pipeline"
	"github.com/ChuLiYu/docflow/internal/store"
	"github.com/ChuLiYu/docflow/internal/taskmanager"
	"github.com/ChuLiYu/docflow/internal/worker"
)

// newLogger builds the process logger from the log section.
func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// runtime holds the components shared by every command.
type runtime struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    store.Store
	tasks    *taskmanager.Manager
	metrics  *metrics.Collector // nil when metrics are disabled
	pipeline *pipeline.Pipeline
	audit    audit.Log // nil when no audit backend is configured
}

// newRuntime loads the config and wires store, task manager and pipeline.
func newRuntime(path string) (*runtime, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger := newLogger(cfg.Log, os.Stderr)
	slog.SetDefault(logger)

	rt := &runtime{cfg: cfg, logger: logger}
	if cfg.Metrics.Enabled {
		rt.metrics = metrics.NewCollector()
	}

	switch cfg.Store.Backend {
	case "redis":
		rt.store = store.NewRedisStore(store.RedisConfig{
			Addr:         cfg.Store.Addr,
			Password:     cfg.Store.Password,
			DB:           cfg.Store.DB,
			DialTimeout:  cfg.Store.DialTimeout,
			ReadTimeout:  cfg.Store.ReadTimeout,
			WriteTimeout: cfg.Store.WriteTimeout,
			PoolSize:     cfg.Store.PoolSize,
		})
	default:
		logger.Warn("using in-memory store; tasks are visible to this process only")
		rt.store = store.NewMemoryStore()
	}

	rt.tasks = taskmanager.New(rt.store,
		taskmanager.WithTaskTTL(cfg.Tasks.TTL),
		taskmanager.WithOpTimeout(cfg.Store.OpTimeout),
		taskmanager.WithMetrics(rt.metrics),
		taskmanager.WithLogger(logger))

	var completer llm.Completer = llm.Disabled{}
	if cfg.LLM.Enabled {
		client := llm.NewOpenAI(llm.Config{
			BaseURL:     cfg.LLM.BaseURL,
			APIKey:      cfg.LLM.APIKey,
			Model:       cfg.LLM.Model,
			Temperature: cfg.LLM.Temperature,
			Timeout:     cfg.LLM.Timeout,
		}, nil, logger)
		completer = llm.NewCached(client, cache.New(rt.store, "llm", rt.metrics), cfg.Cache.LLMTTL, logger)
	}

	rt.pipeline = pipeline.New(
		parser.NewLoader(nil, cfg.API.MaxUploadBytes),
		parser.NewLocal(),
		completer,
		pipeline.WithParseCache(cache.New(rt.store, "parse", rt.metrics), cfg.Cache.ParseTTL),
		pipeline.WithLogger(logger),
	)

	if cfg.Audit.Backend != "" {
		rt.audit, err = audit.Open(cfg.Audit.Backend, cfg.Audit.Path)
		if err != nil {
			rt.store.Close()
			return nil, fmt.Errorf("failed to open audit log: %w", err)
		}
	}
	return rt, nil
}

// registry binds every task kind to its pipeline handler.
func (rt *runtime) registry() (*worker.Registry, error) {
	reg := worker.NewRegistry()
	for kind, h := range rt.pipeline.Handlers() {
		if err := reg.Register(kind, worker.HandlerFunc(h)); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// newPool builds a worker pool consuming from the task manager.
func (rt *runtime) newPool() (*worker.Pool, error) {
	reg, err := rt.registry()
	if err != nil {
		return nil, err
	}
	opts := []worker.PoolOption{
		worker.WithMetrics(rt.metrics),
		worker.WithLogger(rt.logger),
		worker.WithTerminalHook(rt.pipeline.RemoveTemporary),
	}
	if rt.audit != nil {
		opts = append(opts, worker.WithRecorder(rt.audit))
	}
	cfg := worker.Config{
		Workers:     rt.cfg.Worker.Count,
		PollWait:    rt.cfg.Worker.PollWait,
		TaskTimeout: rt.cfg.Worker.TaskTimeout,
		Backoff:     rt.cfg.Worker.Backoff,
		Kinds:       rt.cfg.WorkerKinds(),
	}
	return worker.NewPool(rt.tasks, reg, cfg, opts...), nil
}

// checkStore fails fast when the shared store is unreachable.
func (rt *runtime) checkStore(ctx context.Context) error {
	if err := rt.tasks.Ping(ctx); err != nil {
		return fmt.Errorf("shared store %s: %w", rt.cfg.Store.Addr, err)
	}
	return nil
}

func (rt *runtime) Close() {
	if rt.audit != nil {
		if err := rt.audit.Close(); err != nil {
			rt.logger.Warn("close audit log", "error", err)
		}
	}
	if err := rt.store.Close(); err != nil {
		rt.logger.Warn("close store", "error", err)
	}
}
