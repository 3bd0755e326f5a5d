// ============================================================================
// docflow CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: 以 Cobra 組合所有元件的命令列入口
//
// Command Structure:
//   docflow                        # Root command
//   ├── serve                      # HTTP API + gRPC + workers (+ inbox watcher)
//   ├── api                        # HTTP API + gRPC only
//   ├── worker                     # workers only (any number of processes)
//   ├── watch                      # inbox watcher only
//   ├── submit parse|match|schema|agent  # enqueue a task (local store or --addr gRPC)
//   ├── status [task-id]           # poll a task, or show queue depths
//   ├── history [task-id]          # read the audit log
//   ├── match INV PO GRN           # synchronous three-way match, optional --xlsx
//   └── --config, -c               # YAML config (optional; env overrides apply)
//
// 所有長時間執行的命令都監聽 SIGINT / SIGTERM：
//   1. 停止接受新請求（HTTP Shutdown / gRPC GracefulStop）
//   2. 停止 worker 取新任務，等待執行中的任務寫入終態
//   3. 關閉 audit log 與 store
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/ChuLiYu/docflow/internal/api"
	"github.com/ChuLiYu/docflow/internal/ingest"
	"github.com/ChuLiYu/docflow/internal/metrics"
	"github.com/ChuLiYu/docflow/internal/server"
	"github.com/ChuLiYu/docflow/pkg/types"
)

const healthInterval = 5 * time.Second

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "docflow",
		Short: "docflow: asynchronous document parsing and three-way matching",
		Long: `docflow queues document tasks in a shared store and runs them on worker pools:
- parse: documents to structured elements and extracted fields
- match: invoice / purchase order / goods receipt reconciliation
- schema: LLM-generated JSON Schema from a description
- agent: free-form LLM instructions over a document, or plain queries`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (YAML)")

	rootCmd.AddCommand(buildServeCommand())
	rootCmd.AddCommand(buildAPICommand())
	rootCmd.AddCommand(buildWorkerCommand())
	rootCmd.AddCommand(buildWatchCommand())
	rootCmd.AddCommand(buildSubmitCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildHistoryCommand())
	rootCmd.AddCommand(buildMatchCommand())

	return rootCmd
}

// nodeRoles selects what a long-running process hosts.
type nodeRoles struct {
	api     bool
	workers bool
	watch   bool
}

func buildServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API, gRPC service and workers in one process",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(nodeRoles{api: true, workers: true, watch: true})
		},
	}
}

func buildAPICommand() *cobra.Command {
	return &cobra.Command{
		Use:   "api",
		Short: "Start the HTTP API and gRPC service without workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(nodeRoles{api: true})
		},
	}
}

func buildWorkerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Start a worker pool consuming the shared queues",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(nodeRoles{workers: true})
		},
	}
}

func buildWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Watch inbox directories and submit parse tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(nodeRoles{watch: true})
		},
	}
}

func runNode(roles nodeRoles) error {
	rt, err := newRuntime(configFile)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.checkStore(ctx); err != nil {
		return err
	}
	cfg := rt.cfg
	errCh := make(chan error, 4)

	var httpSrv *http.Server
	var grpcSrv *grpc.Server
	if roles.api {
		if err := os.MkdirAll(cfg.API.UploadDir, 0o750); err != nil {
			return fmt.Errorf("upload dir: %w", err)
		}
		handler := api.NewTaskHandler(rt.tasks, cfg.API.UploadDir, rt.logger)
		rc := api.RouterConfig{MaxUploadBytes: cfg.API.MaxUploadBytes, Logger: rt.logger}
		if rt.metrics != nil {
			rc.Metrics = metrics.Handler()
		}
		httpSrv = &http.Server{Addr: cfg.API.Addr, Handler: api.NewRouter(handler, rc)}
		go func() {
			rt.logger.Info("HTTP API listening", "addr", cfg.API.Addr)
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("http server: %w", err)
			}
		}()

		if cfg.API.GRPCAddr != "" {
			lis, err := net.Listen("tcp", cfg.API.GRPCAddr)
			if err != nil {
				return fmt.Errorf("failed to listen on %s: %w", cfg.API.GRPCAddr, err)
			}
			grpcSrv = grpc.NewServer()
			srv := server.NewServer(rt.tasks, rt.logger)
			srv.Register(grpcSrv)
			go srv.WatchHealth(ctx, healthInterval)
			go func() {
				rt.logger.Info("gRPC server listening", "addr", cfg.API.GRPCAddr)
				if err := grpcSrv.Serve(lis); err != nil {
					errCh <- fmt.Errorf("grpc server: %w", err)
				}
			}()
		}
	} else if roles.workers && rt.metrics != nil {
		// worker-only processes still expose /metrics
		metricsSrv := &http.Server{Addr: cfg.Metrics.Addr, Handler: metrics.Handler()}
		go func() {
			rt.logger.Info("metrics listening", "addr", cfg.Metrics.Addr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				rt.logger.Error("metrics server error", "error", err)
			}
		}()
		defer metricsSrv.Close()
	}

	if roles.workers && cfg.Worker.Count > 0 {
		pool, err := rt.newPool()
		if err != nil {
			return err
		}
		if err := pool.Start(ctx, cfg.Worker.Count); err != nil {
			return fmt.Errorf("failed to start worker pool: %w", err)
		}
		defer pool.Stop()
	}

	if roles.watch && len(cfg.Ingest.Dirs) > 0 {
		w, err := ingest.NewWatcher(ingest.Config{
			Roots:         cfg.Ingest.Dirs,
			InitialScan:   cfg.Ingest.InitialScan,
			Debounce:      cfg.Ingest.Debounce,
			ChunkStrategy: types.ChunkStrategy(cfg.Ingest.ChunkStrategy),
			DocumentKind:  types.DocumentKind(cfg.Ingest.DocumentKind),
		}, rt.tasks, rt.logger)
		if err != nil {
			return err
		}
		go func() {
			if err := w.Run(ctx); err != nil {
				errCh <- fmt.Errorf("inbox watcher: %w", err)
			}
		}()
	} else if roles.watch && !roles.api {
		return errors.New("ingest.dirs is empty; nothing to watch")
	}

	rt.logger.Info("docflow started", "api", roles.api, "workers", roles.workers, "watch", roles.watch, "store", cfg.Store.Backend)

	select {
	case <-ctx.Done():
		rt.logger.Info("received shutdown signal, stopping gracefully")
	case err = <-errCh:
		rt.logger.Error("component failed, shutting down", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.API.ShutdownTimeout)
	defer cancel()
	if httpSrv != nil {
		if serr := httpSrv.Shutdown(shutdownCtx); serr != nil {
			rt.logger.Warn("http shutdown", "error", serr)
		}
	}
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	return err
}
