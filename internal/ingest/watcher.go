// Package ingest turns files dropped into an inbox directory into parse tasks.
package ingest

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ChuLiYu/docflow/internal/parser"
	"github.com/ChuLiYu/docflow/pkg/types"
)

// Submitter enqueues tasks; *taskmanager.Manager satisfies it.
type Submitter interface {
	Submit(ctx context.Context, kind types.TaskKind, payload types.Payload) (types.TaskID, error)
}

// Config controls the watcher.
type Config struct {
	Roots         []string
	InitialScan   bool          // submit files already present at start
	Debounce      time.Duration // coalesce write bursts per file
	ChunkStrategy types.ChunkStrategy
	DocumentKind  types.DocumentKind // empty: infer per document
}

// Watcher submits a parse task for each new or rewritten supported file.
type Watcher struct {
	cfg    Config
	submit Submitter
	logger *slog.Logger

	seen map[string]fileStamp // 已提交的檔案版本
}

type fileStamp struct {
	size    int64
	modTime time.Time
}

// NewWatcher validates cfg.
func NewWatcher(cfg Config, s Submitter, logger *slog.Logger) (*Watcher, error) {
	if len(cfg.Roots) == 0 {
		return nil, errors.New("ingest: no roots provided")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 500 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{cfg: cfg, submit: s, logger: logger, seen: make(map[string]fileStamp)}, nil
}

// Run watches until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	pending := make(map[string]time.Time)
	for _, root := range w.cfg.Roots {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if d.IsDir() {
				return fw.Add(path)
			}
			if w.cfg.InitialScan && parser.Supported(path) {
				pending[path] = time.Time{}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	w.logger.Info("watching inbox", "roots", w.cfg.Roots, "initial", len(pending))

	tick := time.NewTicker(w.cfg.Debounce / 2)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case e, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if e.Has(fsnotify.Create) {
				if fi, err := os.Stat(e.Name); err == nil && fi.IsDir() {
					if err := fw.Add(e.Name); err != nil {
						w.logger.Warn("watch new directory failed", "path", e.Name, "error", err)
					}
					continue
				}
			}
			if e.Has(fsnotify.Create) || e.Has(fsnotify.Write) {
				if parser.Supported(e.Name) && !hidden(e.Name) {
					pending[e.Name] = time.Now()
				}
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("watcher error", "error", err)

		case now := <-tick.C:
			for path, last := range pending {
				if now.Sub(last) < w.cfg.Debounce {
					continue
				}
				delete(pending, path)
				w.submitFile(ctx, path)
			}
		}
	}
}

// submitFile enqueues path unless this exact version was already submitted.
func (w *Watcher) submitFile(ctx context.Context, path string) {
	fi, err := os.Stat(path)
	if err != nil || fi.IsDir() {
		return
	}
	stamp := fileStamp{size: fi.Size(), modTime: fi.ModTime()}
	if prev, ok := w.seen[path]; ok && prev == stamp {
		return
	}

	payload := types.Payload{Parse: &types.ParsePayload{
		Source:        types.DocumentRef{Path: path, Name: filepath.Base(path)},
		ChunkStrategy: w.cfg.ChunkStrategy,
		DocumentKind:  w.cfg.DocumentKind,
		InferKind:     w.cfg.DocumentKind == "",
	}}
	id, err := w.submit.Submit(ctx, types.KindParse, payload)
	if err != nil {
		w.logger.Error("submit inbox file failed", "path", path, "error", err)
		return
	}
	w.seen[path] = stamp
	w.logger.Info("inbox file submitted", "path", path, "taskID", id)
}

func hidden(path string) bool {
	base := filepath.Base(path)
	return strings.HasPrefix(base, ".") || strings.HasSuffix(base, "~") || strings.HasSuffix(base, ".tmp")
}
