// ============================================================================
// docflow Pipeline - task handlers
// ============================================================================
//
// Package: internal/pipeline
// File: pipeline.go
// Purpose: The work done for each task kind. Handlers are pure with
//          respect to the task store: they take a task, return a result or
//          a *types.TaskError, and the worker records the outcome.
//
//   parse   load -> (parse cache) -> parse -> optional extract
//   match   3 x (record | load+parse+extract) -> three-way match
//   schema  LLM prompt -> JSON Schema, compiled before it is accepted
//   agent   instruction (+ document elements) -> LLM answer, JSON decoded when possible
//
// ============================================================================

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"time"

	"github.com/ChuLiYu/docflow/internal/cache"
	"github.com/ChuLiYu/docflow/internal/extractor"
	"github.com/ChuLiYu/docflow/internal/llm"
	"github.com/ChuLiYu/docflow/internal/matching"
	"github.com/ChuLiYu/docflow/internal/parser"
	"github.com/ChuLiYu/docflow/pkg/types"
)

// DefaultParseCacheTTL is how long parse results are reused.
const DefaultParseCacheTTL = time.Hour

// DocumentLoader resolves a DocumentRef to content.
type DocumentLoader interface {
	Load(ctx context.Context, ref types.DocumentRef) (parser.Document, error)
}

// Pipeline holds the collaborators shared by all handlers.
type Pipeline struct {
	loader     DocumentLoader
	parser     parser.Parser
	llm        llm.Completer
	parseCache *cache.Cache // nil disables parse caching
	parseTTL   time.Duration
	logger     *slog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

func WithParseCache(c *cache.Cache, ttl time.Duration) Option {
	return func(p *Pipeline) { p.parseCache, p.parseTTL = c, ttl }
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// New builds a Pipeline. A nil completer is treated as llm.Disabled.
func New(loader DocumentLoader, prs parser.Parser, completer llm.Completer, opts ...Option) *Pipeline {
	if completer == nil {
		completer = llm.Disabled{}
	}
	p := &Pipeline{
		loader:   loader,
		parser:   prs,
		llm:      completer,
		parseTTL: DefaultParseCacheTTL,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Handlers returns the handler for every task kind.
func (p *Pipeline) Handlers() map[types.TaskKind]func(context.Context, *types.Task) (*types.Result, error) {
	return map[types.TaskKind]func(context.Context, *types.Task) (*types.Result, error){
		types.KindParse:  p.Parse,
		types.KindMatch:  p.Match,
		types.KindSchema: p.Schema,
		types.KindAgent:  p.Agent,
	}
}

// Parse handles a parse task.
func (p *Pipeline) Parse(ctx context.Context, task *types.Task) (*types.Result, error) {
	if err := task.Payload.Validate(types.KindParse); err != nil {
		return nil, types.NewTaskError(types.CodeMalformedPayload, err)
	}
	pl := task.Payload.Parse

	elements, err := p.elements(ctx, pl.Source, pl.ChunkStrategy)
	if err != nil {
		return nil, err
	}
	res := &types.ParseResult{Elements: elements}

	kind := pl.DocumentKind
	if kind == "" && pl.InferKind {
		if k, ok := extractor.InferKind(elements); ok {
			kind = k
		}
	}
	if kind != "" {
		rec := p.extract(task.ID, elements, kind)
		res.Record = &rec
	}
	return &types.Result{Parse: res}, nil
}

// elements loads and parses one source, going through the parse cache.
func (p *Pipeline) elements(ctx context.Context, ref types.DocumentRef, strategy types.ChunkStrategy) ([]types.Element, error) {
	doc, err := p.loader.Load(ctx, ref)
	if err != nil {
		return nil, p.collaboratorErr(types.CodeParseFailed, err)
	}

	key := cache.ContentKey(doc.Content, map[string]string{
		"chunk":  string(strategy),
		"format": path.Ext(doc.Name),
	})
	if p.parseCache != nil && p.parseTTL > 0 {
		var cached []types.Element
		err := p.parseCache.GetJSON(ctx, key, &cached)
		if err == nil {
			return cached, nil
		}
		if !errors.Is(err, cache.ErrMiss) {
			p.logger.Warn("parse cache read failed", "error", err)
		}
	}

	elements, err := p.parser.Parse(ctx, doc, parser.Options{ChunkStrategy: strategy})
	if err != nil {
		return nil, p.collaboratorErr(types.CodeParseFailed, err)
	}
	if elements == nil {
		elements = []types.Element{}
	}

	if p.parseCache != nil && p.parseTTL > 0 {
		if err := p.parseCache.PutJSON(ctx, key, elements, p.parseTTL); err != nil {
			p.logger.Warn("parse cache write failed", "error", err)
		}
	}
	return elements, nil
}

func (p *Pipeline) extract(id types.TaskID, elements []types.Element, kind types.DocumentKind) types.ExtractedRecord {
	rec := extractor.Extract(elements, kind)
	if extractor.Degraded(rec) {
		p.logger.Warn("extraction degraded", "taskID", id, "kind", kind, "missing", extractor.MissingFields(rec))
	}
	return rec
}

// Match handles a three-way match task.
func (p *Pipeline) Match(ctx context.Context, task *types.Task) (*types.Result, error) {
	if err := task.Payload.Validate(types.KindMatch); err != nil {
		return nil, types.NewTaskError(types.CodeMalformedPayload, err)
	}

	records := make([]types.ExtractedRecord, 0, len(task.Payload.Match.Documents))
	for _, d := range task.Payload.Match.Documents {
		if d.Record != nil {
			if err := ValidateRecord(*d.Record); err != nil {
				return nil, types.NewTaskError(types.CodeMalformedPayload, fmt.Errorf("%s record: %w", d.Kind, err))
			}
			rec := *d.Record
			if rec.Kind == "" {
				rec.Kind = d.Kind
			}
			if rec.Kind != d.Kind {
				return nil, &types.TaskError{Code: types.CodeMalformedPayload, Message: fmt.Sprintf("record kind %q supplied as %q", rec.Kind, d.Kind)}
			}
			records = append(records, rec)
			continue
		}

		elements, err := p.elements(ctx, *d.Source, types.ChunkNone)
		if err != nil {
			return nil, err
		}
		records = append(records, p.extract(task.ID, elements, d.Kind))
	}

	report, err := matching.MatchRecords(records)
	if err != nil {
		return nil, types.NewTaskError(types.CodeExtractionFailed, err)
	}
	return &types.Result{Match: &report}, nil
}

// collaboratorErr maps a collaborator failure to a task error, keeping
// deadline expiry distinguishable.
func (p *Pipeline) collaboratorErr(code string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return types.NewTaskError(types.CodeTimeout, err)
	}
	return types.NewTaskError(code, err)
}

// RemoveTemporary deletes uploaded inputs once their task is terminal.
func (p *Pipeline) RemoveTemporary(task *types.Task) {
	for _, ref := range task.Payload.Sources() {
		if !ref.Temporary || ref.Path == "" {
			continue
		}
		if err := os.Remove(ref.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			p.logger.Warn("remove temporary input failed", "taskID", task.ID, "path", ref.Path, "error", err)
		}
	}
}
