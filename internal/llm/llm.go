// ============================================================================
// docflow LLM - text completion collaborator
// ============================================================================
//
// Package: internal/llm
// File: llm.go
// Purpose: Completer is the only LLM surface the pipeline sees.
//
//   OpenAI     chat/completions over HTTP (any OpenAI-compatible endpoint)
//   Disabled   always fails with ErrDisabled
//   Cached     response cache + in-flight de-duplication around another Completer
//
// ============================================================================

package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ChuLiYu/docflow/internal/cache"
)

var (
	// ErrDisabled is returned when no LLM backend is configured.
	ErrDisabled = errors.New("llm disabled")
	// ErrEmptyResponse means the backend answered without any content.
	ErrEmptyResponse = errors.New("llm returned empty response")
)

// DefaultCacheTTL is how long completions stay cached.
const DefaultCacheTTL = 24 * time.Hour

// Completer turns a prompt into text.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Disabled is the Completer used when llm.enabled is false.
type Disabled struct{}

// Complete implements Completer.
func (Disabled) Complete(context.Context, string) (string, error) { return "", ErrDisabled }

// Cached serves repeated prompts from the cache and collapses concurrent
// identical prompts into one backend call.
type Cached struct {
	next   Completer
	cache  *cache.Cache
	ttl    time.Duration
	group  singleflight.Group
	logger *slog.Logger
}

// NewCached wraps next. ttl <= 0 disables caching but keeps de-duplication.
func NewCached(next Completer, c *cache.Cache, ttl time.Duration, logger *slog.Logger) *Cached {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cached{next: next, cache: c, ttl: ttl, logger: logger}
}

// Complete implements Completer.
func (c *Cached) Complete(ctx context.Context, prompt string) (string, error) {
	key := cache.PromptKey(prompt)

	if c.ttl > 0 {
		v, err := c.cache.Get(ctx, key)
		switch {
		case err == nil:
			return string(v), nil
		case !errors.Is(err, cache.ErrMiss):
			// 快取壞掉不影響主流程
			c.logger.Warn("llm cache read failed", "error", err)
		}
	}

	v, err, shared := c.group.Do(key, func() (any, error) {
		out, err := c.next.Complete(ctx, prompt)
		if err != nil {
			return "", err
		}
		if c.ttl > 0 {
			if err := c.cache.Put(ctx, key, []byte(out), c.ttl); err != nil {
				c.logger.Warn("llm cache write failed", "error", err)
			}
		}
		return out, nil
	})
	if err != nil {
		return "", fmt.Errorf("complete: %w", err)
	}
	if shared {
		c.logger.Debug("llm call shared", "key", key[:12])
	}
	return v.(string), nil
}
