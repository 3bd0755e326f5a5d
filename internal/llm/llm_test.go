package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/docflow/internal/cache"
	"github.com/ChuLiYu/docflow/internal/store"
)

// countingCompleter echoes the prompt and counts calls.
type countingCompleter struct {
	calls   atomic.Int32
	release chan struct{}
	err     error
}

func (c *countingCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	c.calls.Add(1)
	if c.release != nil {
		<-c.release
	}
	if c.err != nil {
		return "", c.err
	}
	return "answer: " + prompt, nil
}

func newCache() *cache.Cache {
	return cache.New(store.NewMemoryStore(), "llm", nil)
}

func TestDisabled(t *testing.T) {
	_, err := Disabled{}.Complete(context.Background(), "hi")
	assert.ErrorIs(t, err, ErrDisabled)
}

func TestCached_HitAfterFirstCall(t *testing.T) {
	next := &countingCompleter{}
	c := NewCached(next, newCache(), time.Hour, nil)
	ctx := context.Background()

	out, err := c.Complete(ctx, "describe  this")
	require.NoError(t, err)
	assert.Equal(t, "answer: describe  this", out)

	// whitespace-equivalent prompt is served from cache
	out, err = c.Complete(ctx, "describe this")
	require.NoError(t, err)
	assert.Equal(t, "answer: describe  this", out)
	assert.Equal(t, int32(1), next.calls.Load())
}

func TestCached_ZeroTTLNeverCaches(t *testing.T) {
	next := &countingCompleter{}
	c := NewCached(next, newCache(), 0, nil)

	for i := 0; i < 3; i++ {
		_, err := c.Complete(context.Background(), "p")
		require.NoError(t, err)
	}
	assert.Equal(t, int32(3), next.calls.Load())
}

func TestCached_ErrorsAreNotCached(t *testing.T) {
	next := &countingCompleter{err: errors.New("boom")}
	c := NewCached(next, newCache(), time.Hour, nil)

	_, err := c.Complete(context.Background(), "p")
	require.Error(t, err)
	next.err = nil
	out, err := c.Complete(context.Background(), "p")
	require.NoError(t, err)
	assert.Equal(t, "answer: p", out)
	assert.Equal(t, int32(2), next.calls.Load())
}

func TestCached_CollapsesConcurrentPrompts(t *testing.T) {
	next := &countingCompleter{release: make(chan struct{})}
	c := NewCached(next, newCache(), time.Hour, nil)

	var wg sync.WaitGroup
	results := make([]string, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = c.Complete(context.Background(), "same")
		}(i)
	}
	require.Eventually(t, func() bool { return next.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(next.release)
	wg.Wait()

	// late arrivals either joined the flight or hit the cache
	assert.Equal(t, int32(1), next.calls.Load())
	for _, r := range results {
		assert.Equal(t, "answer: same", r)
	}
}

func TestOpenAI_Complete(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"  {\"type\":\"object\"}  "}}]}`))
	}))
	defer srv.Close()

	c := NewOpenAI(Config{BaseURL: srv.URL + "/v1/", APIKey: "sk-test", Model: "gpt-test"}, srv.Client(), nil)
	out, err := c.Complete(context.Background(), "make a schema")
	require.NoError(t, err)
	assert.Equal(t, `{"type":"object"}`, out)
	assert.Equal(t, "gpt-test", got["model"])
}

func TestOpenAI_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		target error
	}{
		{name: "server error", status: http.StatusInternalServerError, body: `oops`},
		{name: "no choices", status: http.StatusOK, body: `{"choices":[]}`, target: ErrEmptyResponse},
		{name: "bad json", status: http.StatusOK, body: `not json`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewOpenAI(Config{BaseURL: srv.URL}, srv.Client(), nil).Complete(context.Background(), "p")
			require.Error(t, err)
			if tt.target != nil {
				assert.ErrorIs(t, err, tt.target)
			}
		})
	}
}
