package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/docflow/internal/store"
)

func newTestCache(now *time.Time) (*Cache, *store.MemoryStore) {
	st := store.NewMemoryStore(store.WithClock(func() time.Time { return *now }))
	return New(st, "llm", nil), st
}

func TestCache_PutGet(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	c, _ := newTestCache(&now)
	ctx := context.Background()

	_, err := c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrMiss)

	require.NoError(t, c.Put(ctx, "k", []byte("answer"), time.Hour))
	v, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "answer", string(v))

	// overwrite
	require.NoError(t, c.Put(ctx, "k", []byte("newer"), time.Hour))
	v, err = c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "newer", string(v))
}

func TestCache_ExpiredIsMiss(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	c, _ := newTestCache(&now)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "k", []byte("v"), time.Minute))
	now = now.Add(time.Minute)

	_, err := c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestCache_ZeroTTLIsImmediateMiss(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	c, _ := newTestCache(&now)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "k", []byte("old"), time.Hour))
	require.NoError(t, c.Put(ctx, "k", []byte("v"), 0))

	_, err := c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrMiss)

	require.NoError(t, c.Put(ctx, "neg", []byte("v"), -time.Second))
	_, err = c.Get(ctx, "neg")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestCache_NamespacedKeys(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	c, st := newTestCache(&now)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "abc", []byte("v"), time.Hour))
	v, err := st.Get(ctx, "cache:llm:abc")
	require.NoError(t, err)
	assert.Equal(t, "v", string(v))

	other := New(st, "parse", nil)
	_, err = other.Get(ctx, "abc")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestCache_JSON(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	c, _ := newTestCache(&now)
	ctx := context.Background()

	type payload struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	require.NoError(t, c.PutJSON(ctx, "j", payload{Name: "x", Count: 2}, time.Hour))

	var got payload
	require.NoError(t, c.GetJSON(ctx, "j", &got))
	assert.Equal(t, payload{Name: "x", Count: 2}, got)

	assert.ErrorIs(t, c.GetJSON(ctx, "missing", &got), ErrMiss)
}

func TestPromptKey(t *testing.T) {
	assert.Equal(t, PromptKey("extract  the\nfields"), PromptKey("extract the fields"))
	assert.NotEqual(t, PromptKey("a"), PromptKey("b"))
	assert.Len(t, PromptKey("a"), 64)
}

func TestContentKey(t *testing.T) {
	content := []byte("invoice body")
	a := ContentKey(content, map[string]string{"chunk": "sentence", "kind": "invoice"})
	b := ContentKey(content, map[string]string{"kind": "invoice", "chunk": "sentence"})
	assert.Equal(t, a, b)

	c := ContentKey(content, map[string]string{"chunk": "paragraph", "kind": "invoice"})
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, a, ContentKey([]byte("other"), map[string]string{"chunk": "sentence", "kind": "invoice"}))
}
