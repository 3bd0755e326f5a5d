package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/docflow/pkg/types"
)

type recordingSubmitter struct {
	mu       sync.Mutex
	payloads []types.Payload
	fail     bool
}

func (r *recordingSubmitter) Submit(_ context.Context, kind types.TaskKind, p types.Payload) (types.TaskID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return "", errors.New("store down")
	}
	r.payloads = append(r.payloads, p)
	return types.TaskID("t"), nil
}

func (r *recordingSubmitter) paths() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, p := range r.payloads {
		out = append(out, filepath.Base(p.Parse.Source.Path))
	}
	return out
}

func startWatcher(t *testing.T, cfg Config, s Submitter) {
	t.Helper()
	w, err := NewWatcher(cfg, s, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, w.Run(ctx))
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestNewWatcher_NoRoots(t *testing.T) {
	_, err := NewWatcher(Config{}, &recordingSubmitter{}, nil)
	assert.Error(t, err)
}

func TestWatcher_InitialScan(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "inv.txt"), []byte("INVOICE"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "scan.pdf"), []byte("%PDF"), 0o644))

	s := &recordingSubmitter{}
	startWatcher(t, Config{Roots: []string{dir}, InitialScan: true, Debounce: 20 * time.Millisecond}, s)

	require.Eventually(t, func() bool { return len(s.paths()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"inv.txt"}, s.paths())

	s.mu.Lock()
	p := s.payloads[0].Parse
	s.mu.Unlock()
	assert.True(t, p.InferKind)
	assert.False(t, p.Source.Temporary)
}

func TestWatcher_NewFilesDebounced(t *testing.T) {
	dir := t.TempDir()
	s := &recordingSubmitter{}
	startWatcher(t, Config{Roots: []string{dir}, Debounce: 50 * time.Millisecond, DocumentKind: types.DocPurchaseOrder}, s)

	path := filepath.Join(dir, "po.csv")
	for i := 0; i < 3; i++ {
		require.NoError(t, os.WriteFile(path, []byte("a,b,c\n"), 0o644))
		time.Sleep(5 * time.Millisecond)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".hidden.txt"), []byte("x"), 0o644))

	require.Eventually(t, func() bool { return len(s.paths()) == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, []string{"po.csv"}, s.paths())

	s.mu.Lock()
	p := s.payloads[0].Parse
	s.mu.Unlock()
	assert.Equal(t, types.DocPurchaseOrder, p.DocumentKind)
	assert.False(t, p.InferKind)
}

func TestWatcher_SubdirectoriesAndRetryAfterFailure(t *testing.T) {
	dir := t.TempDir()
	s := &recordingSubmitter{fail: true}
	startWatcher(t, Config{Roots: []string{dir}, Debounce: 20 * time.Millisecond}, s)

	sub := filepath.Join(dir, "batch-1")
	require.NoError(t, os.Mkdir(sub, 0o755))
	time.Sleep(50 * time.Millisecond) // let the watcher register the directory

	path := filepath.Join(sub, "grn.md")
	require.NoError(t, os.WriteFile(path, []byte("GRN"), 0o644))
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, s.paths())

	// failed submissions are not remembered; a later write retries
	s.mu.Lock()
	s.fail = false
	s.mu.Unlock()
	require.NoError(t, os.WriteFile(path, []byte("GRN v2"), 0o644))

	require.Eventually(t, func() bool { return len(s.paths()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"grn.md"}, s.paths())
}
