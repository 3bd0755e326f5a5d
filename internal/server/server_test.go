package server

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/ChuLiYu/docflow/internal/store"
	"github.com/ChuLiYu/docflow/internal/taskmanager"
	"github.com/ChuLiYu/docflow/pkg/types"
)

// flakyService wraps a manager and can simulate an unreachable store.
type flakyService struct {
	*taskmanager.Manager
	down atomic.Bool
}

func (f *flakyService) Ping(ctx context.Context) error {
	if f.down.Load() {
		return taskmanager.ErrStoreUnavailable
	}
	return f.Manager.Ping(ctx)
}

func (f *flakyService) Submit(ctx context.Context, kind types.TaskKind, p types.Payload) (types.TaskID, error) {
	if f.down.Load() {
		return "", taskmanager.ErrStoreUnavailable
	}
	return f.Manager.Submit(ctx, kind, p)
}

func startServer(t *testing.T, svc TaskService) (*Server, *grpc.ClientConn) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	g := grpc.NewServer()
	srv := NewServer(svc, nil)
	srv.Register(g)
	go func() { _ = g.Serve(lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)

	t.Cleanup(func() {
		conn.Close()
		g.Stop()
	})
	return srv, conn
}

func TestSubmitAndGetStatus(t *testing.T) {
	tm := taskmanager.New(store.NewMemoryStore())
	_, conn := startServer(t, tm)
	client := NewClient(conn)
	ctx := context.Background()

	payload := types.Payload{Schema: &types.SchemaPayload{Description: "purchase orders"}}
	id, err := client.Submit(ctx, types.KindSchema, payload)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	task, err := tm.GetStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.KindSchema, task.Kind)
	assert.Equal(t, "purchase orders", task.Payload.Schema.Description)

	_, err = tm.MarkProcessing(ctx, id, "w1")
	require.NoError(t, err)
	_, err = tm.MarkFailed(ctx, id, &types.TaskError{Code: types.CodeLLMFailed, Message: "boom"})
	require.NoError(t, err)

	got, err := client.GetStatus(ctx, id, true)
	require.NoError(t, err)
	assert.Equal(t, string(id), got["id"])
	assert.Equal(t, string(types.StatusFailed), got["status"])
	assert.Equal(t, types.CodeLLMFailed, got["error"].(map[string]any)["code"])
}

func TestErrorCodes(t *testing.T) {
	svc := &flakyService{Manager: taskmanager.New(store.NewMemoryStore())}
	_, conn := startServer(t, svc)
	client := NewClient(conn)
	ctx := context.Background()

	_, err := client.GetStatus(ctx, "missing", false)
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = client.Submit(ctx, "ocr", types.Payload{})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	// server-local files are never accepted from a remote caller
	victim := filepath.Join(t.TempDir(), "secret.txt")
	require.NoError(t, os.WriteFile(victim, []byte("keep me"), 0o600))
	for _, ref := range []types.DocumentRef{
		{Path: victim, Temporary: true},
		{Path: victim},
		{URL: "https://example.com/a.txt", Temporary: true},
	} {
		_, err = client.Submit(ctx, types.KindParse, types.Payload{Parse: &types.ParsePayload{Source: ref}})
		assert.Equal(t, codes.InvalidArgument, status.Code(err), "%+v", ref)
	}
	stats, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats[types.KindParse], "rejected payloads must not be enqueued")
	assert.FileExists(t, victim)

	_, err = client.Submit(ctx, types.KindParse, types.Payload{Parse: &types.ParsePayload{Source: types.DocumentRef{URL: "https://example.com/a.txt"}}})
	assert.NoError(t, err)

	svc.down.Store(true)
	_, err = client.Submit(ctx, types.KindParse, types.Payload{})
	assert.Equal(t, codes.Unavailable, status.Code(err))
}

func TestHealthFollowsStore(t *testing.T) {
	svc := &flakyService{Manager: taskmanager.New(store.NewMemoryStore())}
	srv, conn := startServer(t, svc)
	hc := healthpb.NewHealthClient(conn)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.WatchHealth(ctx, 20*time.Millisecond)

	serving := func(want healthpb.HealthCheckResponse_ServingStatus) func() bool {
		return func() bool {
			resp, err := hc.Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
			return err == nil && resp.GetStatus() == want
		}
	}
	require.Eventually(t, serving(healthpb.HealthCheckResponse_SERVING), time.Second, 10*time.Millisecond)

	svc.down.Store(true)
	require.Eventually(t, serving(healthpb.HealthCheckResponse_NOT_SERVING), time.Second, 10*time.Millisecond)
}
