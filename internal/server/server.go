// Package server exposes the task manager over gRPC.
//
// The service uses google.protobuf.Struct messages, so no generated code is
// needed:
//
//	docflow.v1.TaskService/Submit     {"kind": "parse", "payload": {...}}  -> {"task_id", "status"}
//	docflow.v1.TaskService/GetStatus  {"task_id": "...", "include_result": true} -> task JSON
//
// grpc.health.v1.Health reports SERVING while the shared store answers pings.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/docflow/internal/taskmanager"
	"github.com/ChuLiYu/docflow/pkg/types"
)

const ServiceName = "docflow.v1.TaskService"

// TaskService is the task manager surface served over gRPC.
type TaskService interface {
	Submit(ctx context.Context, kind types.TaskKind, payload types.Payload) (types.TaskID, error)
	GetResult(ctx context.Context, id types.TaskID, includeResult bool) (*types.Task, error)
	Ping(ctx context.Context) error
}

// TaskServiceServer is the handler interface behind ServiceDesc.
type TaskServiceServer interface {
	Submit(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// Server implements TaskServiceServer.
type Server struct {
	tasks  TaskService
	health *health.Server
	logger *slog.Logger
}

// NewServer creates a new gRPC server instance.
func NewServer(tasks TaskService, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{tasks: tasks, health: health.NewServer(), logger: logger}
}

// Register installs the task service, health and reflection on g.
func (s *Server) Register(g *grpc.Server) {
	g.RegisterService(&ServiceDesc, s)
	healthpb.RegisterHealthServer(g, s.health)
	reflection.Register(g)
}

// Submit handles task submission from clients.
func (s *Server) Submit(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in struct {
		Kind    types.TaskKind `json:"kind"`
		Payload types.Payload  `json:"payload"`
	}
	if err := decodeStruct(req, &in); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
	}
	// 遠端呼叫者不能指定伺服器本機檔案
	if err := in.Payload.RemoteSourcesOnly(); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	id, err := s.tasks.Submit(ctx, in.Kind, in.Payload)
	if err != nil {
		return nil, s.toStatus(err)
	}
	return structpb.NewStruct(map[string]any{
		"task_id": string(id),
		"status":  string(types.StatusQueued),
	})
}

// GetStatus returns the task record, with its result unless include_result is false.
func (s *Server) GetStatus(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()
	id := fields["task_id"].GetStringValue()
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, "task_id is required")
	}
	include := true
	if v, ok := fields["include_result"]; ok {
		include = v.GetBoolValue()
	}

	task, err := s.tasks.GetResult(ctx, types.TaskID(id), include)
	if err != nil {
		return nil, s.toStatus(err)
	}
	out, err := encodeStruct(task)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode task: %v", err)
	}
	return out, nil
}

// WatchHealth pings the store every interval and updates the health status
// until ctx is done.
func (s *Server) WatchHealth(ctx context.Context, interval time.Duration) {
	check := func() {
		pingCtx, cancel := context.WithTimeout(ctx, interval)
		defer cancel()
		st := healthpb.HealthCheckResponse_SERVING
		if err := s.tasks.Ping(pingCtx); err != nil {
			st = healthpb.HealthCheckResponse_NOT_SERVING
		}
		s.health.SetServingStatus("", st)
		s.health.SetServingStatus(ServiceName, st)
	}

	check()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.health.Shutdown()
			return
		case <-ticker.C:
			check()
		}
	}
}

func (s *Server) toStatus(err error) error {
	switch {
	case errors.Is(err, taskmanager.ErrTaskNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, taskmanager.ErrStoreUnavailable):
		s.logger.Warn("store unavailable", "error", err)
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, taskmanager.ErrUnknownKind):
		return status.Error(codes.InvalidArgument, err.Error())
	default:
		s.logger.Error("grpc request failed", "error", err)
		return status.Error(codes.Internal, err.Error())
	}
}

func decodeStruct(s *structpb.Struct, v any) error {
	b, err := protojson.Marshal(s)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

func encodeStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

// ============================================================================
// Service descriptor (hand-written; messages are well-known types)
// ============================================================================

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TaskServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Submit", Handler: submitHandler},
		{MethodName: "GetStatus", Handler: getStatusHandler},
	},
	Streams: []grpc.StreamDesc{},
}

func submitHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TaskServiceServer).Submit(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/Submit"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(TaskServiceServer).Submit(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func getStatusHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TaskServiceServer).GetStatus(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/GetStatus"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(TaskServiceServer).GetStatus(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// ============================================================================
// Client
// ============================================================================

// Client calls a remote TaskService.
type Client struct {
	conn grpc.ClientConnInterface
}

func NewClient(conn grpc.ClientConnInterface) *Client { return &Client{conn: conn} }

// Submit enqueues a task remotely.
func (c *Client) Submit(ctx context.Context, kind types.TaskKind, payload types.Payload) (types.TaskID, error) {
	req, err := encodeStruct(map[string]any{"kind": kind, "payload": payload})
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/Submit", req, out); err != nil {
		return "", err
	}
	return types.TaskID(out.GetFields()["task_id"].GetStringValue()), nil
}

// GetStatus fetches a task remotely. Numeric fields arrive as JSON numbers.
func (c *Client) GetStatus(ctx context.Context, id types.TaskID, includeResult bool) (map[string]any, error) {
	req, err := structpb.NewStruct(map[string]any{"task_id": string(id), "include_result": includeResult})
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/GetStatus", req, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}
