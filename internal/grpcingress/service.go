package grpcingress

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"

	"github.com/lateofrederick/volnux/internal/codec"
	"github.com/lateofrederick/volnux/internal/taskmanager"
)

// DefaultExecutionTimeout bounds how long Execute/ExecuteStream block
// waiting for a task to complete, matching the original's
// completion_event.wait(timeout=300).
const DefaultExecutionTimeout = 300 * time.Second

// TaskExecutorServer is the interface grpc.ServiceDesc dispatches to.
type TaskExecutorServer interface {
	Execute(context.Context, *TaskRequest) (*TaskResponse, error)
	ExecuteStream(*TaskRequest, grpc.ServerStream) error
}

// Service implements TaskExecutorServer against a shared task manager. A
// per-call completion channel, handed to the manager as the task's client
// context, bridges the manager's async routing back to this blocking RPC
// handler, the Go analogue of the
// original's threading.Event + result_container dict.
type Service struct {
	manager *taskmanager.Manager
	secret  []byte
	logger  *slog.Logger
	timeout time.Duration

	pending map[string]chan map[string]any
}

// NewService returns a Service bound to manager. manager.SetResponder
// should be called with this Service so completed tasks are routed back
// here.
func NewService(manager *taskmanager.Manager, secret []byte, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		manager: manager,
		secret:  secret,
		logger:  logger,
		timeout: DefaultExecutionTimeout,
		pending: make(map[string]chan map[string]any),
	}
}

// RouteResponse implements taskmanager.Responder for gRPC-originated
// tasks: it signals the completion channel registered for correlationID.
func (s *Service) RouteResponse(protocol taskmanager.Protocol, clientContext any, result map[string]any) error {
	if protocol != taskmanager.ProtocolGRPC {
		return fmt.Errorf("grpcingress: not a grpc task")
	}
	ch, ok := clientContext.(chan map[string]any)
	if !ok || ch == nil {
		return fmt.Errorf("grpcingress: missing completion channel")
	}
	select {
	case ch <- result:
	default:
	}
	return nil
}

// dispatchResult is the outcome of running one task to completion: either
// the event ran (successfully or not — status/message carry which) or the
// RPC layer itself failed (bad frame, timeout) before an event ever ran.
type dispatchResult struct {
	correlationID string
	status        string // "completed" or "error"/"failed"
	message       string
	frame         []byte
}

// decodeBlob decodes a codec-encoded argument blob into a map, treating an
// absent (empty) blob as no arguments rather than an error — Execute
// requests need not carry both ArgsBlob and KwargsBlob.
func decodeBlob(blob []byte, secret []byte) (map[string]any, error) {
	if len(blob) == 0 {
		return map[string]any{}, nil
	}
	decoded, err := codec.Decode(blob, secret)
	if err != nil {
		return nil, err
	}
	return decoded, nil
}

// dispatch decodes req's two argument blobs, merges them (KwargsBlob
// overriding ArgsBlob on key collision, per the original grpc_manager's
// args/kwargs merge), submits the task through the shared manager, and
// blocks for the task's own result (not just the RPC's). It is shared by
// Execute and ExecuteStream so both agree on what counts as a failed task
// versus a failed RPC.
func (s *Service) dispatch(ctx context.Context, req *TaskRequest) (*dispatchResult, error) {
	if req.EventName == "" {
		return nil, fmt.Errorf("grpcingress: missing event_name")
	}

	args, err := decodeBlob(req.ArgsBlob, s.secret)
	if err != nil {
		return nil, err
	}
	kwargs, err := decodeBlob(req.KwargsBlob, s.secret)
	if err != nil {
		return nil, err
	}
	merged := make(map[string]any, len(args)+len(kwargs))
	for k, v := range args {
		merged[k] = v
	}
	for k, v := range kwargs {
		merged[k] = v
	}

	completion := make(chan map[string]any, 1)
	correlationID := req.TaskID

	if _, err := s.manager.HandleTask(ctx, req.EventName, merged, correlationID, taskmanager.ProtocolGRPC, completion); err != nil {
		return nil, err
	}

	select {
	case result := <-completion:
		frame, err := codec.Encode(result, s.secret)
		if err != nil {
			return nil, err
		}
		status, _ := result["status"].(string)
		message, _ := result["message"].(string)
		return &dispatchResult{correlationID: correlationID, status: status, message: message, frame: frame}, nil
	case <-time.After(s.timeout):
		return &dispatchResult{correlationID: correlationID, status: "error", message: "TASK_TIMEOUT"}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Execute is the unary RPC: decode the request's argument blobs, dispatch through
// the shared manager, and block for the result or timeout. Success
// reflects whether the event itself completed without error, not merely
// whether the RPC plumbing worked.
func (s *Service) Execute(ctx context.Context, req *TaskRequest) (*TaskResponse, error) {
	result, err := s.dispatch(ctx, req)
	if err != nil {
		return &TaskResponse{Success: false, Error: err.Error()}, nil
	}
	success := result.status == "completed"
	resp := &TaskResponse{Success: success, Frame: result.frame}
	if !success {
		resp.Error = result.message
	}
	return resp, nil
}

// ExecuteStream is the server-streaming RPC: it yields exactly one
// TaskStatus message once the task completes, fails, or times out,
// mirroring the original's single-yield ExecuteStream.
func (s *Service) ExecuteStream(req *TaskRequest, stream grpc.ServerStream) error {
	ctx := stream.Context()
	result, err := s.dispatch(ctx, req)
	if err != nil {
		return stream.SendMsg(&TaskStatus{State: "failed", Error: err.Error()})
	}

	status := &TaskStatus{CorrelationID: result.correlationID, State: "failed", Error: result.message}
	if result.status == "completed" {
		status.State = "completed"
		status.Frame = result.frame
	}
	return stream.SendMsg(status)
}

// ServiceDesc is the hand-authored grpc.ServiceDesc standing in for
// protoc-generated registration code.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: "volnux.TaskExecutor",
	HandlerType: (*TaskExecutorServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Execute",
			Handler:    executeHandler,
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "ExecuteStream",
			Handler:       executeStreamHandler,
			ServerStreams: true,
		},
	},
	Metadata: "volnux/taskexecutor",
}

func executeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(TaskRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TaskExecutorServer).Execute(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/volnux.TaskExecutor/Execute"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(TaskExecutorServer).Execute(ctx, req.(*TaskRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func executeStreamHandler(srv any, stream grpc.ServerStream) error {
	req := new(TaskRequest)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(TaskExecutorServer).ExecuteStream(req, stream)
}

// RegisterTaskExecutorServer registers impl on s using ServiceDesc.
func RegisterTaskExecutorServer(s grpc.ServiceRegistrar, impl TaskExecutorServer) {
	s.RegisterService(&ServiceDesc, impl)
}
