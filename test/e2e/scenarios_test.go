// Package e2e exercises the task execution server end to end, driving real
// ingress transports and the real task manager core against in-process
// worker fakes (standing in for the cmd/taskworker subprocess, which these
// tests cannot fork without a prebuilt binary on disk). Each test below
// corresponds to one of the concrete scenarios the server's design is
// required to satisfy.
package e2e

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"google.golang.org/grpc/metadata"

	"github.com/lateofrederick/volnux/internal/codec"
	"github.com/lateofrederick/volnux/internal/eventregistry"
	"github.com/lateofrederick/volnux/internal/grpcingress"
	"github.com/lateofrederick/volnux/internal/resultstore"
	"github.com/lateofrederick/volnux/internal/scaling"
	"github.com/lateofrederick/volnux/internal/taskevents"
	"github.com/lateofrederick/volnux/internal/taskmanager"
	"github.com/lateofrederick/volnux/internal/tasktracking"
	"github.com/lateofrederick/volnux/internal/tcpingress"
	"github.com/lateofrederick/volnux/internal/workerpool"
)

const testSecret = "e2e-shared-secret"

// inlineHandle runs an eventregistry.Event synchronously against a shared
// registry, the in-process analogue of cmd/taskworker's read-execute-write
// loop without the subprocess boundary.
type inlineHandle struct {
	events *eventregistry.Registry
}

func (h *inlineHandle) Execute(event string, args map[string]any, correlationID string) (*codec.EventResult, error) {
	execCtx := eventregistry.ExecutionContext{CorrelationID: correlationID}
	ev, err := h.events.Construct(event, execCtx, args)
	if err != nil {
		return &codec.EventResult{Status: "error", Code: "INVALID_ARGS", Message: err.Error(), CorrelationID: correlationID}, nil
	}
	result, err := ev.Execute(execCtx)
	if err != nil {
		return &codec.EventResult{Status: "error", Code: "EXECUTION_ERROR", Message: err.Error(), CorrelationID: correlationID}, nil
	}
	return &codec.EventResult{Status: "completed", Result: result, CorrelationID: correlationID}, nil
}

func (h *inlineHandle) Close() error { return nil }

type inlineSpawner struct {
	events *eventregistry.Registry
}

func (s *inlineSpawner) Spawn() (workerpool.WorkerHandle, error) {
	return &inlineHandle{events: s.events}, nil
}

// blockingHandle never returns from Execute until release is closed,
// standing in for a long-running task so tests can control exactly when a
// worker frees up.
type blockingHandle struct {
	release <-chan struct{}
}

func (h *blockingHandle) Execute(event string, args map[string]any, correlationID string) (*codec.EventResult, error) {
	<-h.release
	return &codec.EventResult{Status: "completed", Result: "done", CorrelationID: correlationID}, nil
}

func (h *blockingHandle) Close() error { return nil }

type blockingSpawner struct {
	release <-chan struct{}
}

func (s *blockingSpawner) Spawn() (workerpool.WorkerHandle, error) {
	return &blockingHandle{release: s.release}, nil
}

func newEventRegistry() *eventregistry.Registry {
	reg := eventregistry.NewRegistry(nil)
	taskevents.RegisterDefaults(reg)
	reg.SetReady()
	return reg
}

func writeFrame(conn net.Conn, payload []byte) error {
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := conn.Write(header[:]); err != nil {
		return err
	}
	_, err := conn.Write(payload)
	return err
}

func readFrame(conn net.Conn) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(conn, header[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[:])
	payload := make([]byte, length)
	_, err := io.ReadFull(conn, payload)
	return payload, err
}

// newRunningTCPServer builds a manager+TCP ingress pair wired together and
// serving on an OS-assigned loopback port, returning the dialable address.
func newRunningTCPServer(t *testing.T, cfg taskmanager.Config, spawner workerpool.Spawner) (addr string, manager *taskmanager.Manager, stop func()) {
	t.Helper()
	events := newEventRegistry()
	tracking := tasktracking.NewRegistry(time.Minute)
	results := resultstore.New(time.Minute)
	pool := workerpool.New(spawner, nil, nil)
	if err := pool.Resize(1); err != nil {
		t.Fatalf("Resize: %v", err)
	}

	manager = taskmanager.New(cfg, events, tracking, results, pool, nil, nil, nil)
	srv := tcpingress.New("127.0.0.1:0", nil, manager, []byte(testSecret), nil)
	manager.SetResponder(srv)

	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	manager.Start(ctx)
	go srv.Serve(ctx)

	stop = func() {
		cancel()
		manager.Stop()
	}
	return srv.Addr().String(), manager, stop
}

// scenario 1: submit and receive over TCP.
func TestEchoRoundTripOverTCP(t *testing.T) {
	events := newEventRegistry()
	addr, _, stop := newRunningTCPServer(t, taskmanager.Config{}, &inlineSpawner{events: events})
	defer stop()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	frame, err := codec.Encode(map[string]any{
		"event": "Echo",
		"args":  map[string]any{"extras": map[string]any{"x": 1.0}},
	}, []byte(testSecret))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := writeFrame(conn, frame); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	respFrame, err := readFrame(conn)
	if err != nil {
		t.Fatalf("read response frame: %v", err)
	}
	decoded, err := codec.Decode(respFrame, []byte(testSecret))
	if err != nil {
		t.Fatalf("Decode response: %v", err)
	}
	if decoded["status"] != "completed" {
		t.Fatalf("status = %v, want completed", decoded["status"])
	}
	result, ok := decoded["result"].(map[string]any)
	if !ok || result["x"] != 1.0 {
		t.Errorf("result = %v, want {x:1}", decoded["result"])
	}
}

// scenario 2: a frame with a flipped byte must close the connection and
// never reach the worker pool.
func TestTamperedFrameClosesConnection(t *testing.T) {
	events := newEventRegistry()
	addr, _, stop := newRunningTCPServer(t, taskmanager.Config{}, &inlineSpawner{events: events})
	defer stop()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	frame, err := codec.Encode(map[string]any{"event": "Echo", "args": map[string]any{}}, []byte(testSecret))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	// Flip the final byte of the compressed body.
	frame[len(frame)-1] ^= 0xFF

	if err := writeFrame(conn, frame); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	// The server sends one error frame then closes.
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	errFrame, err := readFrame(conn)
	if err != nil {
		t.Fatalf("read error frame: %v", err)
	}
	decoded, err := codec.Decode(errFrame, []byte(testSecret))
	if err != nil {
		t.Fatalf("Decode error frame: %v", err)
	}
	if decoded["status"] != "error" {
		t.Errorf("status = %v, want error", decoded["status"])
	}

	if _, err := readFrame(conn); err != io.EOF {
		t.Errorf("expected EOF after tampered frame, got %v", err)
	}
}

// scenario 3: a bounded queue rejects overflow with QUEUE_FULL.
func TestQueueOverflowRejectsThirdTask(t *testing.T) {
	events := newEventRegistry()
	tracking := tasktracking.NewRegistry(time.Minute)
	results := resultstore.New(time.Minute)

	release := make(chan struct{})
	pool := workerpool.New(&blockingSpawner{release: release}, nil, nil)
	if err := pool.Resize(1); err != nil {
		t.Fatalf("Resize: %v", err)
	}

	manager := taskmanager.New(taskmanager.Config{MaxPendingTasks: 2}, events, tracking, results, pool, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	manager.Start(ctx)
	defer manager.Stop()
	defer close(release)

	if _, err := manager.HandleTask(ctx, "Slow", map[string]any{"seconds": 5.0}, "", taskmanager.ProtocolTCP, nil); err != nil {
		t.Fatalf("first HandleTask: %v", err)
	}
	if _, err := manager.HandleTask(ctx, "Slow", map[string]any{"seconds": 5.0}, "", taskmanager.ProtocolTCP, nil); err != nil {
		t.Fatalf("second HandleTask: %v", err)
	}

	_, err := manager.HandleTask(ctx, "Slow", map[string]any{"seconds": 5.0}, "", taskmanager.ProtocolTCP, nil)
	if err == nil {
		t.Fatal("expected third task to be rejected")
	}
	terr, ok := err.(*taskmanager.TaskError)
	if !ok || terr.Code != "QUEUE_FULL" {
		t.Errorf("err = %v, want QUEUE_FULL", err)
	}
}

// scenario 4: a client disconnects before a slow task completes; the result
// parks, and polling with the same correlation id recovers it exactly once.
func TestPollAfterDisconnectRecoversParkedResult(t *testing.T) {
	events := newEventRegistry()
	addr, manager, stop := newRunningTCPServer(t, taskmanager.Config{}, &inlineSpawner{events: events})
	defer stop()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	const correlationID = "poll-after-disconnect"
	frame, err := codec.Encode(map[string]any{
		"event":          "Slow",
		"args":           map[string]any{"seconds": 0.05},
		"correlation_id": correlationID,
	}, []byte(testSecret))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := writeFrame(conn, frame); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	// Disconnect immediately, before the event finishes executing, so
	// routeResponse's write attempt fails and the result parks instead.
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	var status string
	var data map[string]any
	for time.Now().Before(deadline) {
		status, data = manager.Poll(correlationID)
		if status != "not_found" && status != "pending" {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if status != "completed" {
		t.Fatalf("expected parked result to eventually appear, last status=%s", status)
	}
	if data["status"] != "completed" {
		t.Errorf("parked result status = %v, want completed", data["status"])
	}

	// A second POLL for the same id must report NOT_FOUND (pop-on-read).
	status2, _ := manager.Poll(correlationID)
	if status2 != "not_found" {
		t.Errorf("second Poll status = %q, want not_found", status2)
	}
}

type idleMonitor struct{}

func (idleMonitor) RefreshChildren() error { return nil }
func (idleMonitor) TotalCores() float64    { return 0.05 }
func (idleMonitor) AverageCores() float64  { return 0.05 }
func (idleMonitor) TotalMemoryGB() float64 { return 0.1 }
func (idleMonitor) ActiveWorkerCount() int { return 1 }

// scenario 5: scale-up under pressure climbs target_workers to the ceiling
// and falls back to the floor once the queue drains and the scale-down
// timeout elapses.
func TestScaleUpUnderPressureThenScaleDown(t *testing.T) {
	cfg := scaling.DefaultConfig()
	cfg.MinWorkers = 1
	cfg.MaxCPUQuota = 4.0
	cfg.CPUPerWorker = 1.0
	cfg.MaxMemoryQuota = 8.0
	cfg.MemoryPerWorker = 0.5
	cfg.ScaleDownTimeout = 20 * time.Millisecond

	engine := scaling.NewEngine(cfg, &idleMonitor{}, nil)
	if got := engine.MaxWorkers(); got != 4 {
		t.Fatalf("MaxWorkers = %d, want 4", got)
	}

	// 20 CPU-bound tasks queued at once: simulate successive ticks under
	// sustained queue pressure until the engine reaches the ceiling.
	for i := 0; i < engine.MaxWorkers()+1 && engine.TargetWorkers() < engine.MaxWorkers(); i++ {
		engine.UpdateQueueLength(20)
		if up, _ := engine.ShouldScaleUp(); up {
			engine.SetTargetWorkers(engine.TargetWorkers() + 1)
		}
	}
	if got := engine.TargetWorkers(); got != 4 {
		t.Fatalf("TargetWorkers after scale-up = %d, want 4", got)
	}

	// Queue drains; once scale_down_timeout elapses, the engine should
	// report ShouldScaleDown and fall back toward MinWorkers. Every scaling
	// action restarts the timeout, so each step waits it out again.
	engine.UpdateQueueLength(0)
	for engine.TargetWorkers() > cfg.MinWorkers {
		time.Sleep(30 * time.Millisecond)
		down, reason := engine.ShouldScaleDown()
		if !down {
			t.Fatalf("expected ShouldScaleDown true, got false (target=%d): %s", engine.TargetWorkers(), reason)
		}
		engine.SetTargetWorkers(engine.TargetWorkers() - 1)
	}
	if got := engine.TargetWorkers(); got != 1 {
		t.Errorf("TargetWorkers after scale-down = %d, want 1", got)
	}
}

// fakeServerStream is a minimal grpc.ServerStream standing in for a real
// network stream, recording every message SendMsg is called with.
type fakeServerStream struct {
	ctx  context.Context
	sent []any
}

func (s *fakeServerStream) SetHeader(metadata.MD) error  { return nil }
func (s *fakeServerStream) SendHeader(metadata.MD) error { return nil }
func (s *fakeServerStream) SetTrailer(metadata.MD)       {}
func (s *fakeServerStream) Context() context.Context     { return s.ctx }
func (s *fakeServerStream) SendMsg(m any) error {
	s.sent = append(s.sent, m)
	return nil
}
func (s *fakeServerStream) RecvMsg(m any) error { return io.EOF }

// scenario 6: ExecuteStream yields exactly one FAILED TaskStatus when the
// event raises, then closes.
func TestGRPCStreamTerminatesOnFailure(t *testing.T) {
	events := newEventRegistry()
	tracking := tasktracking.NewRegistry(time.Minute)
	results := resultstore.New(time.Minute)
	pool := workerpool.New(&inlineSpawner{events: events}, nil, nil)
	if err := pool.Resize(1); err != nil {
		t.Fatalf("Resize: %v", err)
	}

	manager := taskmanager.New(taskmanager.Config{}, events, tracking, results, pool, nil, nil, nil)
	svc := grpcingress.NewService(manager, []byte(testSecret), nil)
	manager.SetResponder(svc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	manager.Start(ctx)
	defer manager.Stop()

	argsBlob, err := codec.Encode(map[string]any{"reason": "ignored"}, []byte(testSecret))
	if err != nil {
		t.Fatalf("Encode args blob: %v", err)
	}
	kwargsBlob, err := codec.Encode(map[string]any{"reason": "boom"}, []byte(testSecret))
	if err != nil {
		t.Fatalf("Encode kwargs blob: %v", err)
	}

	stream := &fakeServerStream{ctx: ctx}
	req := &grpcingress.TaskRequest{EventName: "Fail", ArgsBlob: argsBlob, KwargsBlob: kwargsBlob}
	if err := svc.ExecuteStream(req, stream); err != nil {
		t.Fatalf("ExecuteStream: %v", err)
	}

	if len(stream.sent) != 1 {
		t.Fatalf("sent %d messages, want exactly 1", len(stream.sent))
	}
	status, ok := stream.sent[0].(*grpcingress.TaskStatus)
	if !ok {
		t.Fatalf("sent message type %T, want *grpcingress.TaskStatus", stream.sent[0])
	}
	if status.State != "failed" {
		t.Errorf("State = %q, want failed", status.State)
	}
	if status.Error == "" {
		t.Error("expected a non-empty Error message")
	}
	if !strings.Contains(status.Error, "boom") {
		t.Errorf("Error = %q, want it to reflect KwargsBlob's reason (boom), not ArgsBlob's", status.Error)
	}
}
