// Package taskmanager is the task manager core (C8): it implements the
// handle_task flow (allowlist check, registry lookup, correlation-id
// mint/adopt, event construction, queue-bound check, tracking insert,
// submission) and the response-router loop, translating the original
// BaseManager's asyncio tasks into goroutines with context.Context
// cancellation. The submission loop belongs to workerpool.Pool and the TTL
// sweeps to the tracking registry and result store; Start launches them.
package taskmanager

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/lateofrederick/volnux/internal/eventregistry"
	"github.com/lateofrederick/volnux/internal/otel"
	"github.com/lateofrederick/volnux/internal/resultstore"
	"github.com/lateofrederick/volnux/internal/tasktracking"
	"github.com/lateofrederick/volnux/internal/workerpool"
)

// Protocol identifies which ingress transport a task arrived over.
type Protocol string

const (
	ProtocolTCP  Protocol = "tcp"
	ProtocolGRPC Protocol = "grpc"
)

// TaskError is the typed error taxonomy handle_task raises, mirroring
// RemoteExecutionError's string codes (EVENT_NOT_WHITELISTED,
// EVENT_NOT_REGISTERED, INVALID_ARGS, QUEUE_FULL).
type TaskError struct {
	Code    string
	Message string
}

func (e *TaskError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Code
}

func newTaskError(code string, format string, args ...any) *TaskError {
	return &TaskError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// rejectTask builds a TaskError and records it against the error taxonomy,
// with QUEUE_FULL additionally incrementing the dedicated rejection counter.
func (m *Manager) rejectTask(ctx context.Context, code string, format string, args ...any) *TaskError {
	err := newTaskError(code, format, args...)
	m.metrics.RecordError(ctx, code)
	if code == "QUEUE_FULL" {
		m.metrics.RecordQueueFull(ctx)
	}
	return err
}

// Responder delivers a completed or parked result back to whichever
// transport owns the client connection for a correlation id. TCP and gRPC
// ingress each provide their own implementation.
type Responder interface {
	RouteResponse(protocol Protocol, clientContext any, result map[string]any) error
}

// Config bounds manager behavior: the allowlist of invocable events and the
// ingress queue bound. TaskTimeout is stored with the configuration but the
// manager does not read it: tasks run without a per-task deadline.
type Config struct {
	AllowedEvents []string
	TaskTimeout   time.Duration

	// MaxPendingTasks bounds the worker pool's outer queue. Zero means
	// unbounded. Checked at submission time so overflow fails fast with
	// QUEUE_FULL instead of queuing indefinitely.
	MaxPendingTasks int
}

// Manager coordinates ingress, the event registry, task tracking, the
// worker pool, and the result store. Both ingress transports are handed
// the same *Manager so they share one registry/result-store pair, per the
// shared-state decision recorded in DESIGN.md.
type Manager struct {
	cfg       Config
	events    *eventregistry.Registry
	tracking  *tasktracking.Registry
	results   *resultstore.Store
	pool      *workerpool.Pool
	responder Responder
	logger    *slog.Logger
	tracer    trace.Tracer
	metrics   *otel.Metrics

	responseCh chan routedResult

	running   bool
	mu        sync.Mutex
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

type routedResult struct {
	correlationID string
	data          map[string]any
}

// New constructs a Manager. responder may be nil initially and set later
// via SetResponder once the owning ingress transport is constructed (the
// two have a circular dependency: the transport needs the manager to call
// HandleTask, the manager needs the transport to route responses). metrics
// may be nil, in which case otel.NoopMetrics() is used and every Record*
// call below is a no-op.
func New(cfg Config, events *eventregistry.Registry, tracking *tasktracking.Registry, results *resultstore.Store, pool *workerpool.Pool, logger *slog.Logger, tracer trace.Tracer, metrics *otel.Metrics) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if tracer == nil {
		tracer = trace.NewNoopTracerProvider().Tracer("taskmanager")
	}
	if metrics == nil {
		metrics = otel.NoopMetrics()
	}
	return &Manager{
		cfg:        cfg,
		events:     events,
		tracking:   tracking,
		results:    results,
		pool:       pool,
		logger:     logger,
		tracer:     tracer,
		metrics:    metrics,
		responseCh: make(chan routedResult, 1024),
	}
}

// SetResponder sets the transport-facing response router.
func (m *Manager) SetResponder(r Responder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responder = r
}

func (m *Manager) isAllowed(event string) bool {
	if len(m.cfg.AllowedEvents) == 0 {
		return true
	}
	for _, allowed := range m.cfg.AllowedEvents {
		if allowed == event {
			return true
		}
	}
	return false
}

// HandleTask implements the full flow: allowlist check, registry lookup,
// correlation-id mint/adopt, event construction, queue-bound check,
// client task registry insert, and worker-pool submission.
func (m *Manager) HandleTask(ctx context.Context, event string, args map[string]any, correlationID string, protocol Protocol, clientContext any) (*workerpool.ProxyFuture, error) {
	ctx, span := m.tracer.Start(ctx, "handle_task")
	defer span.End()

	// 1. Allowlist check.
	if !m.isAllowed(event) {
		return nil, m.rejectTask(ctx, "EVENT_NOT_WHITELISTED", "%s", event)
	}

	// 2. Registry lookup.
	if !m.events.IsRegistered(event) {
		return nil, m.rejectTask(ctx, "EVENT_NOT_REGISTERED", "%s", event)
	}

	// 3. Correlation id mint/adopt.
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	// 4. Construct the event instance (validates args).
	clientID, _ := args["client_id"].(string)
	execCtx := eventregistry.ExecutionContext{
		CorrelationID: correlationID,
		Options: eventregistry.Options{
			ClientID: clientID,
			Protocol: string(protocol),
		},
	}
	if _, err := m.events.Construct(event, execCtx, args); err != nil {
		return nil, m.rejectTask(ctx, "INVALID_ARGS", "%v", err)
	}

	// 5. Backpressure: the outer queue is bounded by MaxPendingTasks.
	if m.cfg.MaxPendingTasks > 0 && m.pool.QueueLength() >= m.cfg.MaxPendingTasks {
		return nil, m.rejectTask(ctx, "QUEUE_FULL", "pending queue at capacity (%d)", m.cfg.MaxPendingTasks)
	}

	// 6. Client task registry insert.
	m.tracking.Register(&tasktracking.ClientTaskRecord{
		CorrelationID: correlationID,
		EventName:     event,
		Protocol:      string(protocol),
		ClientID:      clientID,
		Status:        tasktracking.StatusPending,
		CreatedAt:     time.Now(),
		StartTime:     time.Now(),
		ClientContext: clientContext,
	})
	m.metrics.SetInFlightTasks(m.tracking.Len())

	// 7. Submit to the worker pool.
	future := m.pool.Submit(event, args, correlationID)
	m.logger.Info("task_enqueued", "correlation_id", correlationID, "event", event)

	go m.awaitAndRoute(correlationID, future)

	return future, nil
}

// awaitAndRoute waits for a submitted future to complete and hands its
// result to the response router loop, mirroring _on_task_complete pushing
// onto response_queue.
func (m *Manager) awaitAndRoute(correlationID string, future *workerpool.ProxyFuture) {
	result, err := future.Result()
	data := map[string]any{"correlation_id": correlationID}
	if err != nil {
		m.logger.Error("task_execution_failed", "correlation_id", correlationID, "error", err)
		data["status"] = "failed"
		data["message"] = err.Error()
	} else if result != nil {
		data["status"] = result.Status
		data["result"] = result.Result
		data["message"] = result.Message
		data["code"] = result.Code
	}

	select {
	case m.responseCh <- routedResult{correlationID: correlationID, data: data}:
	default:
		m.logger.Warn("response_channel_full", "correlation_id", correlationID)
	}
}

// Start launches the response router loop and the registry/result-store
// TTL sweeps.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.stoppedCh = make(chan struct{})
	m.mu.Unlock()

	m.tracking.Start(ctx)
	m.results.Start(ctx)
	m.pool.Start(ctx)

	go m.responseRouterLoop(ctx)
}

// Stop halts the response router loop (tracking/results/pool are stopped
// independently by their owners).
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	stoppedCh := m.stoppedCh
	m.mu.Unlock()
	<-stoppedCh
}

func (m *Manager) responseRouterLoop(ctx context.Context) {
	defer close(m.stoppedCh)
	for {
		select {
		case r := <-m.responseCh:
			m.routeResponse(r.correlationID, r.data)
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// routeResponse looks up the client task record for correlationID; if the
// client has already disconnected or not yet polled, it parks the result
// in the result store instead, exactly as _route_response does.
func (m *Manager) routeResponse(correlationID string, data map[string]any) {
	defer func() {
		m.tracking.Remove(correlationID)
		m.metrics.SetInFlightTasks(m.tracking.Len())
	}()

	rec, ok := m.tracking.Get(correlationID)
	if !ok {
		m.logger.Debug("task_info_not_found_parking", "correlation_id", correlationID)
		m.results.Store(correlationID, data)
		return
	}

	status, _ := data["status"].(string)
	durationMs := float64(time.Since(rec.StartTime).Microseconds()) / 1000.0
	m.logger.Info("task_completed",
		"correlation_id", correlationID,
		"event_name", rec.EventName,
		"protocol", rec.Protocol,
		"duration_ms", durationMs,
		"status", status,
		"client_id", rec.ClientID,
	)

	ctx := context.Background()
	m.metrics.RecordTaskLatency(ctx, rec.EventName, rec.Protocol, status, correlationID, durationMs)
	if status != "completed" {
		code, _ := data["code"].(string)
		if code == "" {
			code = "TASK_FAILED"
		}
		m.metrics.RecordError(ctx, code)
	}

	m.mu.Lock()
	responder := m.responder
	m.mu.Unlock()

	if responder == nil {
		m.results.Store(correlationID, data)
		return
	}

	if err := responder.RouteResponse(Protocol(rec.Protocol), rec.ClientContext, data); err != nil {
		m.logger.Warn("route_response_failed_parking", "correlation_id", correlationID, "error", err)
		m.results.Store(correlationID, data)
	}
}

// Poll implements the POLL fast path both ingress transports special-case:
// check the result store first (pop-on-read), then fall back to the
// tracking registry to distinguish "pending" from "not found".
func (m *Manager) Poll(correlationID string) (status string, data map[string]any) {
	if res, ok := m.results.Get(correlationID); ok {
		return "completed", res.Data
	}
	if _, ok := m.tracking.Get(correlationID); ok {
		return "pending", nil
	}
	return "not_found", nil
}

// EventRegistry exposes the shared event registry so callers (e.g.
// cmd/server wiring) can register events before Start.
func (m *Manager) EventRegistry() *eventregistry.Registry {
	return m.events
}
