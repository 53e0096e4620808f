// Package otel provides the push-metric half of the telemetry stack: task
// completion latency, error counters by code, in-flight task gauge, and
// scaling-action counters, exported alongside internal/scaling's
// observable gauges through the same meter provider.
package otel

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/lateofrederick/volnux/internal/scaling"
)

// correlationBuckets bounds the cardinality of the correlation_bucket
// attribute RecordTaskLatency attaches: one attribute value per distinct
// correlation id would make the histogram's attribute set unbounded, so
// every id folds into one of this many buckets instead.
const correlationBuckets = 64

// MetricsConfig holds configuration for the OpenTelemetry metrics.
type MetricsConfig struct {
	// Enabled controls whether metrics collection is active. Default: false (no-op).
	Enabled bool

	// ServiceName is the name of the service for metric attribution.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// ExporterType specifies which exporter to use.
	ExporterType ExporterType

	// OTLPEndpoint is the endpoint for OTLP exporters (e.g., "localhost:4317").
	OTLPEndpoint string

	// OTLPInsecure disables TLS for OTLP connections.
	OTLPInsecure bool

	// Attributes are additional attributes to add to all metrics.
	Attributes map[string]string
}

// DefaultMetricsConfig returns a default configuration with metrics disabled.
func DefaultMetricsConfig() *MetricsConfig {
	return &MetricsConfig{
		Enabled:      false,
		ServiceName:  "volnux",
		ExporterType: ExporterNone,
	}
}

// Metrics wraps OpenTelemetry metrics functionality with task-execution-specific helpers.
type Metrics struct {
	config         *MetricsConfig
	meterProvider  *sdkmetric.MeterProvider
	meter          metric.Meter
	shutdown       func(context.Context) error
	mu             sync.RWMutex
	inFlightTasks  atomic.Int64
	inFlightGauge  metric.Int64ObservableGauge
	inFlightGaugeReg metric.Registration

	// Metric instruments
	taskLatency    metric.Float64Histogram
	errorCounter   metric.Int64Counter
	queueFullCounter metric.Int64Counter
	scaleActionCounter metric.Int64Counter
}

// globalMetrics is the singleton metrics instance.
var (
	globalMetrics   *Metrics
	globalMetricsMu sync.RWMutex
)

// NewMetrics creates a new Metrics instance with the given configuration.
func NewMetrics(ctx context.Context, cfg *MetricsConfig) (*Metrics, error) {
	if cfg == nil {
		cfg = DefaultMetricsConfig()
	}

	m := &Metrics{
		config: cfg,
	}

	if !cfg.Enabled || cfg.ExporterType == ExporterNone {
		// Use no-op meter when disabled
		m.meterProvider = sdkmetric.NewMeterProvider()
		m.meter = m.meterProvider.Meter(cfg.ServiceName)
		m.shutdown = func(context.Context) error { return nil }
		return m, nil
	}

	// Create exporter based on type
	exporter, err := m.createExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics exporter: %w", err)
	}

	// Create resource with service information
	res, err := m.createResource(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics resource: %w", err)
	}

	// Create meter provider
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		sdkmetric.WithResource(res),
	)

	m.meterProvider = mp
	m.meter = mp.Meter(cfg.ServiceName)
	m.shutdown = mp.Shutdown

	// Register metric instruments
	if err := m.registerInstruments(); err != nil {
		return nil, fmt.Errorf("failed to register metric instruments: %w", err)
	}

	return m, nil
}

// createExporter creates the appropriate metrics exporter based on configuration.
func (m *Metrics) createExporter(ctx context.Context, cfg *MetricsConfig) (sdkmetric.Exporter, error) {
	switch cfg.ExporterType {
	case ExporterStdout:
		return stdoutmetric.New()

	case ExporterOTLPGRPC:
		opts := []otlpmetricgrpc.Option{}
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint))
		}
		if cfg.OTLPInsecure {
			opts = append(opts, otlpmetricgrpc.WithInsecure())
		}
		return otlpmetricgrpc.New(ctx, opts...)

	case ExporterOTLPHTTP:
		opts := []otlpmetrichttp.Option{}
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(cfg.OTLPEndpoint))
		}
		if cfg.OTLPInsecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
		return otlpmetrichttp.New(ctx, opts...)

	default:
		return nil, fmt.Errorf("unknown exporter type: %s", cfg.ExporterType)
	}
}

// createResource creates the OpenTelemetry resource with service information.
func (m *Metrics) createResource(cfg *MetricsConfig) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
	}

	if cfg.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.ServiceVersion))
	}

	// Add custom attributes
	for k, v := range cfg.Attributes {
		attrs = append(attrs, attribute.String(k, v))
	}

	return resource.Merge(
		resource.Default(),
		resource.NewWithAttributes("", attrs...),
	)
}

// registerInstruments creates and registers all metric instruments.
func (m *Metrics) registerInstruments() error {
	var err error

	// Task completion latency histogram (in milliseconds), the push-metric
	// companion to internal/scaling's pull-based gauges.
	m.taskLatency, err = m.meter.Float64Histogram(
		"volnux.task.latency",
		metric.WithDescription("Latency of task execution from ingress to routed result"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return fmt.Errorf("failed to create task latency histogram: %w", err)
	}

	// Error counter with code attribute (EVENT_NOT_REGISTERED, QUEUE_FULL, ...)
	m.errorCounter, err = m.meter.Int64Counter(
		"volnux.errors",
		metric.WithDescription("Count of task errors by code"),
	)
	if err != nil {
		return fmt.Errorf("failed to create error counter: %w", err)
	}

	// Queue-full rejection counter.
	m.queueFullCounter, err = m.meter.Int64Counter(
		"volnux.queue_full",
		metric.WithDescription("Count of submissions rejected because the ingress queue was full"),
	)
	if err != nil {
		return fmt.Errorf("failed to create queue-full counter: %w", err)
	}

	// Scale action counter with direction attribute (up/down).
	m.scaleActionCounter, err = m.meter.Int64Counter(
		"volnux.scaling.actions",
		metric.WithDescription("Count of worker pool resize actions by direction"),
	)
	if err != nil {
		return fmt.Errorf("failed to create scale action counter: %w", err)
	}

	// In-flight task observable gauge.
	m.inFlightGauge, err = m.meter.Int64ObservableGauge(
		"volnux.tasks.in_flight",
		metric.WithDescription("Number of tasks currently tracked in the client task registry"),
	)
	if err != nil {
		return fmt.Errorf("failed to create in-flight gauge: %w", err)
	}

	m.inFlightGaugeReg, err = m.meter.RegisterCallback(
		func(ctx context.Context, o metric.Observer) error {
			o.ObserveInt64(m.inFlightGauge, m.inFlightTasks.Load())
			return nil
		},
		m.inFlightGauge,
	)
	if err != nil {
		return fmt.Errorf("failed to register in-flight gauge callback: %w", err)
	}

	return nil
}

// RecordTaskLatency records the end-to-end latency of one completed task.
// correlationID, if non-empty, is folded into a bounded correlation_bucket
// attribute rather than recorded verbatim, so per-task identifiers never
// become unbounded metric cardinality.
func (m *Metrics) RecordTaskLatency(ctx context.Context, eventName, protocol, status, correlationID string, latencyMs float64) {
	if m.taskLatency == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("event_name", eventName),
		attribute.String("protocol", protocol),
		attribute.String("status", status),
	}
	if correlationID != "" {
		attrs = append(attrs, attribute.Int64("correlation_bucket", int64(scaling.MetricsBucket(correlationID, correlationBuckets))))
	}

	m.taskLatency.Record(ctx, latencyMs, metric.WithAttributes(attrs...))
}

// RecordError records a task error with the specified code
// (EVENT_NOT_REGISTERED, INVALID_ARGS, QUEUE_FULL, ...).
func (m *Metrics) RecordError(ctx context.Context, code string) {
	if m.errorCounter == nil {
		return
	}

	m.errorCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("code", code),
	))
}

// RecordQueueFull increments the queue-full rejection counter.
func (m *Metrics) RecordQueueFull(ctx context.Context) {
	if m.queueFullCounter == nil {
		return
	}
	m.queueFullCounter.Add(ctx, 1)
}

// RecordScaleAction increments the scale action counter for direction
// ("up" or "down").
func (m *Metrics) RecordScaleAction(ctx context.Context, direction string) {
	if m.scaleActionCounter == nil {
		return
	}
	m.scaleActionCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("direction", direction),
	))
}

// SetInFlightTasks sets the in-flight task count read by the observable
// gauge callback.
func (m *Metrics) SetInFlightTasks(n int) {
	m.inFlightTasks.Store(int64(n))
}

// Shutdown gracefully shuts down the metrics provider, flushing any pending metrics.
func (m *Metrics) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Unregister callback if registered
	if m.inFlightGaugeReg != nil {
		if err := m.inFlightGaugeReg.Unregister(); err != nil {
			return fmt.Errorf("failed to unregister in-flight gauge: %w", err)
		}
	}

	if m.shutdown != nil {
		return m.shutdown(ctx)
	}
	return nil
}

// Enabled returns whether metrics collection is enabled.
func (m *Metrics) Enabled() bool {
	return m.config.Enabled && m.config.ExporterType != ExporterNone
}

// MeterProvider returns the underlying meter provider.
func (m *Metrics) MeterProvider() *sdkmetric.MeterProvider {
	return m.meterProvider
}

// SetGlobalMetrics sets the global metrics instance.
func SetGlobalMetrics(m *Metrics) {
	globalMetricsMu.Lock()
	defer globalMetricsMu.Unlock()
	globalMetrics = m

	if m != nil && m.Enabled() {
		otel.SetMeterProvider(m.meterProvider)
	}
}

// GetGlobalMetrics returns the global metrics instance.
// Returns a no-op metrics instance if none has been set.
func GetGlobalMetrics() *Metrics {
	globalMetricsMu.RLock()
	defer globalMetricsMu.RUnlock()

	if globalMetrics == nil {
		// Return a no-op metrics instance
		cfg := DefaultMetricsConfig()
		m := &Metrics{
			config:        cfg,
			meterProvider: sdkmetric.NewMeterProvider(),
			shutdown:      func(context.Context) error { return nil },
		}
		m.meter = m.meterProvider.Meter(cfg.ServiceName)
		return m
	}

	return globalMetrics
}

// NoopMetrics returns a metrics instance that does nothing (for testing or when disabled).
func NoopMetrics() *Metrics {
	cfg := DefaultMetricsConfig()
	mp := sdkmetric.NewMeterProvider()
	return &Metrics{
		config:        cfg,
		meterProvider: mp,
		meter:         mp.Meter(cfg.ServiceName),
		shutdown:      func(context.Context) error { return nil },
	}
}
