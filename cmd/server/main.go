// Command server is the task execution server: it wires the wire codec,
// event registry, client task registry, result store, system monitor,
// adaptive scaling engine, dynamic worker pool, and task manager core
// together, then serves both the TCP and gRPC ingress transports against
// the same shared manager.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"google.golang.org/grpc"

	"github.com/lateofrederick/volnux/internal/config"
	"github.com/lateofrederick/volnux/internal/eventregistry"
	"github.com/lateofrederick/volnux/internal/grpcingress"
	"github.com/lateofrederick/volnux/internal/otel"
	"github.com/lateofrederick/volnux/internal/resultstore"
	"github.com/lateofrederick/volnux/internal/scaling"
	"github.com/lateofrederick/volnux/internal/sysmonitor"
	"github.com/lateofrederick/volnux/internal/taskevents"
	"github.com/lateofrederick/volnux/internal/taskmanager"
	"github.com/lateofrederick/volnux/internal/tasktracking"
	"github.com/lateofrederick/volnux/internal/tcpingress"
	"github.com/lateofrederick/volnux/internal/workerpool"
)

func main() {
	tcpAddr := flag.String("tcp-addr", ":9090", "TCP ingress listen address")
	grpcAddr := flag.String("grpc-addr", ":9091", "gRPC ingress listen address")
	secret := flag.String("secret", "", "HMAC key for the wire codec (required)")
	workerBinary := flag.String("worker-binary", "", "path to the compiled taskworker binary (required)")
	allowedEvents := flag.String("allowed-events", "", "comma-separated event allowlist (empty = allow all registered events)")

	workerCount := flag.Int("worker-count", config.DefaultWorkerCount, "initial worker pool size")
	maxPendingTasks := flag.Int("max-pending-tasks", config.DefaultMaxPendingTasks, "ingress queue bound (0 = unbounded)")
	taskTimeout := flag.Duration("task-timeout", config.DefaultTaskTimeout, "per-task timeout stored in the task manager config (not enforced)")
	taskRegistryTTL := flag.Duration("task-registry-ttl", config.DefaultTaskRegistryTTL, "client task registry sweep TTL")
	taskResultTTL := flag.Duration("task-result-ttl", config.DefaultTaskResultTTL, "result store sweep TTL")

	certPath := flag.String("tls-cert", "", "TLS certificate path (empty disables TLS)")
	keyPath := flag.String("tls-key", "", "TLS key path")
	caCertsPath := flag.String("tls-ca-certs", "", "CA certs path for client-cert verification")
	requireClientCert := flag.Bool("tls-require-client-cert", false, "require and verify a client certificate")

	maxCPUQuota := flag.Float64("max-cpu-quota", scaling.DefaultConfig().MaxCPUQuota, "total CPU cores available to the worker pool")
	maxMemoryQuota := flag.Float64("max-memory-quota", scaling.DefaultConfig().MaxMemoryQuota, "total memory (GB) available to the worker pool")
	cpuPerWorker := flag.Float64("cpu-per-worker", scaling.DefaultConfig().CPUPerWorker, "estimated CPU cores per worker")
	memoryPerWorker := flag.Float64("memory-per-worker", scaling.DefaultConfig().MemoryPerWorker, "estimated memory (GB) per worker")
	parallelismMultiplier := flag.Int("parallelism-multiplier", scaling.DefaultConfig().ParallelismMultiplier, "batch-size multiplier")
	scaleUpThreshold := flag.Float64("scale-up-threshold", scaling.DefaultConfig().ScaleUpThreshold, "queue utilization fraction that triggers scale up")
	scaleDownTimeout := flag.Duration("scale-down-timeout", scaling.DefaultConfig().ScaleDownTimeout, "idle time required before scaling down")
	minWorkers := flag.Int("min-workers", scaling.DefaultConfig().MinWorkers, "minimum live workers")
	monitoringInterval := flag.Duration("monitoring-interval", scaling.DefaultConfig().MonitoringInterval, "scaling engine tick interval")
	cpuThresholdScaleUp := flag.Float64("cpu-threshold-scale-up", scaling.DefaultConfig().CPUThresholdScaleUp, "CPU usage fraction of quota above which scale-up is blocked")
	cpuThresholdScaleDown := flag.Float64("cpu-threshold-scale-down", scaling.DefaultConfig().CPUThresholdScaleDown, "CPU usage fraction of quota below which scale-down is allowed")
	memoryThreshold := flag.Float64("memory-threshold", scaling.DefaultConfig().MemoryThreshold, "memory usage fraction of quota above which scale-up is blocked")
	aggressiveScaling := flag.Bool("aggressive-scaling", scaling.DefaultConfig().AggressiveScaling, "let the engine auto-adjust target_workers every tick")

	tracingEnabled := flag.Bool("tracing-enabled", false, "enable OpenTelemetry tracing")
	tracingExporter := flag.String("tracing-exporter", "stdout", "trace exporter: stdout, otlp-grpc, otlp-http")
	metricsEnabled := flag.Bool("metrics-enabled", false, "enable OpenTelemetry metrics")
	metricsExporter := flag.String("metrics-exporter", "stdout", "metrics exporter: stdout, otlp-grpc, otlp-http")
	otlpEndpoint := flag.String("otlp-endpoint", "", "OTLP collector endpoint (for otlp-grpc/otlp-http exporters)")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("component", "server")
	slog.SetDefault(logger)

	if *secret == "" {
		fmt.Fprintln(os.Stderr, "server: -secret is required")
		os.Exit(1)
	}
	if *workerBinary == "" {
		fmt.Fprintln(os.Stderr, "server: -worker-binary is required")
		os.Exit(1)
	}
	secretBytes := []byte(*secret)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracer, err := otel.NewTracer(ctx, &otel.Config{
		Enabled:      *tracingEnabled,
		ServiceName:  "volnux",
		ExporterType: otel.ExporterType(*tracingExporter),
		OTLPEndpoint: *otlpEndpoint,
		SampleRate:   1.0,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "server: tracer init: %v\n", err)
		os.Exit(1)
	}
	otel.SetGlobalTracer(tracer)
	defer tracer.Shutdown(context.Background())

	metricsCollector, err := otel.NewMetrics(ctx, &otel.MetricsConfig{
		Enabled:      *metricsEnabled,
		ServiceName:  "volnux",
		ExporterType: otel.ExporterType(*metricsExporter),
		OTLPEndpoint: *otlpEndpoint,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "server: metrics init: %v\n", err)
		os.Exit(1)
	}
	otel.SetGlobalMetrics(metricsCollector)
	defer metricsCollector.Shutdown(context.Background())

	// Shared event registry. Both the task manager (lookup/construct for
	// validation) and each taskworker subprocess (construct for execution)
	// register the identical set so an event name resolves the same way on
	// either side of the process boundary.
	events := eventregistry.NewRegistry(func(name, msg string) {
		logger.Warn("event_registration_warning", "event", name, "detail", msg)
	})
	taskevents.RegisterDefaults(events)
	events.SetReady()

	tracking := tasktracking.NewRegistry(*taskRegistryTTL)
	results := resultstore.New(*taskResultTTL)

	monitor, err := sysmonitor.New()
	if err != nil {
		fmt.Fprintf(os.Stderr, "server: system monitor init: %v\n", err)
		os.Exit(1)
	}

	scalingCfg := scaling.Config{
		MaxCPUQuota:           *maxCPUQuota,
		MaxMemoryQuota:        *maxMemoryQuota,
		CPUPerWorker:          *cpuPerWorker,
		MemoryPerWorker:       *memoryPerWorker,
		ParallelismMultiplier: *parallelismMultiplier,
		ScaleUpThreshold:      *scaleUpThreshold,
		ScaleDownTimeout:      *scaleDownTimeout,
		MinWorkers:            *minWorkers,
		MonitoringInterval:    *monitoringInterval,
		CPUThresholdScaleDown: *cpuThresholdScaleDown,
		CPUThresholdScaleUp:   *cpuThresholdScaleUp,
		MemoryThreshold:       *memoryThreshold,
		AggressiveScaling:     *aggressiveScaling,
	}
	engine := scaling.NewEngine(scalingCfg, monitor, logger)
	if metricsCollector.Enabled() {
		if err := engine.RegisterGauges(metricsCollector.MeterProvider().Meter("volnux")); err != nil {
			logger.Warn("scaling_gauge_registration_failed", "error", err)
		}
	}

	spawner := &workerpool.SubprocessSpawner{
		BinaryPath: *workerBinary,
		Args:       []string{"-secret", *secret},
		Secret:     secretBytes,
	}
	pool := workerpool.New(spawner, engine, logger)
	engine.SetTargetWorkers(*workerCount)
	if err := pool.Resize(engine.TargetWorkers()); err != nil {
		fmt.Fprintf(os.Stderr, "server: initial worker spawn: %v\n", err)
		os.Exit(1)
	}

	var allowed []string
	if *allowedEvents != "" {
		for _, name := range strings.Split(*allowedEvents, ",") {
			if name = strings.TrimSpace(name); name != "" {
				allowed = append(allowed, name)
			}
		}
	}

	manager := taskmanager.New(taskmanager.Config{
		AllowedEvents:   allowed,
		TaskTimeout:     *taskTimeout,
		MaxPendingTasks: *maxPendingTasks,
	}, events, tracking, results, pool, logger, tracer.TracerProvider().Tracer("volnux"), metricsCollector)

	tlsConfig, err := tcpingress.BuildTLSConfig(tcpingress.TLSConfig{
		CertPath:          *certPath,
		KeyPath:           *keyPath,
		CACertsPath:       *caCertsPath,
		RequireClientCert: *requireClientCert,
	}, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "server: tls config: %v\n", err)
		os.Exit(1)
	}

	tcpServer := tcpingress.New(*tcpAddr, tlsConfig, manager, secretBytes, logger)
	grpcService := grpcingress.NewService(manager, secretBytes, logger)

	// Both transports route responses for their own protocol; the task
	// manager's responder is shared, so only one Responder can be set at a
	// time. A thin fan-out keeps each transport routing its own tasks.
	manager.SetResponder(responderFanOut{tcp: tcpServer, grpc: grpcService})

	lastResized := engine.TargetWorkers()
	engine.Start(ctx, func(snap scaling.Snapshot) {
		if snap.TargetWorkers == lastResized {
			return
		}
		if err := pool.Resize(snap.TargetWorkers); err != nil {
			logger.Error("pool_resize_failed", "error", err, "target_workers", snap.TargetWorkers)
			return
		}
		direction := "up"
		reason := snap.ScaleUpReason
		if snap.LastAction == scaling.ActionDown {
			direction = "down"
			reason = snap.ScaleDownReason
		}
		lastResized = snap.TargetWorkers
		metricsCollector.RecordScaleAction(ctx, direction)
		logger.Info("scaling_action", "direction", direction, "target_workers", snap.TargetWorkers, "reason", reason)
	})
	defer engine.Stop()

	manager.Start(ctx)
	defer manager.Stop()

	grpcServer := grpc.NewServer(
		grpc.UnaryInterceptor(otel.UnaryServerInterceptor(tracer)),
		grpc.StreamInterceptor(otel.StreamServerInterceptor(tracer)),
	)
	grpcingress.RegisterTaskExecutorServer(grpcServer, grpcService)

	grpcListener, err := net.Listen("tcp", *grpcAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "server: grpc listen: %v\n", err)
		os.Exit(1)
	}

	errCh := make(chan error, 2)
	go func() {
		errCh <- tcpServer.Serve(ctx)
	}()
	go func() {
		errCh <- grpcServer.Serve(grpcListener)
	}()

	logger.Info("server_started", "tcp_addr", *tcpAddr, "grpc_addr", *grpcAddr, "worker_count", engine.TargetWorkers())

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("transport_failed", "error", err)
		}
	case <-ctx.Done():
		logger.Info("shutting_down")
	}

	grpcServer.GracefulStop()
	stop()

	tracking.Stop()
	results.Stop()
	pool.Stop()
	if err := pool.Resize(0); err != nil {
		logger.Warn("final_drain_resize_failed", "error", err)
	}

	logger.Info("server_stopped")
}

// responderFanOut dispatches a routed response to whichever transport owns
// its protocol, since taskmanager.Manager holds only one Responder.
type responderFanOut struct {
	tcp  *tcpingress.Server
	grpc *grpcingress.Service
}

func (f responderFanOut) RouteResponse(protocol taskmanager.Protocol, clientContext any, result map[string]any) error {
	switch protocol {
	case taskmanager.ProtocolTCP:
		return f.tcp.RouteResponse(protocol, clientContext, result)
	case taskmanager.ProtocolGRPC:
		return f.grpc.RouteResponse(protocol, clientContext, result)
	default:
		return fmt.Errorf("server: unknown protocol %q", protocol)
	}
}
