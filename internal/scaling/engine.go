// Package scaling implements the adaptive scaling engine (C6): worker
// count bounds derived from a resource quota, a queue-feedback batch size
// heuristic, and scale up/down predicates with reason strings, each
// transliterated from the original AdaptiveScalingEngine. The monitor loop
// follows the teacher's heartbeat-monitor lifecycle idiom (stopCh/stoppedCh
// guarded by a running flag) rather than the original's daemon thread.
package scaling

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"
)

// ResourceMonitor is the subset of internal/sysmonitor.Monitor the engine
// needs to make scaling decisions, kept as an interface so the engine can
// be tested without spawning real OS processes.
type ResourceMonitor interface {
	RefreshChildren() error
	TotalCores() float64
	AverageCores() float64
	TotalMemoryGB() float64
	ActiveWorkerCount() int
}

// LastAction records the most recent scaling direction, or "" if none has
// happened yet.
type LastAction string

const (
	ActionNone LastAction = ""
	ActionUp   LastAction = "up"
	ActionDown LastAction = "down"
)

// Snapshot is a point-in-time view of the engine's state, the Go analogue
// of get_metrics()'s dict.
type Snapshot struct {
	MaxWorkers       int
	TargetWorkers    int
	ActualWorkers    int
	QueueLength      int
	OptimalBatchSize int
	CPUUsageCores    float64
	CPULimitCores    float64
	MemoryUsageGB    float64
	MemoryLimitGB    float64
	ShouldScaleUp    bool
	ScaleUpReason    string
	ShouldScaleDown  bool
	ScaleDownReason  string
	LastAction       LastAction
}

// Engine is the adaptive scaling engine.
type Engine struct {
	cfg     Config
	monitor ResourceMonitor

	mu                 sync.RWMutex
	maxWorkers         int
	targetWorkers      int
	queueLength        int
	lastScaleActionAt  time.Time
	lastScaleAction    LastAction

	logger *slog.Logger

	running   bool
	stopCh    chan struct{}
	stoppedCh chan struct{}
	runMu     sync.Mutex
}

// NewEngine computes W_max from cfg and returns an Engine whose target
// worker count starts at cfg.MinWorkers.
func NewEngine(cfg Config, monitor ResourceMonitor, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		cfg:               cfg,
		monitor:           monitor,
		lastScaleActionAt: time.Now(),
		logger:            logger,
	}
	e.maxWorkers = e.calculateMaxWorkers()
	e.targetWorkers = cfg.MinWorkers
	e.logger.Info("scaling_engine_initialized", "max_workers", e.maxWorkers)
	return e
}

// calculateMaxWorkers implements Algorithm 1: Resource-to-Worker Mapping.
// W_max = min(floor(cpu_quota/cpu_per_worker), floor(mem_quota/mem_per_worker)),
// floored at MinWorkers.
func (e *Engine) calculateMaxWorkers() int {
	cpuBased := int(math.Floor(e.cfg.MaxCPUQuota / e.cfg.CPUPerWorker))
	memBased := int(math.Floor(e.cfg.MaxMemoryQuota / e.cfg.MemoryPerWorker))
	wMax := cpuBased
	if memBased < wMax {
		wMax = memBased
	}
	if wMax < e.cfg.MinWorkers {
		return e.cfg.MinWorkers
	}
	return wMax
}

// MaxWorkers returns W_max.
func (e *Engine) MaxWorkers() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.maxWorkers
}

// TargetWorkers returns the current target worker count.
func (e *Engine) TargetWorkers() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.targetWorkers
}

// OptimalBatchSize implements Algorithm 2: queue-feedback-adjusted batch
// size, clamped to at least MinWorkers.
func (e *Engine) OptimalBatchSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.optimalBatchSizeLocked()
}

func (e *Engine) optimalBatchSizeLocked() int {
	base := e.cfg.ParallelismMultiplier * e.targetWorkers

	var adjusted int
	switch {
	case e.queueLength < e.targetWorkers:
		adjusted = int(float64(base) * 1.5)
	case e.queueLength > e.targetWorkers*5:
		adjusted = int(float64(base) * 0.5)
	default:
		adjusted = base
	}

	if adjusted < e.cfg.MinWorkers {
		return e.cfg.MinWorkers
	}
	return adjusted
}

type resourceConstraints struct {
	cpuUsage         float64
	cpuLimit         float64
	cpuAvailable     bool
	cpuUnderutilized bool
	memUsage         float64
	memLimit         float64
	memAvailable     bool
}

func (e *Engine) checkResourceConstraints() resourceConstraints {
	var cpuUsage, memUsage float64
	if e.monitor != nil {
		cpuUsage = e.monitor.AverageCores()
		memUsage = e.monitor.TotalMemoryGB()
	}

	return resourceConstraints{
		cpuUsage:         cpuUsage,
		cpuLimit:         e.cfg.MaxCPUQuota,
		cpuAvailable:     cpuUsage < e.cfg.MaxCPUQuota*e.cfg.CPUThresholdScaleUp,
		cpuUnderutilized: cpuUsage < e.cfg.MaxCPUQuota*e.cfg.CPUThresholdScaleDown,
		memUsage:         memUsage,
		memLimit:         e.cfg.MaxMemoryQuota,
		memAvailable:     memUsage < e.cfg.MaxMemoryQuota*e.cfg.MemoryThreshold,
	}
}

// ShouldScaleUp reports whether another worker should be added, and why.
func (e *Engine) ShouldScaleUp() (bool, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.shouldScaleUpLocked()
}

func (e *Engine) shouldScaleUpLocked() (bool, string) {
	if e.targetWorkers >= e.maxWorkers {
		return false, "At max workers (W_max limit)"
	}

	r := e.checkResourceConstraints()
	if !r.cpuAvailable {
		return false, fmt.Sprintf("CPU quota usage too high: %.2f/%.2f cores", r.cpuUsage, r.cpuLimit)
	}
	if !r.memAvailable {
		return false, fmt.Sprintf("memory quota usage too high: %.2f/%.2fGB", r.memUsage, r.memLimit)
	}

	threshold := float64(e.targetWorkers) * e.cfg.ScaleUpThreshold
	if float64(e.queueLength) >= threshold {
		return true, fmt.Sprintf("queue pressure: %d tasks (>=%.1f threshold)", e.queueLength, threshold)
	}
	return false, "no scale up needed"
}

// ShouldScaleDown reports whether a worker should be removed, and why.
func (e *Engine) ShouldScaleDown() (bool, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.shouldScaleDownLocked()
}

func (e *Engine) shouldScaleDownLocked() (bool, string) {
	if e.targetWorkers <= e.cfg.MinWorkers {
		return false, "at minimum workers"
	}
	if e.queueLength > 0 {
		return false, fmt.Sprintf("queue has tasks: %d", e.queueLength)
	}

	r := e.checkResourceConstraints()
	if r.cpuUnderutilized {
		since := time.Since(e.lastScaleActionAt)
		if since >= e.cfg.ScaleDownTimeout {
			return true, fmt.Sprintf("low CPU usage: %.2f cores for >%s", r.cpuUsage, e.cfg.ScaleDownTimeout)
		}
	}
	return false, "no scale down needed"
}

// SetTargetWorkers clamps count to [MinWorkers, MaxWorkers] and applies it
// if different from the current target, recording the scale direction and
// timestamp. Returns whether the target changed.
func (e *Engine) SetTargetWorkers(count int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if count < e.cfg.MinWorkers {
		count = e.cfg.MinWorkers
	}
	if count > e.maxWorkers {
		count = e.maxWorkers
	}

	if count == e.targetWorkers {
		return false
	}

	old := e.targetWorkers
	e.targetWorkers = count
	e.lastScaleActionAt = time.Now()
	if count > old {
		e.lastScaleAction = ActionUp
	} else {
		e.lastScaleAction = ActionDown
	}
	e.logger.Info("target_workers_adjusted", "from", old, "to", count)
	return true
}

// UpdateQueueLength records the current pending-task queue length.
func (e *Engine) UpdateQueueLength(length int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.queueLength = length
}

// Metrics returns a full snapshot, the Go analogue of get_metrics().
func (e *Engine) Metrics() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	r := e.checkResourceConstraints()
	up, upReason := e.shouldScaleUpLocked()
	down, downReason := e.shouldScaleDownLocked()

	actual := 0
	if e.monitor != nil {
		actual = e.monitor.ActiveWorkerCount()
	}

	return Snapshot{
		MaxWorkers:       e.maxWorkers,
		TargetWorkers:    e.targetWorkers,
		ActualWorkers:    actual,
		QueueLength:      e.queueLength,
		OptimalBatchSize: e.optimalBatchSizeLocked(),
		CPUUsageCores:    r.cpuUsage,
		CPULimitCores:    r.cpuLimit,
		MemoryUsageGB:    r.memUsage,
		MemoryLimitGB:    r.memLimit,
		ShouldScaleUp:    up,
		ScaleUpReason:    upReason,
		ShouldScaleDown:  down,
		ScaleDownReason:  downReason,
		LastAction:       e.lastScaleAction,
	}
}

// Start launches the real-time monitor/adjust loop in a background
// goroutine. callback, if non-nil, is invoked with each tick's snapshot.
func (e *Engine) Start(ctx context.Context, callback func(Snapshot)) {
	e.runMu.Lock()
	if e.running {
		e.runMu.Unlock()
		return
	}
	e.running = true
	e.stopCh = make(chan struct{})
	e.stoppedCh = make(chan struct{})
	stopCh := e.stopCh
	stoppedCh := e.stoppedCh
	e.runMu.Unlock()

	go e.monitorLoop(ctx, stopCh, stoppedCh, callback)
}

// Stop halts the monitor loop and waits for it to exit.
func (e *Engine) Stop() {
	e.runMu.Lock()
	if !e.running {
		e.runMu.Unlock()
		return
	}
	e.running = false
	close(e.stopCh)
	stoppedCh := e.stoppedCh
	e.runMu.Unlock()

	<-stoppedCh
}

func (e *Engine) monitorLoop(ctx context.Context, stopCh, stoppedCh chan struct{}, callback func(Snapshot)) {
	defer close(stoppedCh)

	ticker := time.NewTicker(e.cfg.MonitoringInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.tick(callback)
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) tick(callback func(Snapshot)) {
	if e.monitor != nil {
		if err := e.monitor.RefreshChildren(); err != nil {
			e.logger.Error("scaling_monitor_refresh_failed", "error", err)
		}
		// Sample this tick's CPU usage into the monitor's rolling history
		// before reading the average: the original's get_total_cpu_usage
		// (sample) and get_average_cpu_usage (read) are two separate calls
		// too, and a tick that only reads the average without ever
		// sampling would see it pinned at zero forever.
		e.monitor.TotalCores()
	}

	snapshot := e.Metrics()

	if e.cfg.AggressiveScaling {
		e.mu.RLock()
		target := e.targetWorkers
		maxW := e.maxWorkers
		minW := e.cfg.MinWorkers
		e.mu.RUnlock()

		if snapshot.ShouldScaleUp {
			next := target + 1
			if next > maxW {
				next = maxW
			}
			e.SetTargetWorkers(next)
		} else if snapshot.ShouldScaleDown {
			next := target - 1
			if next < minW {
				next = minW
			}
			e.SetTargetWorkers(next)
		}
	}

	if callback != nil {
		callback(snapshot)
	}
}
