package scaling

import (
	"testing"
	"time"
)

type fakeMonitor struct {
	cores   float64
	memGB   float64
	workers int
}

func (f *fakeMonitor) RefreshChildren() error    { return nil }
func (f *fakeMonitor) TotalCores() float64       { return f.cores }
func (f *fakeMonitor) AverageCores() float64     { return f.cores }
func (f *fakeMonitor) TotalMemoryGB() float64    { return f.memGB }
func (f *fakeMonitor) ActiveWorkerCount() int    { return f.workers }

// recordingMonitor mimics internal/sysmonitor.Monitor's real split between
// TotalCores (samples into history) and AverageCores (reads the history
// mean) so a test can tell whether something actually sampled before
// reading the average.
type recordingMonitor struct {
	samples     []float64
	sampleValue float64
}

func (m *recordingMonitor) RefreshChildren() error { return nil }
func (m *recordingMonitor) TotalCores() float64 {
	m.samples = append(m.samples, m.sampleValue)
	return m.sampleValue
}
func (m *recordingMonitor) AverageCores() float64 {
	if len(m.samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range m.samples {
		sum += s
	}
	return sum / float64(len(m.samples))
}
func (m *recordingMonitor) TotalMemoryGB() float64 { return 0 }
func (m *recordingMonitor) ActiveWorkerCount() int { return 1 }

// TestTickSamplesCPUBeforeReadingAverage guards against AverageCores being
// permanently pinned at zero: if tick ever stops calling TotalCores before
// computing a snapshot, CPU-quota gating on ShouldScaleUp silently goes
// dead even though the threshold math itself is correct.
func TestTickSamplesCPUBeforeReadingAverage(t *testing.T) {
	cfg := testConfig()
	mon := &recordingMonitor{sampleValue: 3.9} // just under the 4-core quota
	e := NewEngine(cfg, mon, nil)
	e.SetTargetWorkers(2)
	e.UpdateQueueLength(10)

	if len(mon.samples) != 0 {
		t.Fatal("monitor should not be sampled before any tick runs")
	}

	e.tick(nil)

	if len(mon.samples) != 1 {
		t.Fatalf("expected tick to sample TotalCores exactly once, got %d", len(mon.samples))
	}

	up, reason := e.ShouldScaleUp()
	if up {
		t.Fatalf("expected ShouldScaleUp to be blocked by CPU quota after a real sample, reason=%s", reason)
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxCPUQuota = 4.0
	cfg.MaxMemoryQuota = 8.0
	cfg.CPUPerWorker = 1.0
	cfg.MemoryPerWorker = 0.5
	cfg.MinWorkers = 1
	return cfg
}

func TestCalculateMaxWorkers(t *testing.T) {
	e := NewEngine(testConfig(), &fakeMonitor{}, nil)
	// cpu_based = floor(4/1) = 4, mem_based = floor(8/0.5) = 16, min = 4
	if got := e.MaxWorkers(); got != 4 {
		t.Errorf("MaxWorkers = %d, want 4", got)
	}
}

func TestOptimalBatchSizeLowQueue(t *testing.T) {
	e := NewEngine(testConfig(), &fakeMonitor{}, nil)
	e.SetTargetWorkers(2)
	e.UpdateQueueLength(0) // queueLength(0) < targetWorkers(2)

	// base = multiplier(2) * target(2) = 4, low-queue path: *1.5 = 6
	if got := e.OptimalBatchSize(); got != 6 {
		t.Errorf("OptimalBatchSize = %d, want 6", got)
	}
}

func TestOptimalBatchSizeHighQueue(t *testing.T) {
	e := NewEngine(testConfig(), &fakeMonitor{}, nil)
	e.SetTargetWorkers(2)
	e.UpdateQueueLength(11) // > target*5 = 10

	// base = 4, high-queue path: *0.5 = 2
	if got := e.OptimalBatchSize(); got != 2 {
		t.Errorf("OptimalBatchSize = %d, want 2", got)
	}
}

func TestShouldScaleUpOnQueuePressure(t *testing.T) {
	e := NewEngine(testConfig(), &fakeMonitor{cores: 0.1, memGB: 0.1}, nil)
	e.SetTargetWorkers(2)
	e.UpdateQueueLength(2) // >= target(2) * 0.7 = 1.4

	up, reason := e.ShouldScaleUp()
	if !up {
		t.Fatalf("expected ShouldScaleUp, got false: %s", reason)
	}
}

func TestShouldScaleUpBlockedByCPUQuota(t *testing.T) {
	cfg := testConfig()
	// cpu usage at 90% of quota exceeds CPUThresholdScaleUp(0.85)
	e := NewEngine(cfg, &fakeMonitor{cores: 3.6, memGB: 0.1}, nil)
	e.SetTargetWorkers(2)
	e.UpdateQueueLength(10)

	up, reason := e.ShouldScaleUp()
	if up {
		t.Fatalf("expected ShouldScaleUp to be blocked by CPU quota, reason=%s", reason)
	}
}

func TestShouldScaleDownRequiresEmptyQueueAndTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.ScaleDownTimeout = 10 * time.Millisecond
	e := NewEngine(cfg, &fakeMonitor{cores: 0.1, memGB: 0.1}, nil)
	e.SetTargetWorkers(3)
	e.UpdateQueueLength(0)

	// Immediately after SetTargetWorkers, the timeout has not elapsed yet.
	if down, _ := e.ShouldScaleDown(); down {
		t.Fatal("expected ShouldScaleDown to be false before timeout elapses")
	}

	time.Sleep(20 * time.Millisecond)
	down, reason := e.ShouldScaleDown()
	if !down {
		t.Fatalf("expected ShouldScaleDown true after timeout, reason=%s", reason)
	}
}

func TestShouldScaleDownBlockedByNonEmptyQueue(t *testing.T) {
	e := NewEngine(testConfig(), &fakeMonitor{cores: 0.01, memGB: 0.01}, nil)
	e.SetTargetWorkers(3)
	e.UpdateQueueLength(1)

	if down, reason := e.ShouldScaleDown(); down {
		t.Fatalf("expected ShouldScaleDown false with nonempty queue, reason=%s", reason)
	}
}

func TestSetTargetWorkersClampsToBounds(t *testing.T) {
	e := NewEngine(testConfig(), &fakeMonitor{}, nil)

	e.SetTargetWorkers(100)
	if got := e.TargetWorkers(); got != e.MaxWorkers() {
		t.Errorf("TargetWorkers = %d, want clamp to MaxWorkers %d", got, e.MaxWorkers())
	}

	e.SetTargetWorkers(-5)
	if got := e.TargetWorkers(); got != 1 {
		t.Errorf("TargetWorkers = %d, want clamp to MinWorkers 1", got)
	}
}

func TestSetTargetWorkersNoopWhenUnchanged(t *testing.T) {
	e := NewEngine(testConfig(), &fakeMonitor{}, nil)
	e.SetTargetWorkers(1) // already at MinWorkers
	if changed := e.SetTargetWorkers(1); changed {
		t.Fatal("expected SetTargetWorkers to report no change")
	}
}
