// Package sysmonitor samples CPU and memory usage of the worker pool's
// child processes so the adaptive scaling engine can compare actual
// resource consumption against its quota, the way the original
// SystemMonitor summed psutil.Process(...).children() readings.
package sysmonitor

import (
	"os"
	"sync"

	"github.com/shirou/gopsutil/v3/process"
)

const historyLen = 10

// Monitor tracks the current process and its live children, maintaining a
// bounded rolling history of core usage for smoothing, mirroring the
// original's collections.deque(maxlen=10).
type Monitor struct {
	mu         sync.Mutex
	self       *process.Process
	children   []*process.Process
	coreHist   []float64
	memGBHist  []float64
}

// New returns a Monitor sampling the current OS process's children.
func New() (*Monitor, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	return &Monitor{self: p}, nil
}

// RefreshChildren re-enumerates the live child processes (worker
// subprocesses spawned by internal/workerpool).
func (m *Monitor) RefreshChildren() error {
	children, err := m.self.Children()
	if err != nil {
		// NoSuchProcess / AccessDenied style errors from children() are
		// tolerated: treat as no children this tick, same as the original
		// system_monitor.py's try/except around process.children().
		m.mu.Lock()
		m.children = nil
		m.mu.Unlock()
		return nil
	}
	m.mu.Lock()
	m.children = children
	m.mu.Unlock()
	return err
}

// TotalCores returns the sum of each child's CPU usage this tick, expressed
// in cores consumed (percent / 100), the way get_total_cpu_usage does.
func (m *Monitor) TotalCores() float64 {
	m.mu.Lock()
	children := append([]*process.Process(nil), m.children...)
	m.mu.Unlock()

	var totalPercent float64
	for _, c := range children {
		if pct, err := c.CPUPercent(); err == nil {
			totalPercent += pct
		}
	}
	cores := totalPercent / 100.0

	m.mu.Lock()
	m.coreHist = pushBounded(m.coreHist, cores, historyLen)
	m.mu.Unlock()
	return cores
}

// AverageCores returns the mean of the recent TotalCores samples.
func (m *Monitor) AverageCores() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return mean(m.coreHist)
}

// TotalMemoryGB returns the sum of self + children RSS, in gigabytes.
func (m *Monitor) TotalMemoryGB() float64 {
	m.mu.Lock()
	children := append([]*process.Process(nil), m.children...)
	m.mu.Unlock()

	var totalBytes uint64
	if info, err := m.self.MemoryInfo(); err == nil && info != nil {
		totalBytes += info.RSS
	}
	for _, c := range children {
		if info, err := c.MemoryInfo(); err == nil && info != nil {
			totalBytes += info.RSS
		}
	}
	gb := float64(totalBytes) / (1024 * 1024 * 1024)

	m.mu.Lock()
	m.memGBHist = pushBounded(m.memGBHist, gb, historyLen)
	m.mu.Unlock()
	return gb
}

// AverageMemoryGB returns the mean of the recent TotalMemoryGB samples.
func (m *Monitor) AverageMemoryGB() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return mean(m.memGBHist)
}

// ActiveWorkerCount returns how many children are currently running.
func (m *Monitor) ActiveWorkerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, c := range m.children {
		if running, err := c.IsRunning(); err == nil && running {
			count++
		}
	}
	return count
}

func pushBounded(hist []float64, v float64, max int) []float64 {
	hist = append(hist, v)
	if len(hist) > max {
		hist = hist[len(hist)-max:]
	}
	return hist
}

func mean(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}
