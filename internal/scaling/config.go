package scaling

import "time"

// Config mirrors the original ScalingConfig's tunables: resource quotas,
// per-worker cost estimates, and the thresholds that drive scale-up/down
// decisions. Field defaults match scaling_config.py's Attrib defaults.
type Config struct {
	MaxCPUQuota    float64 // Q_max, total CPU cores available
	MaxMemoryQuota float64 // total memory in GB

	CPUPerWorker    float64 // R_w, estimated CPU cores per worker
	MemoryPerWorker float64 // estimated memory GB per worker

	ParallelismMultiplier int // multiplier for batch size calculation

	ScaleUpThreshold  float64       // queue utilization fraction that triggers scale up
	ScaleDownTimeout  time.Duration // idle time required before scaling down
	MinWorkers        int

	MonitoringInterval time.Duration

	CPUThresholdScaleDown float64 // CPU usage below this (fraction of quota) allows scale down
	CPUThresholdScaleUp   float64 // CPU usage above this (fraction of quota) blocks scale up
	MemoryThreshold       float64 // memory usage threshold, fraction of quota

	AggressiveScaling bool
}

// DefaultConfig returns the same defaults as the original scaling_config.py.
func DefaultConfig() Config {
	return Config{
		MaxCPUQuota:           4.0,
		MaxMemoryQuota:        8.0,
		CPUPerWorker:          1.0,
		MemoryPerWorker:       0.5,
		ParallelismMultiplier: 2,
		ScaleUpThreshold:      0.7,
		ScaleDownTimeout:      10 * time.Second,
		MinWorkers:            1,
		MonitoringInterval:    time.Second,
		CPUThresholdScaleDown: 0.3,
		CPUThresholdScaleUp:   0.85,
		MemoryThreshold:       0.9,
		AggressiveScaling:     true,
	}
}
