// Package config holds the default tunables for the task execution server:
// wire codec, worker pool, queueing, TTL sweeps, and TCP socket behavior,
// mirroring the original manager_config.py Attrib defaults.
package config

import "time"

// Default configuration constants for the task execution server.
const (
	// DefaultWorkerCount is the initial target_workers handed to the
	// scaling engine before its first tick.
	DefaultWorkerCount = 2

	// DefaultMaxPendingTasks bounds the worker pool's outer queue; zero
	// means unbounded.
	DefaultMaxPendingTasks = 1000

	// DefaultTaskTimeout is the default for the server's -task-timeout flag,
	// passed on as taskmanager.Config.TaskTimeout; no code enforces it. The
	// gRPC wait for a result is bounded by grpcingress.DefaultExecutionTimeout.
	DefaultTaskTimeout = 300 * time.Second

	// DefaultTaskRegistryTTL bounds how long a client task registry entry
	// survives without being routed or polled.
	DefaultTaskRegistryTTL = 5 * time.Minute

	// DefaultTaskResultTTL bounds how long a parked result waits for a
	// POLL before the sweep reclaims it.
	DefaultTaskResultTTL = 5 * time.Minute

	// DefaultConnectionTimeout is the TCP socket read/write deadline.
	DefaultConnectionTimeout = 30 * time.Second

	// DefaultDataChunkSize is the TCP read/write chunk target.
	DefaultDataChunkSize = 64 * 1024

	// DefaultConnectionBacklogSize is the TCP listen backlog.
	DefaultConnectionBacklogSize = 128
)
