package scaling

import (
	"context"

	"github.com/cespare/xxhash/v2"
	"go.opentelemetry.io/otel/metric"
)

// RegisterGauges registers observable gauges on meter that report the
// engine's live Snapshot fields on every collection, the way teacher
// internal/otel/metrics.go registers callback-driven instruments instead
// of push-based counters.
func (e *Engine) RegisterGauges(meter metric.Meter) error {
	target, err := meter.Int64ObservableGauge("scaling.target_workers")
	if err != nil {
		return err
	}
	max, err := meter.Int64ObservableGauge("scaling.max_workers")
	if err != nil {
		return err
	}
	queue, err := meter.Int64ObservableGauge("scaling.queue_length")
	if err != nil {
		return err
	}
	batch, err := meter.Int64ObservableGauge("scaling.optimal_batch_size")
	if err != nil {
		return err
	}
	cpu, err := meter.Float64ObservableGauge("scaling.cpu_usage_cores")
	if err != nil {
		return err
	}
	mem, err := meter.Float64ObservableGauge("scaling.memory_usage_gb")
	if err != nil {
		return err
	}

	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		s := e.Metrics()
		o.ObserveInt64(target, int64(s.TargetWorkers))
		o.ObserveInt64(max, int64(s.MaxWorkers))
		o.ObserveInt64(queue, int64(s.QueueLength))
		o.ObserveInt64(batch, int64(s.OptimalBatchSize))
		o.ObserveFloat64(cpu, s.CPUUsageCores)
		o.ObserveFloat64(mem, s.MemoryUsageGB)
		return nil
	}, target, max, queue, batch, cpu, mem)
	return err
}

// MetricsBucket maps a correlation id to one of numBuckets buckets, used to
// bound the cardinality of a per-task metric dimension (e.g. a task latency
// histogram attribute keyed by correlation id) without hashing with a
// cryptographic function or letting every distinct correlation id become its
// own attribute value.
func MetricsBucket(correlationID string, numBuckets int) uint64 {
	if numBuckets <= 0 {
		return 0
	}
	return xxhash.Sum64String(correlationID) % uint64(numBuckets)
}
