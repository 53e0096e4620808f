// Package tasktracking is the client task registry (C3): it records one
// ClientTaskRecord per in-flight correlation id so the response router can
// find where a completed task's result belongs, and sweeps entries whose
// TTL has elapsed the way the teacher's session Evictor does.
package tasktracking

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Status is the lifecycle state of a tracked task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
)

// ClientTaskRecord is the bookkeeping the manager keeps per correlation id
// between submission and routing.
type ClientTaskRecord struct {
	CorrelationID string
	EventName     string
	Protocol      string
	ClientID      string
	Status        Status
	CreatedAt     time.Time
	StartTime     time.Time
	ClientContext any
}

// Registry tracks ClientTaskRecords keyed by correlation id with a
// background TTL sweep, mirroring the cond/ticker shape of the teacher's
// session Evictor.
type Registry struct {
	ttl    time.Duration
	period time.Duration

	records sync.Map // correlation id -> *ClientTaskRecord
	closed  atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	expired atomic.Int64
}

// NewRegistry returns a Registry that sweeps entries older than ttl every
// ttl/2, with a minimum period of one second.
func NewRegistry(ttl time.Duration) *Registry {
	period := ttl / 2
	if period < time.Second {
		period = time.Second
	}
	return &Registry{
		ttl:    ttl,
		period: period,
		stopCh: make(chan struct{}),
	}
}

// Start launches the background cleanup loop.
func (r *Registry) Start(ctx context.Context) {
	if r.ttl <= 0 {
		return
	}
	r.wg.Add(1)
	go r.cleanupLoop(ctx)
}

// Stop halts the cleanup loop and waits for it to exit.
func (r *Registry) Stop() {
	if r.closed.Swap(true) {
		return
	}
	close(r.stopCh)
	r.wg.Wait()
}

// Register inserts or merges a record for correlationID. If a record
// already exists, fields present on update overwrite the corresponding
// fields of the existing record, mirroring the Python registry's dict
// merge-on-register behavior.
func (r *Registry) Register(rec *ClientTaskRecord) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	if existing, ok := r.records.Load(rec.CorrelationID); ok {
		merged := *existing.(*ClientTaskRecord)
		if rec.EventName != "" {
			merged.EventName = rec.EventName
		}
		if rec.Protocol != "" {
			merged.Protocol = rec.Protocol
		}
		if rec.ClientID != "" {
			merged.ClientID = rec.ClientID
		}
		if rec.Status != "" {
			merged.Status = rec.Status
		}
		if rec.ClientContext != nil {
			merged.ClientContext = rec.ClientContext
		}
		r.records.Store(rec.CorrelationID, &merged)
		return
	}
	r.records.Store(rec.CorrelationID, rec)
}

// Get returns the record for correlationID, if tracked.
func (r *Registry) Get(correlationID string) (*ClientTaskRecord, bool) {
	v, ok := r.records.Load(correlationID)
	if !ok {
		return nil, false
	}
	return v.(*ClientTaskRecord), true
}

// Remove deletes the record for correlationID.
func (r *Registry) Remove(correlationID string) {
	r.records.Delete(correlationID)
}

// ExpiredCount returns the number of records reaped by the TTL sweep.
func (r *Registry) ExpiredCount() int64 {
	return r.expired.Load()
}

// Len returns the number of currently tracked records, used to report the
// live in-flight task count.
func (r *Registry) Len() int {
	n := 0
	r.records.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (r *Registry) cleanupLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.period)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.sweep()
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (r *Registry) sweep() {
	now := time.Now()
	var stale []string
	r.records.Range(func(key, value any) bool {
		rec := value.(*ClientTaskRecord)
		if now.Sub(rec.CreatedAt) > r.ttl {
			stale = append(stale, key.(string))
		}
		return true
	})
	for _, key := range stale {
		// Deleted without re-checking the record: sync.Map deletes are
		// idempotent, and a concurrent Remove racing this sweep is harmless.
		r.records.Delete(key)
		r.expired.Add(1)
	}
}
