// Package resultstore parks task results for correlation ids whose client
// has already disconnected or not yet polled, with pop-on-read semantics
// and a background TTL sweep. Unlike the process-wide singleton the
// original Python ResultStore used, this is an explicit, injectable type:
// callers construct one *Store and share it across the task manager and
// both ingress transports.
package resultstore

import (
	"context"
	"sync"
	"time"
)

// ParkedResult is a result awaiting pickup by a polling or reconnecting
// client.
type ParkedResult struct {
	CorrelationID string
	Data          map[string]any
	Timestamp     time.Time
}

// Store holds parked results keyed by correlation id.
type Store struct {
	mu      sync.Mutex
	results map[string]*ParkedResult
	ttl     time.Duration
	stopCh  chan struct{}
	wg      sync.WaitGroup
	closed  bool
}

// New returns an empty Store that sweeps entries older than ttl.
func New(ttl time.Duration) *Store {
	return &Store{
		results: make(map[string]*ParkedResult),
		ttl:     ttl,
		stopCh:  make(chan struct{}),
	}
}

// Start launches the background TTL sweep loop.
func (s *Store) Start(ctx context.Context) {
	if s.ttl <= 0 {
		return
	}
	period := s.ttl / 2
	if period < time.Second {
		period = time.Second
	}
	s.wg.Add(1)
	go s.sweepLoop(ctx, period)
}

// Stop halts the sweep loop.
func (s *Store) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.stopCh)
	s.wg.Wait()
}

// Store parks data for correlationID, overwriting any existing entry.
func (s *Store) Store(correlationID string, data map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[correlationID] = &ParkedResult{
		CorrelationID: correlationID,
		Data:          data,
		Timestamp:     time.Now(),
	}
}

// Get pops and returns the parked result for correlationID, if any.
func (s *Store) Get(correlationID string) (*ParkedResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.results[correlationID]
	if !ok {
		return nil, false
	}
	delete(s.results, correlationID)
	return res, true
}

// Len reports how many results are currently parked.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.results)
}

func (s *Store) sweepLoop(ctx context.Context, period time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Store) sweep() {
	cutoff := time.Now().Add(-s.ttl)
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, res := range s.results {
		if res.Timestamp.Before(cutoff) {
			delete(s.results, id)
		}
	}
}
