package workerpool

import (
	"errors"
	"sync"

	"github.com/lateofrederick/volnux/internal/codec"
)

// errCancelled is the error a cancelled future reports from Result().
var errCancelled = errors.New("workerpool: task cancelled")

// futureState is the one-way transition a ProxyFuture makes: it starts
// queued, waiting to be handed to a live worker, becomes running once
// actually dispatched to a subprocess, and ends in either done or
// cancelled. It never goes back.
type futureState int

const (
	stateQueued futureState = iota
	stateRunning
	stateDone
	stateCancelled
)

// ProxyFuture is a handle to a task submitted to the Pool. It mirrors the
// original QueuedFuture: callers can inspect its progress and block for a
// result regardless of whether the task is still pending or already
// dispatched to a worker subprocess.
type ProxyFuture struct {
	mu    sync.Mutex
	state futureState
	done  chan struct{}

	result *codec.EventResult
	err    error
}

func newProxyFuture() *ProxyFuture {
	return &ProxyFuture{
		state: stateQueued,
		done:  make(chan struct{}),
	}
}

// markRunning transitions queued -> running. It is a no-op if already past
// that state.
func (f *ProxyFuture) markRunning() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == stateQueued {
		f.state = stateRunning
	}
}

// complete transitions the future to done exactly once. A future already
// cancelled stays cancelled: complete is a no-op for it, matching a
// cancelled queued task never actually reaching a worker.
func (f *ProxyFuture) complete(result *codec.EventResult, err error) {
	f.mu.Lock()
	if f.state == stateDone || f.state == stateCancelled {
		f.mu.Unlock()
		return
	}
	f.state = stateDone
	f.result = result
	f.err = err
	f.mu.Unlock()
	close(f.done)
}

// Cancel mirrors the original QueuedFuture.cancel: if the task already has
// a real future (it has been dispatched to a worker and is running),
// cancellation is deferred to that real execution and this call is a
// no-op that reports false. Otherwise the future has no real future yet —
// it is still sitting in the outer pending queue — so it marks itself
// cancelled and reports true; the submission loop skips it instead of
// ever handing it to a worker.
func (f *ProxyFuture) Cancel() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != stateQueued {
		return false
	}
	f.state = stateCancelled
	f.err = errCancelled
	close(f.done)
	return true
}

// cancelled reports whether Cancel has marked this future cancelled while
// it was still queued.
func (f *ProxyFuture) cancelled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state == stateCancelled
}

// Done returns a channel closed once the future has a result.
func (f *ProxyFuture) Done() <-chan struct{} {
	return f.done
}

// IsRunning reports whether the task has been dispatched to a worker.
func (f *ProxyFuture) IsRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state == stateRunning
}

// Result blocks until the future is done and returns its outcome.
func (f *ProxyFuture) Result() (*codec.EventResult, error) {
	<-f.done
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.result, f.err
}
