// Package workerpool is the dynamic worker pool (C7): an outer, unbounded
// pending queue decoupled from an inner, replaceable set of worker
// processes. Resize drains and replaces the inner set without ever
// touching the outer queue, so a scale event can never drop queued work —
// the Go rendering of the original DynamicProcessPoolExecutor's
// shutdown(wait=False)-then-recreate trick.
package workerpool

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/lateofrederick/volnux/internal/scaling"
)

// errNoWorkers is returned to a task's future when it is popped from the
// pending queue before any worker set has ever been created.
var errNoWorkers = errors.New("workerpool: no live workers")

// Pool submits tasks to a dynamically resized set of worker processes.
type Pool struct {
	spawner Spawner
	scaler  *scaling.Engine
	logger  *slog.Logger

	pending *pendingQueue

	mu      sync.Mutex
	taskCh  chan *queuedTask
	workers []*managedWorker

	running   bool
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

type managedWorker struct {
	handle WorkerHandle
	doneCh chan struct{}
}

// New returns a Pool with no live workers; call Resize to bring it to the
// desired size before Start.
func New(spawner Spawner, scaler *scaling.Engine, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		spawner: spawner,
		scaler:  scaler,
		logger:  logger,
		pending: newPendingQueue(),
	}
}

// Submit enqueues a task and returns a handle to observe its progress.
func (p *Pool) Submit(event string, args map[string]any, correlationID string) *ProxyFuture {
	future := newProxyFuture()
	p.pending.push(&queuedTask{
		Event:         event,
		Args:          args,
		CorrelationID: correlationID,
		future:        future,
	})
	if p.scaler != nil {
		p.scaler.UpdateQueueLength(p.pending.len())
	}
	return future
}

// QueueLength reports the outer pending queue's current length.
func (p *Pool) QueueLength() int {
	return p.pending.len()
}

// Resize replaces the live worker set with n freshly spawned workers. The
// previous workers finish whatever has already been handed to them (their
// task channel is closed, not killed) and exit; any tasks still sitting in
// the outer pending queue are untouched and will be picked up by the new
// set on the next submission-loop tick.
func (p *Pool) Resize(n int) error {
	newCh := make(chan *queuedTask, n)
	newWorkers := make([]*managedWorker, 0, n)
	for i := 0; i < n; i++ {
		handle, err := p.spawner.Spawn()
		if err != nil {
			for _, w := range newWorkers {
				_ = w.handle.Close()
			}
			return err
		}
		mw := &managedWorker{handle: handle, doneCh: make(chan struct{})}
		newWorkers = append(newWorkers, mw)
		go p.runWorker(mw, newCh)
	}

	p.mu.Lock()
	oldCh := p.taskCh
	oldWorkers := p.workers
	p.taskCh = newCh
	p.workers = newWorkers
	p.mu.Unlock()

	if oldCh != nil {
		close(oldCh)
	}
	go func() {
		for _, w := range oldWorkers {
			<-w.doneCh
			_ = w.handle.Close()
		}
	}()

	p.logger.Info("workerpool_resized", "workers", n)
	return nil
}

func (p *Pool) runWorker(mw *managedWorker, taskCh chan *queuedTask) {
	defer close(mw.doneCh)
	for task := range taskCh {
		task.future.markRunning()
		result, err := mw.handle.Execute(task.Event, task.Args, task.CorrelationID)
		task.future.complete(result, err)
	}
}

// Start launches the submission loop, which drains the outer pending
// queue into the live worker set at the scaling engine's optimal batch
// size each tick.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.stoppedCh = make(chan struct{})
	p.mu.Unlock()

	go p.submissionLoop(ctx)
}

// Stop halts the submission loop and waits for it to exit. It does not
// tear down live workers; callers should Resize(0) first if a full drain
// is desired.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	stoppedCh := p.stoppedCh
	p.mu.Unlock()
	<-stoppedCh
}

func (p *Pool) submissionLoop(ctx context.Context) {
	defer close(p.stoppedCh)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.submitBatch()
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (p *Pool) submitBatch() {
	batchSize := 1
	if p.scaler != nil {
		batchSize = p.scaler.OptimalBatchSize()
	}

	tasks := p.pending.popUpTo(batchSize)
	if len(tasks) == 0 {
		if p.scaler != nil {
			p.scaler.UpdateQueueLength(0)
		}
		return
	}

	// taskCh is read and sent on under the same lock acquisition so that a
	// concurrent Resize can never close a channel this loop still holds a
	// reference to: Resize must take p.mu to swap p.taskCh, which can only
	// happen once every send below has completed and the lock released.
	p.mu.Lock()
	taskCh := p.taskCh
	for _, t := range tasks {
		if t.future.cancelled() {
			continue
		}
		if taskCh == nil {
			t.future.complete(nil, errNoWorkers)
			continue
		}
		taskCh <- t
	}
	p.mu.Unlock()

	if p.scaler != nil {
		p.scaler.UpdateQueueLength(p.pending.len())
	}
}
