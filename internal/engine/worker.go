package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// PoolMetrics is a point-in-time snapshot of pool activity. Active counts
// tasks currently holding a slot; a panicking task counts as both a panic
// and a failure.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// ErrPoolShutdown is returned by Submit once the pool has stopped accepting
// work.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// WorkerPool bounds how many executions make progress at once. The engine
// submits whole runs and the step queue submits individual rerun attempts;
// both draw from the same slots, so a burst of reruns cannot push concurrency
// past the configured width. Steps inside one execution never run
// concurrently; the bound applies across executions.
type WorkerPool struct {
	sem     chan struct{}
	wg      sync.WaitGroup
	metrics PoolMetrics
	mu      sync.Mutex
	done    chan struct{}
	closed  bool
}

// NewWorkerPool creates a pool running at most size tasks at once.
func NewWorkerPool(size int) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	return &WorkerPool{
		sem:  make(chan struct{}, size),
		done: make(chan struct{}),
	}
}

// Submit hands a task to the pool. It blocks until a slot frees up, the
// context is cancelled, or the pool shuts down; a nil return means the task
// is running on its own goroutine.
func (p *WorkerPool) Submit(ctx context.Context, task func(ctx context.Context) error) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolShutdown
	}
	p.mu.Unlock()

	select {
	case p.sem <- struct{}{}:
		// Slot acquired.
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrPoolShutdown
	}

	// Shutdown may have won the race for the slot. The wg.Add must happen
	// under the lock so Shutdown's wg.Wait cannot miss a late submission.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.sem
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	atomic.AddInt64(&p.metrics.Active, 1)
	p.mu.Unlock()

	go func() {
		defer p.finish()
		if err := task(ctx); err != nil {
			atomic.AddInt64(&p.metrics.Failed, 1)
			return
		}
		atomic.AddInt64(&p.metrics.Completed, 1)
	}()

	return nil
}

// finish releases a task's slot and absorbs its panic, if any. A panic in
// one step attempt must not take down the other executions in flight.
func (p *WorkerPool) finish() {
	if r := recover(); r != nil {
		atomic.AddInt64(&p.metrics.Panics, 1)
		atomic.AddInt64(&p.metrics.Failed, 1)
	}
	atomic.AddInt64(&p.metrics.Active, -1)
	<-p.sem
	p.wg.Done()
}

// Wait blocks until every submitted task has finished.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Shutdown stops accepting new tasks and waits for the in-flight ones to
// drain. Safe to call more than once.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()
}

// Metrics returns a snapshot of the pool counters.
func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:    atomic.LoadInt64(&p.metrics.Active),
		Completed: atomic.LoadInt64(&p.metrics.Completed),
		Failed:    atomic.LoadInt64(&p.metrics.Failed),
		Panics:    atomic.LoadInt64(&p.metrics.Panics),
	}
}
