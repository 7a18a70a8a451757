package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rendis/defiflow/pkg/schema"
)

// PoolMetrics tracks worker pool operational metrics.
type PoolMetrics struct {
	Queued    int64 `json:"queued"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// ErrPoolShutdown is returned when work is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// WorkerPool bounds how many executions run at once. Launching never blocks
// the caller: work waits for a slot in its own goroutine.
type WorkerPool struct {
	sem     chan struct{}
	wg      sync.WaitGroup
	metrics PoolMetrics
	mu      sync.Mutex
	closed  bool
}

// NewWorkerPool creates a pool with the given max concurrency.
func NewWorkerPool(size int) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	return &WorkerPool{
		sem: make(chan struct{}, size),
	}
}

// Go launches fn and returns immediately. fn starts once a slot is free.
// Work accepted before Shutdown always runs; fn observes ctx for cancellation.
// Returns ErrPoolShutdown if the pool has been shut down.
func (p *WorkerPool) Go(ctx context.Context, fn func(ctx context.Context) error) error {
	// wg.Add(1) MUST be inside the lock to prevent race with Shutdown's wg.Wait().
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	atomic.AddInt64(&p.metrics.Queued, 1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()

		p.sem <- struct{}{}
		atomic.AddInt64(&p.metrics.Queued, -1)
		atomic.AddInt64(&p.metrics.Active, 1)

		defer func() {
			if r := recover(); r != nil {
				atomic.AddInt64(&p.metrics.Panics, 1)
				atomic.AddInt64(&p.metrics.Failed, 1)
			}
			atomic.AddInt64(&p.metrics.Active, -1)
			<-p.sem // release slot
		}()

		err := fn(ctx)
		switch {
		case err == nil:
			atomic.AddInt64(&p.metrics.Completed, 1)
		case schema.IsCode(err, schema.ErrCodePanic):
			atomic.AddInt64(&p.metrics.Panics, 1)
			atomic.AddInt64(&p.metrics.Failed, 1)
		default:
			atomic.AddInt64(&p.metrics.Failed, 1)
		}
	}()

	return nil
}

// Wait blocks until all launched work completes.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Shutdown prevents new launches and waits for all accepted work to complete.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.wg.Wait()
}

// Metrics returns a snapshot of the current pool metrics.
func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Queued:    atomic.LoadInt64(&p.metrics.Queued),
		Active:    atomic.LoadInt64(&p.metrics.Active),
		Completed: atomic.LoadInt64(&p.metrics.Completed),
		Failed:    atomic.LoadInt64(&p.metrics.Failed),
		Panics:    atomic.LoadInt64(&p.metrics.Panics),
	}
}
