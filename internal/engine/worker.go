package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rendis/orchestra/internal/metrics"
)

// PoolMetrics is a snapshot of worker pool activity.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Queued    int64 `json:"queued"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// ErrPoolShutdown is returned when work is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// WorkFunc is one unit of node work.
type WorkFunc func(ctx context.Context) error

// WorkerPool bounds how many node executions run at once.
type WorkerPool struct {
	sem     chan struct{}
	wg      sync.WaitGroup
	metrics PoolMetrics
	mu      sync.Mutex
	done    chan struct{}
	closed  bool
	onPanic func(recovered any)
	onError func(err error)
}

// NewWorkerPool creates a pool with the given max concurrency.
func NewWorkerPool(size int) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	return &WorkerPool{
		sem:  make(chan struct{}, size),
		done: make(chan struct{}),
	}
}

// Size returns the pool's concurrency bound.
func (p *WorkerPool) Size() int { return cap(p.sem) }

// Submit runs fn once a slot is free. It blocks while the pool is full and
// gives up when ctx is done or the pool shuts down.
func (p *WorkerPool) Submit(ctx context.Context, fn WorkFunc) error {
	if !p.track() {
		return ErrPoolShutdown
	}
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		p.untrack()
		return ctx.Err()
	case <-p.done:
		p.untrack()
		return ErrPoolShutdown
	}
	go p.run(ctx, fn)
	return nil
}

// Go queues fn without blocking the caller. Node work re-enters the pool
// from inside running work, so the engine never waits for a slot inline.
func (p *WorkerPool) Go(ctx context.Context, fn WorkFunc) error {
	if !p.track() {
		return ErrPoolShutdown
	}
	go func() {
		select {
		case p.sem <- struct{}{}:
		case <-p.done:
			p.untrack()
			return
		}
		p.run(ctx, fn)
	}()
	return nil
}

// track registers pending work unless the pool is closed. wg.Add must
// happen under mu so Shutdown's Wait cannot race it.
func (p *WorkerPool) track() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.wg.Add(1)
	atomic.AddInt64(&p.metrics.Queued, 1)
	return true
}

func (p *WorkerPool) untrack() {
	atomic.AddInt64(&p.metrics.Queued, -1)
	p.wg.Done()
}

func (p *WorkerPool) run(ctx context.Context, fn WorkFunc) {
	atomic.AddInt64(&p.metrics.Queued, -1)
	atomic.AddInt64(&p.metrics.Active, 1)
	metrics.WorkerBusy.Inc()
	defer func() {
		if r := recover(); r != nil {
			atomic.AddInt64(&p.metrics.Panics, 1)
			atomic.AddInt64(&p.metrics.Failed, 1)
			if p.onPanic != nil {
				p.onPanic(r)
			}
		}
		metrics.WorkerBusy.Dec()
		atomic.AddInt64(&p.metrics.Active, -1)
		<-p.sem
		p.wg.Done()
	}()

	if err := fn(ctx); err != nil {
		atomic.AddInt64(&p.metrics.Failed, 1)
		if p.onError != nil {
			p.onError(err)
		}
		return
	}
	atomic.AddInt64(&p.metrics.Completed, 1)
}

// Wait blocks until all queued and running work completes, including work
// queued by running work.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Shutdown stops accepting work, drops work still waiting for a slot and
// waits for running work to finish.
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

// Metrics returns a snapshot of the current pool metrics.
func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:    atomic.LoadInt64(&p.metrics.Active),
		Queued:    atomic.LoadInt64(&p.metrics.Queued),
		Completed: atomic.LoadInt64(&p.metrics.Completed),
		Failed:    atomic.LoadInt64(&p.metrics.Failed),
		Panics:    atomic.LoadInt64(&p.metrics.Panics),
	}
}

func panicError(r any) error {
	if err, ok := r.(error); ok {
		return fmt.Errorf("panic: %w", err)
	}
	return fmt.Errorf("panic: %v", r)
}
