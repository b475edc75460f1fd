// Package workerpool runs transfers, verifications and ledger writes on a fixed
// number of goroutines.
package workerpool

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/italolelis/firmware_updater/internal/logctx"
)

// Task is a unit of work submitted to the pool. ctx is cancelled when the pool drains.
type Task func(ctx context.Context)

// ErrorRecorder counts failures, see telemetry.Telemetry.RecordSystemError.
type ErrorRecorder interface {
	RecordSystemError(component, errorType string)
}

// Option configures a Pool.
type Option func(p *Pool)

// WithErrorRecorder reports recovered task panics to r.
func WithErrorRecorder(r ErrorRecorder) Option {
	return func(p *Pool) { p.errors = r }
}

// Pool is a bounded goroutine pool with a fixed-size task queue.
type Pool struct {
	name       string
	logger     *slog.Logger
	errors     ErrorRecorder
	maxWorkers int
	queue      chan Task
	wg         sync.WaitGroup
	mu         sync.RWMutex
	accepting  bool
	stopOnce   sync.Once
	closeOnce  sync.Once
	stopChan   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a pool with maxWorkers goroutines and a task queue of queueSize.
// Tasks inherit the logger of ctx.
func New(ctx context.Context, name string, maxWorkers, queueSize int, opts ...Option) *Pool {
	if maxWorkers < 1 {
		maxWorkers = 1
	}

	if queueSize < 1 {
		queueSize = 1
	}

	logger := logctx.LoggerFromContext(ctx).With("pool", name)
	poolCtx, cancel := context.WithCancel(logctx.WithLogger(context.WithoutCancel(ctx), logger))

	p := &Pool{
		name:       name,
		logger:     logger,
		maxWorkers: maxWorkers,
		queue:      make(chan Task, queueSize),
		stopChan:   make(chan struct{}),
		ctx:        poolCtx,
		cancel:     cancel,
	}
	p.accepting = true

	for _, opt := range opts {
		opt(p)
	}

	for i := 0; i < maxWorkers; i++ {
		go p.worker()
	}

	logger.Debug("worker pool started", "workers", maxWorkers, "queue_size", queueSize)

	return p
}

// Context is cancelled once the pool has drained.
func (p *Pool) Context() context.Context {
	return p.ctx
}

// Submit enqueues a task. Returns false if the pool is stopped or the queue is full.
// wg.Add is called before the enqueue so Drain cannot miss the task.
func (p *Pool) Submit(task Task) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.accepting {
		return false
	}

	p.wg.Add(1)
	select {
	case p.queue <- task:
		return true
	default:
		p.wg.Done()
		p.logger.Warn("worker pool queue full, task rejected")

		return false
	}
}

// StopAccepting prevents new tasks from being submitted.
func (p *Pool) StopAccepting() {
	p.mu.Lock()
	p.accepting = false
	p.mu.Unlock()
}

// Drain waits for all in-flight and queued tasks to complete, respecting the
// context deadline. The pool stops accepting work first.
func (p *Pool) Drain(ctx context.Context) {
	p.StopAccepting()
	p.stopOnce.Do(func() {
		close(p.stopChan)
	})

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Debug("worker pool drained")
	case <-ctx.Done():
		p.logger.Warn("worker pool drain timed out")
	}

	p.cancel()

	p.closeOnce.Do(func() {
		close(p.queue)
	})
}

// Shutdown is Drain under another name, for symmetry with http.Server.
func (p *Pool) Shutdown(ctx context.Context) {
	p.Drain(ctx)
}

func (p *Pool) worker() {
	for {
		select {
		case task, ok := <-p.queue:
			if !ok {
				return
			}

			p.runTask(task)
		case <-p.stopChan:
			for {
				select {
				case task, ok := <-p.queue:
					if !ok {
						return
					}

					p.runTask(task)
				default:
					return
				}
			}
		}
	}
}

// runTask executes a single task with panic recovery. wg.Done matches the wg.Add in Submit.
func (p *Pool) runTask(task Task) {
	defer p.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task panicked", "panic", r, "stack", string(debug.Stack()))

			if p.errors != nil {
				p.errors.RecordSystemError("workerpool_"+p.name, "panic")
			}
		}
	}()

	task(p.ctx)
}
