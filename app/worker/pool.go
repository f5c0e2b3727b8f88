// Package worker provides a small supervised pool for background tasks
// whose lifecycle is owned by the process, not by the request that
// enqueued them.
package worker

import (
	"context"
	"log"
	"sync"
)

// Task is a unit of background work executed by the pool.
type Task func(ctx context.Context)

// Pool runs background tasks on a fixed number of workers. Tasks are
// detached from the caller; the pool context is cancelled only on
// shutdown, and Stop drains queued work before returning.
type Pool struct {
	size   int
	tasks  chan Task
	logger *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool
}

// NewPool creates a pool with the given worker count and queue capacity.
func NewPool(size, queueCapacity int, logger *log.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	if queueCapacity < 1 {
		queueCapacity = size
	}
	if logger == nil {
		logger = log.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		size:   size,
		tasks:  make(chan Task, queueCapacity),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the workers. Calling Start more than once is a no-op.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopped {
		return
	}
	p.started = true

	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Printf("Worker pool started with %d workers", p.size)
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for task := range p.tasks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					p.logger.Printf("Worker %d recovered from panic: %v", id, r)
				}
			}()
			task(p.ctx)
		}()
	}
}

// Submit enqueues a task. It returns false when the pool is stopped or
// the queue is full; callers decide whether to run inline or drop.
func (p *Pool) Submit(task Task) bool {
	// The lock is held across the send so Stop cannot close the queue
	// between the stopped check and the enqueue.
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped || !p.started {
		return false
	}
	select {
	case p.tasks <- task:
		return true
	default:
		return false
	}
}

// Stop closes the queue, waits for in-flight and queued tasks to
// finish, then cancels the pool context.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	wasStarted := p.started
	p.stopped = true
	if wasStarted {
		close(p.tasks)
	}
	p.mu.Unlock()

	if !wasStarted {
		p.cancel()
		return
	}

	p.wg.Wait()
	p.cancel()
	p.logger.Printf("Worker pool stopped")
}
