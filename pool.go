package loader

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Pool is a fixed set of workers draining a bounded task queue.
type Pool struct {
	tasks chan func()
	wg    sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func NewPool(workers, queue int) *Pool {
	p := &Pool{tasks: make(chan func(), max(queue, 0))}
	for i := range max(workers, 1) {
		p.wg.Go(func() { p.worker(i) })
	}
	return p
}

func (p *Pool) worker(num int) {
	logger := zap.S().With("worker_num", num)
	logger.Debugw("worker is starting up")
	for task := range p.tasks {
		task()
	}
	logger.Debugw("worker has no work left")
}

// Submit blocks until a worker or a queue slot takes the task, the context is
// done or the pool is shut down.
func (p *Pool) Submit(ctx context.Context, task func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.tasks <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops accepting tasks and waits up to grace for the queued and
// running ones. A non-positive grace waits forever. Calling it twice is a
// no-op wait.
func (p *Pool) Shutdown(grace time.Duration) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.tasks)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	if grace <= 0 {
		<-done
		return nil
	}
	select {
	case <-done:
		return nil
	case <-time.After(grace):
		return ErrPoolShutdownTimeout
	}
}
