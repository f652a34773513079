package worker

import (
	"context"
	"log"
	"sync"
	"time"

	"tradehook/internal/queue"
)

// Dequeuer is the consuming side of the job queue.
type Dequeuer interface {
	Dequeue(timeout time.Duration) (queue.Envelope, bool)
}

// Pool runs a fixed set of worker goroutines draining the queue. The pool
// owns its cancellation: Stop cancels the shared context and waits for
// in-flight jobs to finish.
type Pool struct {
	queue          Dequeuer
	executor       *Executor
	workers        int
	dequeueTimeout time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPool(q Dequeuer, executor *Executor, workers int, dequeueTimeout time.Duration) *Pool {
	if workers <= 0 {
		workers = 4
	}
	if dequeueTimeout <= 0 {
		dequeueTimeout = time.Second
	}
	return &Pool{
		queue:          q,
		executor:       executor,
		workers:        workers,
		dequeueTimeout: dequeueTimeout,
	}
}

// Start launches the workers under a context derived from parent.
func (p *Pool) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	p.cancel = cancel

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run(ctx, i)
	}
	log.Printf("✓ worker pool started: %d workers", p.workers)
}

func (p *Pool) run(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		env, ok := p.queue.Dequeue(p.dequeueTimeout)
		if !ok {
			continue
		}
		p.executor.Process(ctx, env)
	}
}

// Stop cancels the workers and waits for in-flight jobs.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	log.Printf("✓ worker pool stopped")
}
