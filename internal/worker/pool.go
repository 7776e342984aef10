package worker

import (
	"context"
	"log/slog"
	"sync"

	"github.com/rahulbk/email-delivery-service/internal/queue"
)

// Pool manages a fixed number of worker goroutines that process reserved
// queue entries.
type Pool struct {
	numWorkers int
	jobs       chan queue.Delivery
	quit       chan struct{}
	processor  *Processor
	logger     *slog.Logger
	wg         sync.WaitGroup
}

// NewPool creates a worker pool with the given number of workers.
func NewPool(numWorkers int, processor *Processor, logger *slog.Logger) *Pool {
	return &Pool{
		numWorkers: numWorkers,
		jobs:       make(chan queue.Delivery, numWorkers*2),
		quit:       make(chan struct{}),
		processor:  processor,
		logger:     logger,
	}
}

// Start launches all worker goroutines. They read from the jobs channel
// until the pool is stopped or the context is cancelled.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.numWorkers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	p.logger.Info("worker pool started", "num_workers", p.numWorkers)
}

// Submit sends a reserved entry to the worker pool. A Submit parked on a
// full jobs channel unblocks when the pool stops instead of panicking; the
// dropped entry stays reserved and is redelivered after its visibility
// deadline.
func (p *Pool) Submit(d queue.Delivery) {
	select {
	case p.jobs <- d:
	case <-p.quit:
	}
}

// Stop signals all workers and waits for them to finish. Entries still
// buffered or reserved at shutdown are redelivered after their visibility
// deadline.
func (p *Pool) Stop() {
	close(p.quit)
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

// worker is a single goroutine that processes entries from the channel.
func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.quit:
			return
		case d := <-p.jobs:
			p.processor.Process(ctx, d)
		}
	}
}
