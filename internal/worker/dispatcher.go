package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/rahulbk/email-delivery-service/internal/metrics"
	"github.com/rahulbk/email-delivery-service/internal/queue"
)

// Dispatcher continuously reserves due entries from the delivery queue and
// feeds them to the worker pool.
type Dispatcher struct {
	queue        *queue.Queue
	pool         *Pool
	logger       *slog.Logger
	pollInterval time.Duration
	batchSize    int
	visibility   time.Duration
}

func NewDispatcher(q *queue.Queue, pool *Pool, visibility time.Duration, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		queue:        q,
		pool:         pool,
		logger:       logger,
		pollInterval: 100 * time.Millisecond,
		batchSize:    10,
		visibility:   visibility,
	}
}

// Start begins the polling loop. It runs until the context is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	d.logger.Info("dispatcher started")

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopping")
			return
		case <-ticker.C:
			d.poll(ctx)
		}
	}
}

// poll reserves a batch of due entries and hands them to the workers.
func (d *Dispatcher) poll(ctx context.Context) {
	deliveries, err := d.queue.Reserve(ctx, d.batchSize, d.visibility)
	if err != nil {
		d.logger.Error("failed to reserve queue entries", "error", err)
		return
	}

	for _, del := range deliveries {
		d.pool.Submit(del)
	}

	if depth, err := d.queue.Depth(ctx); err == nil {
		metrics.QueueDepth.Set(float64(depth))
	}
}
