package worker

import (
	"context"
	"testing"
	"time"

	"github.com/rahulbk/email-delivery-service/internal/queue"
)

// A SIGTERM under load can leave the dispatcher parked in Submit on a full
// jobs channel while the workers have already exited. Stop must unblock
// that Submit instead of crashing the process.
func TestPool_StopUnblocksParkedSubmit(t *testing.T) {
	p, _, _ := setupProcessor(t, &fakeSender{})
	pool := NewPool(1, p, p.logger)

	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)

	// Shut the worker down, then keep submitting until the buffer is full
	// and one more Submit parks.
	cancel()
	time.Sleep(10 * time.Millisecond)

	for i := 0; i < cap(pool.jobs); i++ {
		pool.Submit(queue.Delivery{})
	}

	parked := make(chan struct{})
	go func() {
		pool.Submit(queue.Delivery{})
		close(parked)
	}()
	time.Sleep(10 * time.Millisecond)

	pool.Stop()

	select {
	case <-parked:
	case <-time.After(time.Second):
		t.Fatal("Submit stayed parked after Stop")
	}
}

// Stopping an idle pool with no cancelled context must also terminate all
// workers.
func TestPool_StopTerminatesIdleWorkers(t *testing.T) {
	p, _, _ := setupProcessor(t, &fakeSender{})
	pool := NewPool(4, p, p.logger)

	pool.Start(context.Background())

	done := make(chan struct{})
	go func() {
		pool.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}
}
