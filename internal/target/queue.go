package target

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// writeOp is one pending destination write.
type writeOp struct {
	name    string
	run     string
	apply   func(ctx context.Context) error
	barrier chan struct{} // non-nil marks a flush barrier
}

// Queue serializes destination writes on a single background goroutine.
// Submission is fire-and-forget for the caller, but ops execute strictly
// in submission order, so metric batches for a run land in the order they
// were produced. Flush acts as a blocking barrier.
type Queue struct {
	logger *slog.Logger
	ops    chan writeOp

	pending atomic.Int64

	mu       sync.Mutex
	writeErr error // first write failure since the last Flush

	wg sync.WaitGroup
}

// NewQueue creates a queue buffering up to size pending writes. Enqueueing
// beyond the buffer blocks, bounding memory between flush barriers.
func NewQueue(logger *slog.Logger, size int) *Queue {
	if size <= 0 {
		size = 64
	}
	return &Queue{
		logger: logger,
		ops:    make(chan writeOp, size),
	}
}

// Start launches the writer goroutine. Call Close to stop it.
func (q *Queue) Start(ctx context.Context) {
	q.wg.Add(1)
	go q.run(ctx)
}

func (q *Queue) run(ctx context.Context) {
	defer q.wg.Done()
	for op := range q.ops {
		if op.barrier != nil {
			close(op.barrier)
			continue
		}
		if err := op.apply(ctx); err != nil {
			q.logger.Error("destination write failed",
				"op", op.name,
				"run_id", op.run,
				"error", err)
			q.mu.Lock()
			if q.writeErr == nil {
				q.writeErr = fmt.Errorf("%s for run %s: %w", op.name, op.run, err)
			}
			q.mu.Unlock()
		}
		q.pending.Add(-1)
	}
}

// Enqueue submits a write. It blocks only when the buffer is full.
func (q *Queue) Enqueue(name, run string, apply func(ctx context.Context) error) {
	q.pending.Add(1)
	q.ops <- writeOp{name: name, run: run, apply: apply}
}

// Pending returns the number of writes waiting to be applied.
func (q *Queue) Pending() int64 {
	return q.pending.Load()
}

// Flush blocks until every write submitted before it has been applied,
// then returns and clears the first write failure recorded since the
// previous barrier. The driver calls it after each run and at coarse
// checkpoints so the completion marker is ordered after all prior writes.
func (q *Queue) Flush(ctx context.Context) error {
	barrier := make(chan struct{})
	q.ops <- writeOp{barrier: barrier}

	select {
	case <-barrier:
	case <-ctx.Done():
		return ctx.Err()
	}

	q.mu.Lock()
	err := q.writeErr
	q.writeErr = nil
	q.mu.Unlock()
	return err
}

// Close stops accepting writes, drains the remaining ones, and returns
// any unreported write failure.
func (q *Queue) Close() error {
	close(q.ops)
	q.wg.Wait()

	q.mu.Lock()
	err := q.writeErr
	q.writeErr = nil
	q.mu.Unlock()
	return err
}
