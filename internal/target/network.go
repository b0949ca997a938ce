package target

import (
	"context"

	"github.com/mlops-tools/tracklift/internal/metric"
)

// NetworkTarget is a live destination run handle. Metric and param writes
// are enqueued fire-and-forget on the shared write queue; tags are written
// synchronously because the resolver and recovery manager read them back.
type NetworkTarget struct {
	writer WriterAPI
	queue  *Queue
	runID  string
}

// NewNetworkTarget wraps an open destination run.
func NewNetworkTarget(writer WriterAPI, queue *Queue, runID string) *NetworkTarget {
	return &NetworkTarget{writer: writer, queue: queue, runID: runID}
}

// RunID returns the destination run id.
func (t *NetworkTarget) RunID() string {
	return t.runID
}

// LogMetrics enqueues one metric batch. Empty final-flush batches are
// accepted and complete immediately without an API call.
func (t *NetworkTarget) LogMetrics(ctx context.Context, batch metric.Batch) error {
	if len(batch) == 0 {
		return nil
	}
	t.queue.Enqueue("log batch", t.runID, func(ctx context.Context) error {
		return t.writer.LogBatch(ctx, t.runID, batch)
	})
	return nil
}

// LogSystemMetrics enqueues one telemetry batch. The live write API does
// not distinguish telemetry from experiment metrics.
func (t *NetworkTarget) LogSystemMetrics(ctx context.Context, batch metric.Batch) error {
	return t.LogMetrics(ctx, batch)
}

// LogParams enqueues the run's params.
func (t *NetworkTarget) LogParams(ctx context.Context, params map[string]string) error {
	if len(params) == 0 {
		return nil
	}
	t.queue.Enqueue("log params", t.runID, func(ctx context.Context) error {
		return t.writer.LogParams(ctx, t.runID, params)
	})
	return nil
}

// SetTags writes tags synchronously.
func (t *NetworkTarget) SetTags(ctx context.Context, tags map[string]string) error {
	return t.writer.SetTags(ctx, t.runID, tags)
}

// Flush waits for every enqueued write to land.
func (t *NetworkTarget) Flush(ctx context.Context) error {
	return t.queue.Flush(ctx)
}

// Complete sets the completion marker tag.
func (t *NetworkTarget) Complete(ctx context.Context) error {
	return t.writer.SetTags(ctx, t.runID, map[string]string{TagMigrationComplete: MarkerTrue})
}

// Close releases the handle. The queue is shared across runs and is shut
// down by its owner, not here.
func (t *NetworkTarget) Close() error {
	return nil
}
