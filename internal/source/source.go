// Package source reads runs and metric history from the originating
// tracking service, either live over its paginated HTTP API or by
// replaying snapshot files persisted during a prior dry run.
package source

import (
	"context"
	"time"

	"github.com/mlops-tools/tracklift/internal/convert"
	"github.com/mlops-tools/tracklift/internal/metric"
)

// RunDescriptor identifies one source run. It is read once per run and is
// immutable for the duration of migrating that run.
type RunDescriptor struct {
	// ID is the source's stable run identifier. Display names are not
	// guaranteed unique, so all destination artifacts are keyed by ID.
	ID        string
	Name      string
	Group     string
	CreatedAt time.Time

	// Config is the run's configuration mapping, loaded via ReadConfig.
	Config map[string]any
}

// Reader is the source tracking service as consumed by the migration. The
// HTTP client implements it; tests substitute mocks.
type Reader interface {
	// ListRuns enumerates all runs of a project.
	ListRuns(ctx context.Context, project string) ([]RunDescriptor, error)

	// ReadConfig loads a run's configuration key/value mapping.
	ReadConfig(ctx context.Context, runID string) (map[string]any, error)

	// SampleHistory returns the sampled history row set used to detect
	// single-observation metric keys before the full scan begins.
	SampleHistory(ctx context.Context, runID string) ([]convert.Row, error)

	// ScanMetricRows streams a run's full metric history row by row. Once
	// started, a run's stream is consumed to completion or abandoned; it
	// is not restartable mid-run.
	ScanMetricRows(ctx context.Context, runID string, fn func(convert.Row) error) error

	// ScanSystemRows streams a run's system telemetry rows with their
	// row index, which doubles as the telemetry timestamp surrogate.
	ScanSystemRows(ctx context.Context, runID string, fn func(index int64, row convert.Row) error) error
}

// Stream supplies one run's converted metric batches. Batches are
// candidates for the batch accumulator; the accumulator is agnostic to
// whether they came from the live service or from snapshot replay.
type Stream interface {
	// Metrics emits one candidate batch per source history row (live) or
	// per file pass (replay), in submission order.
	Metrics(ctx context.Context, emit func(metric.Batch) error) error

	// SystemMetrics emits the device-indexed and scalar host sub-batches
	// of each telemetry row together, so callers can keep them on the
	// same side of a flush boundary.
	SystemMetrics(ctx context.Context, emit func(device, host metric.Batch) error) error
}
