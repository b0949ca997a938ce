// Package target writes migrated data to the destination tracking
// service. The Target interface has two implementations selected once at
// startup: NetworkTarget appends to a live destination run through an
// asynchronous ordered write queue, and SnapshotTarget persists the same
// data to local files for later replay. Downstream code is branch-free.
package target

import (
	"context"
	"errors"

	"github.com/mlops-tools/tracklift/internal/metric"
)

// Migration marker tags on destination experiments and runs.
const (
	// TagMigratedFromProject marks an experiment as owned by this
	// migration. At most one experiment carries it for a given source
	// project name, except the dual-write bypass.
	TagMigratedFromProject = "migrate_from_source_project"

	// TagSourceProjectName records which source project an experiment was
	// migrated from.
	TagSourceProjectName = "source_project_name"

	// TagDualWrite marks an experiment that was already receiving writes
	// from the source side and is reused unconditionally.
	TagDualWrite = "dual_write"

	// TagSourceRunID keys destination runs by the source run's stable
	// identifier; display names are not unique.
	TagSourceRunID = "source_run_id"

	// TagSourceRunName preserves the source run's display name.
	TagSourceRunName = "source_run_name"

	// TagRunGroup preserves the source run's grouping attribute.
	TagRunGroup = "run_group"

	// TagGroupParent marks a run as the synthetic parent standing in for
	// a source run group, with the group name as its value. Parent runs
	// carry no migrated data of their own.
	TagGroupParent = "run_group_parent"

	// TagParentRunID is the destination's native nesting tag; children
	// carrying it render under the parent run in the destination UI.
	TagParentRunID = "mlflow.parentRunId"

	// TagMigrationComplete is the completion marker. Once set, the run is
	// never re-processed; absent or false, the run is considered crashed
	// and its destination artifacts are discarded before re-migration.
	TagMigrationComplete = "migration_complete"
)

// MarkerTrue is the value carried by boolean marker tags.
const MarkerTrue = "True"

// Sentinel errors for callers that branch on outcome.
var (
	// ErrNotFound reports that a looked-up experiment or run does not
	// exist on the destination.
	ErrNotFound = errors.New("target: not found")

	// ErrRunExists reports that a destination target for a source run
	// identifier already exists and crash-resume mode was not indicated.
	ErrRunExists = errors.New("target: run already exists")
)

// Experiment is a destination experiment record.
type Experiment struct {
	ID   string
	Name string
	Tags map[string]string
}

// RunInfo is a destination run record as returned by a search.
type RunInfo struct {
	ID   string
	Name string
	Tags map[string]string
}

// WriterAPI is the destination tracking service as consumed by the
// migration. The HTTP client implements it; tests substitute mocks.
type WriterAPI interface {
	// GetExperimentByName looks up an experiment, returning ErrNotFound
	// if no experiment has the given name.
	GetExperimentByName(ctx context.Context, name string) (*Experiment, error)

	// CreateExperiment creates an experiment and returns its id.
	CreateExperiment(ctx context.Context, name string, tags map[string]string) (string, error)

	// SetExperimentTags merges tags onto an existing experiment.
	SetExperimentTags(ctx context.Context, experimentID string, tags map[string]string) error

	// CreateRun opens a new run under an experiment and returns its id.
	CreateRun(ctx context.Context, experimentID, name string) (string, error)

	// LogBatch appends a metric batch to a run. Calls for a single run
	// are applied in submission order.
	LogBatch(ctx context.Context, runID string, batch metric.Batch) error

	// LogParams records a run's params.
	LogParams(ctx context.Context, runID string, params map[string]string) error

	// SetTags merges tags onto a run.
	SetTags(ctx context.Context, runID string, tags map[string]string) error

	// SearchRuns lists runs of an experiment, optionally filtered by a
	// "tags.key=value" expression.
	SearchRuns(ctx context.Context, experimentID, filter string) ([]RunInfo, error)

	// DeleteRun destroys a run and its data.
	DeleteRun(ctx context.Context, runID string) error
}

// Target is one run's destination handle. Exactly one Target is open at a
// time per run, exclusively owned by the worker migrating that run, and
// finalized by Complete followed by Close.
type Target interface {
	// RunID identifies the destination run or snapshot directory.
	RunID() string

	// LogMetrics submits one experiment-metric batch. Submission is
	// fire-and-forget; batches land in submission order.
	LogMetrics(ctx context.Context, batch metric.Batch) error

	// LogSystemMetrics submits one system-telemetry batch.
	LogSystemMetrics(ctx context.Context, batch metric.Batch) error

	// LogParams records the run's converted configuration.
	LogParams(ctx context.Context, params map[string]string) error

	// SetTags merges tags onto the run.
	SetTags(ctx context.Context, tags map[string]string) error

	// Flush blocks until every previously submitted write has landed and
	// reports the first write failure since the last flush.
	Flush(ctx context.Context) error

	// Complete sets the completion marker. Callers must Flush first so
	// the marker is observably ordered after all prior writes.
	Complete(ctx context.Context) error

	// Close releases the handle. It never sets the completion marker, so
	// an early exit leaves the run detectable as crashed.
	Close() error
}
