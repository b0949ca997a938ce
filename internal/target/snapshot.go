package target

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mlops-tools/tracklift/internal/metric"
	"github.com/mlops-tools/tracklift/internal/snapshot"
)

// SnapshotTarget persists a run's converted data to a local directory in
// the snapshot layout instead of the live destination service. Writes are
// synchronous; per-key file handles stay open across batches and are
// released by Close.
type SnapshotTarget struct {
	dir   string
	runID string
	files map[string]*os.File
}

// OpenSnapshotTarget creates the run directory under the experiment
// directory, keyed by the source run's stable identifier. It returns
// ErrRunExists if the directory already exists.
func OpenSnapshotTarget(experimentDir, runID string) (*SnapshotTarget, error) {
	dir := filepath.Join(experimentDir, runID)
	if err := os.Mkdir(dir, 0o755); err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("%w: %s (set resume-from-crash to reap partial runs)", ErrRunExists, dir)
		}
		return nil, fmt.Errorf("target: create run dir: %w", err)
	}
	return &SnapshotTarget{dir: dir, runID: runID, files: make(map[string]*os.File)}, nil
}

// RunID returns the source run identifier the directory is keyed by.
func (t *SnapshotTarget) RunID() string {
	return t.runID
}

// Dir returns the run directory.
func (t *SnapshotTarget) Dir() string {
	return t.dir
}

// LogMetrics appends each point to its per-key file under metrics/.
func (t *SnapshotTarget) LogMetrics(ctx context.Context, batch metric.Batch) error {
	return t.appendBatch(snapshot.MetricsDir, batch)
}

// LogSystemMetrics appends each point to its per-key file under
// system_metrics/ so replay can stream the two classes independently.
func (t *SnapshotTarget) LogSystemMetrics(ctx context.Context, batch metric.Batch) error {
	return t.appendBatch(snapshot.SystemMetricsDir, batch)
}

func (t *SnapshotTarget) appendBatch(subdir string, batch metric.Batch) error {
	if len(batch) == 0 {
		return nil
	}
	if err := os.MkdirAll(filepath.Join(t.dir, subdir), 0o755); err != nil {
		return fmt.Errorf("target: create %s dir: %w", subdir, err)
	}
	for _, p := range batch {
		f, err := t.file(subdir, p.Key)
		if err != nil {
			return err
		}
		if _, err := f.WriteString(snapshot.FormatPoint(p)); err != nil {
			return fmt.Errorf("target: append metric %s: %w", p.Key, err)
		}
	}
	return nil
}

func (t *SnapshotTarget) file(subdir, key string) (*os.File, error) {
	path := filepath.Join(t.dir, subdir, snapshot.FileNameForKey(key))
	if f, ok := t.files[path]; ok {
		return f, nil
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("target: open metric file for %s: %w", key, err)
	}
	t.files[path] = f
	return f, nil
}

// LogParams writes the run's params as a single JSON object.
func (t *SnapshotTarget) LogParams(ctx context.Context, params map[string]string) error {
	return snapshot.WriteParams(t.dir, params)
}

// SetTags appends tags to the run's tag file.
func (t *SnapshotTarget) SetTags(ctx context.Context, tags map[string]string) error {
	return snapshot.AppendTags(t.dir, tags)
}

// Flush is a no-op; snapshot writes are synchronous.
func (t *SnapshotTarget) Flush(ctx context.Context) error {
	return nil
}

// Complete sets the completion marker tag.
func (t *SnapshotTarget) Complete(ctx context.Context) error {
	return snapshot.AppendTags(t.dir, map[string]string{TagMigrationComplete: MarkerTrue})
}

// Close releases the open per-key file handles.
func (t *SnapshotTarget) Close() error {
	var firstErr error
	for _, f := range t.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	t.files = make(map[string]*os.File)
	return firstErr
}
