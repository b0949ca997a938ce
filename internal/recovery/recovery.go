// Package recovery implements crash-resume for interrupted migrations.
// A run missing the completion marker was mid-flight when the previous
// process died; it is deleted so the driver can re-migrate it whole.
// Finished runs are reported back so the driver skips them.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/mlops-tools/tracklift/internal/snapshot"
	"github.com/mlops-tools/tracklift/internal/target"
)

// ErrExperimentMissing reports that the experiment a resume was pointed at
// does not exist or is not migration-owned. Resuming must never create a
// fresh experiment silently.
var ErrExperimentMissing = errors.New("recovery: migration experiment not found")

// Report summarizes one recovery pass.
type Report struct {
	// Finished holds the source run ids that carry the completion
	// marker and must not be migrated again.
	Finished map[string]struct{}
	// Reaped counts the partial runs that were deleted.
	Reaped int
}

// Manager scans a destination experiment and reaps partial runs.
type Manager interface {
	Recover(ctx context.Context) (*Report, error)
}

// NetworkManager recovers against the live destination service.
type NetworkManager struct {
	writer         target.WriterAPI
	logger         *slog.Logger
	experimentName string
}

// NewNetworkManager creates a recovery manager for the named experiment.
func NewNetworkManager(writer target.WriterAPI, logger *slog.Logger, experimentName string) *NetworkManager {
	return &NetworkManager{writer: writer, logger: logger, experimentName: experimentName}
}

// Recover locates the experiment, deletes every run without the
// completion marker, and returns the finished source run ids.
func (m *NetworkManager) Recover(ctx context.Context) (*Report, error) {
	exp, err := m.writer.GetExperimentByName(ctx, m.experimentName)
	if errors.Is(err, target.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrExperimentMissing, m.experimentName)
	}
	if err != nil {
		return nil, fmt.Errorf("recovery: look up experiment %s: %w", m.experimentName, err)
	}
	if exp.Tags[target.TagMigratedFromProject] != target.MarkerTrue {
		return nil, fmt.Errorf("%w: experiment %s exists but is not migration-owned", ErrExperimentMissing, m.experimentName)
	}

	runs, err := m.writer.SearchRuns(ctx, exp.ID, "")
	if err != nil {
		return nil, fmt.Errorf("recovery: list runs: %w", err)
	}

	report := &Report{Finished: make(map[string]struct{})}
	for _, run := range runs {
		if run.Tags[target.TagMigrationComplete] == target.MarkerTrue {
			if src := run.Tags[target.TagSourceRunID]; src != "" {
				report.Finished[src] = struct{}{}
			}
			continue
		}
		m.logger.Warn("reaping partial run",
			"run_id", run.ID,
			"source_run_id", run.Tags[target.TagSourceRunID])
		if err := m.writer.DeleteRun(ctx, run.ID); err != nil {
			return nil, fmt.Errorf("recovery: delete partial run %s: %w", run.ID, err)
		}
		report.Reaped++
	}

	m.logger.Info("recovery scan complete",
		"finished", len(report.Finished),
		"reaped", report.Reaped)
	return report, nil
}

// SnapshotManager recovers against a local snapshot experiment directory.
type SnapshotManager struct {
	experimentDir string
	logger        *slog.Logger
}

// NewSnapshotManager creates a recovery manager for an experiment dir.
func NewSnapshotManager(experimentDir string, logger *slog.Logger) *SnapshotManager {
	return &SnapshotManager{experimentDir: experimentDir, logger: logger}
}

// Recover deletes every run directory without the completion marker and
// returns the finished run directory names, which are source run ids.
func (m *SnapshotManager) Recover(ctx context.Context) (*Report, error) {
	tags, err := snapshot.ReadTags(m.experimentDir)
	if err != nil {
		return nil, fmt.Errorf("recovery: read experiment tags: %w", err)
	}
	if tags[target.TagMigratedFromProject] != target.MarkerTrue {
		return nil, fmt.Errorf("%w: %s", ErrExperimentMissing, m.experimentDir)
	}

	entries, err := os.ReadDir(m.experimentDir)
	if err != nil {
		return nil, fmt.Errorf("recovery: list run dirs: %w", err)
	}

	report := &Report{Finished: make(map[string]struct{})}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		runDir := filepath.Join(m.experimentDir, e.Name())
		runTags, err := snapshot.ReadTags(runDir)
		if err != nil {
			return nil, fmt.Errorf("recovery: read tags for %s: %w", e.Name(), err)
		}
		if runTags[target.TagMigrationComplete] == target.MarkerTrue {
			report.Finished[e.Name()] = struct{}{}
			continue
		}
		m.logger.Warn("reaping partial run dir", "dir", runDir)
		if err := os.RemoveAll(runDir); err != nil {
			return nil, fmt.Errorf("recovery: remove partial run dir %s: %w", runDir, err)
		}
		report.Reaped++
	}

	m.logger.Info("recovery scan complete",
		"finished", len(report.Finished),
		"reaped", report.Reaped)
	return report, nil
}
