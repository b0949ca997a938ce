// Package driver orchestrates a migration end to end: it lists source
// runs, applies the skip rules, and moves each admitted run through
// resolve, convert, batch, and write, with a flush barrier before the
// completion marker so a crash can never leave a marked-but-partial run.
package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mlops-tools/tracklift/internal/batch"
	"github.com/mlops-tools/tracklift/internal/config"
	"github.com/mlops-tools/tracklift/internal/convert"
	"github.com/mlops-tools/tracklift/internal/journal"
	"github.com/mlops-tools/tracklift/internal/metric"
	"github.com/mlops-tools/tracklift/internal/recovery"
	"github.com/mlops-tools/tracklift/internal/resolve"
	"github.com/mlops-tools/tracklift/internal/snapshot"
	"github.com/mlops-tools/tracklift/internal/source"
	"github.com/mlops-tools/tracklift/internal/stats"
	"github.com/mlops-tools/tracklift/internal/target"
)

const queueDepthInterval = 30 * time.Second

// Deps are the wired collaborators the driver runs with. Reader is nil
// when replaying a snapshot; Queue is nil when writing one; Recovery is
// nil unless resuming from a crash; Journal is optional.
type Deps struct {
	Logger   *slog.Logger
	Reader   source.Reader
	Resolver resolve.Resolver
	Queue    *target.Queue
	Recovery recovery.Manager
	Journal  *journal.Journal
}

// Driver runs one migration invocation.
type Driver struct {
	cfg  *config.Config
	deps Deps

	collector  *stats.Collector
	exclusions *convert.Exclusions
	filter     *nameFilter
	sessionID  string
}

// New validates the wiring and builds a driver.
func New(cfg *config.Config, deps Deps) (*Driver, error) {
	if deps.Resolver == nil {
		return nil, errors.New("driver: resolver is required")
	}
	if !cfg.Migration.ResumeFromDryRun && deps.Reader == nil {
		return nil, errors.New("driver: source reader is required outside replay mode")
	}
	exclusions, err := convert.NewExclusions(cfg.Migration.MetricExcludes)
	if err != nil {
		return nil, fmt.Errorf("driver: %w", err)
	}
	filter, err := newNameFilter(cfg.Migration.RunNameFilters)
	if err != nil {
		return nil, err
	}
	return &Driver{
		cfg:        cfg,
		deps:       deps,
		collector:  stats.NewCollector(),
		exclusions: exclusions,
		filter:     filter,
	}, nil
}

// Run executes the migration and blocks until it finishes.
func (d *Driver) Run(ctx context.Context) error {
	logger := d.deps.Logger
	logger.Info("starting migration",
		"project", d.cfg.Source.Project,
		"mode", d.cfg.Mode(),
		"batch_size", d.cfg.Migration.BatchSize)

	if d.deps.Journal != nil {
		session, err := d.deps.Journal.StartSession(d.cfg.Source.Project, d.experimentName(), d.cfg.Mode())
		if err != nil {
			return err
		}
		d.sessionID = session.ID
		defer func() {
			if err := d.deps.Journal.FinishSession(d.sessionID); err != nil {
				logger.Error("failed to finish journal session", "error", err)
			}
		}()
	}

	finished := map[string]struct{}{}
	if d.cfg.Migration.ResumeFromCrash {
		if d.deps.Recovery == nil {
			return errors.New("driver: resume-from-crash requires a recovery manager")
		}
		report, err := d.deps.Recovery.Recover(ctx)
		if err != nil {
			return err
		}
		finished = report.Finished
	}

	if _, err := d.deps.Resolver.ResolveExperiment(ctx); err != nil {
		return err
	}

	existing := map[string]struct{}{}
	if d.cfg.Migration.SkipExisting {
		var err error
		existing, err = d.deps.Resolver.ExistingRuns(ctx)
		if err != nil {
			return err
		}
	}

	runs, err := d.listRuns(ctx)
	if err != nil {
		return err
	}
	logger.Info("listed source runs", "count", len(runs))

	admitted := make([]source.RunDescriptor, 0, len(runs))
	for _, run := range runs {
		if reason := d.skipReason(run, finished, existing); reason != "" {
			logger.Info("skipping run", "run_id", run.ID, "name", run.Name, "reason", reason)
			d.recordSkip(run, reason)
			continue
		}
		admitted = append(admitted, run)
	}

	if d.deps.Queue != nil {
		stop := d.startQueueDepthTicker(ctx)
		defer stop()
	}

	if d.cfg.Migration.ResumeFromDryRun && d.cfg.Migration.Workers > 1 {
		err = d.migrateParallel(ctx, admitted)
	} else {
		err = d.migrateSequential(ctx, admitted)
	}
	if err != nil {
		return err
	}

	d.collector.LogSummary(logger)
	return nil
}

func (d *Driver) experimentName() string {
	if d.cfg.Migration.ExperimentName != "" {
		return d.cfg.Migration.ExperimentName
	}
	return d.cfg.Source.Project
}

// listRuns enumerates the source runs for this invocation. In replay mode
// the run set is whatever the dry run captured; descriptors are rebuilt
// from each run directory's tag file.
func (d *Driver) listRuns(ctx context.Context) ([]source.RunDescriptor, error) {
	if !d.cfg.Migration.ResumeFromDryRun {
		runs, err := d.deps.Reader.ListRuns(ctx, d.cfg.Source.Project)
		if err != nil {
			return nil, fmt.Errorf("driver: list source runs: %w", err)
		}
		return runs, nil
	}

	expDir := d.snapshotExperimentDir()
	entries, err := os.ReadDir(expDir)
	if err != nil {
		return nil, fmt.Errorf("driver: read snapshot dir %s: %w", expDir, err)
	}
	var runs []source.RunDescriptor
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		tags, err := snapshot.ReadTags(filepath.Join(expDir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("driver: read tags for snapshot run %s: %w", e.Name(), err)
		}
		runs = append(runs, source.RunDescriptor{
			ID:    e.Name(),
			Name:  tags[target.TagSourceRunName],
			Group: tags[target.TagRunGroup],
		})
	}
	return runs, nil
}

func (d *Driver) snapshotExperimentDir() string {
	return filepath.Join(d.cfg.Migration.SnapshotDir, d.experimentName())
}

func (d *Driver) skipReason(run source.RunDescriptor, finished, existing map[string]struct{}) string {
	if !d.filter.admits(run.Name) {
		return skipReasonNameFilter
	}
	if _, ok := finished[run.ID]; ok {
		return skipReasonFinished
	}
	if _, ok := existing[run.ID]; ok {
		return skipReasonExisting
	}
	return ""
}

func (d *Driver) recordSkip(run source.RunDescriptor, reason string) {
	d.collector.RunSkipped(reason)
	d.journalRun(&journal.RunOutcome{
		SourceRunID: run.ID,
		RunName:     run.Name,
		Status:      journal.StatusSkipped,
		Detail:      reason,
	})
}

func (d *Driver) journalRun(outcome *journal.RunOutcome) {
	if d.deps.Journal == nil {
		return
	}
	outcome.SessionID = d.sessionID
	if err := d.deps.Journal.RecordRun(outcome); err != nil {
		d.deps.Logger.Error("failed to journal run outcome",
			"source_run_id", outcome.SourceRunID, "error", err)
	}
}

func (d *Driver) migrateSequential(ctx context.Context, runs []source.RunDescriptor) error {
	migrated := 0
	for _, run := range runs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if fatal, err := d.migrateOne(ctx, run); fatal {
			return err
		} else if err == nil {
			migrated++
			if migrated%d.cfg.Migration.CheckpointRuns == 0 {
				if err := d.checkpoint(ctx, migrated); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (d *Driver) migrateParallel(ctx context.Context, runs []source.RunDescriptor) error {
	g, ctx := errgroup.WithContext(ctx)
	work := make(chan source.RunDescriptor)

	for i := 0; i < d.cfg.Migration.Workers; i++ {
		g.Go(func() error {
			for run := range work {
				if fatal, err := d.migrateOne(ctx, run); fatal {
					return err
				}
			}
			return nil
		})
	}

	g.Go(func() error {
		defer close(work)
		for _, run := range runs {
			select {
			case work <- run:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})

	return g.Wait()
}

// checkpoint drains the write queue so a crash loses at most the last
// window of runs.
func (d *Driver) checkpoint(ctx context.Context, migrated int) error {
	d.deps.Logger.Info("checkpoint", "runs_migrated", migrated)
	if d.deps.Queue == nil {
		return nil
	}
	if err := d.deps.Queue.Flush(ctx); err != nil {
		return fmt.Errorf("driver: checkpoint flush: %w", err)
	}
	return nil
}

// migrateOne migrates a single run. The returned bool marks errors that
// must abort the whole migration; any other failure is recorded and the
// caller moves on to the next run.
func (d *Driver) migrateOne(ctx context.Context, run source.RunDescriptor) (bool, error) {
	logger := d.deps.Logger.With("run_id", run.ID, "name", run.Name)
	logger.Info("migrating run")

	// Dual-writing runs already have their data in the destination; a
	// second copy would collide with it.
	var runConfig map[string]any
	if !d.cfg.Migration.ResumeFromDryRun {
		var err error
		runConfig, err = d.deps.Reader.ReadConfig(ctx, run.ID)
		if err != nil {
			logger.Error("failed to read run config", "error", err)
			d.recordFailure(run, err)
			return false, err
		}
		if d.cfg.Migration.SkipDualWriting && isDualWriting(runConfig) {
			logger.Info("skipping run", "reason", skipReasonDualWriting)
			d.recordSkip(run, skipReasonDualWriting)
			return false, nil
		}
	}

	result, err := d.copyRun(ctx, run, runConfig)
	if err != nil {
		if errors.Is(err, target.ErrRunExists) || ctx.Err() != nil {
			return true, err
		}
		logger.Error("run migration failed", "error", err)
		d.recordFailure(run, err)
		return false, err
	}

	d.collector.RunMigrated(result)
	d.journalRun(&journal.RunOutcome{
		SourceRunID: run.ID,
		RunName:     run.Name,
		Status:      journal.StatusMigrated,
		Batches:     result.Batches,
		Points:      result.Points,
		Duration:    result.Duration,
	})
	logger.Info("run migrated",
		"batches", result.Batches,
		"points", result.Points,
		"duration", result.Duration.String())
	return false, nil
}

func (d *Driver) recordFailure(run source.RunDescriptor, err error) {
	d.collector.RunFailed()
	d.journalRun(&journal.RunOutcome{
		SourceRunID: run.ID,
		RunName:     run.Name,
		Status:      journal.StatusFailed,
		Detail:      err.Error(),
	})
}

// copyRun moves one run's params, telemetry, and metrics to the target,
// waits on the flush barrier, and only then sets the completion marker.
func (d *Driver) copyRun(ctx context.Context, run source.RunDescriptor, runConfig map[string]any) (stats.RunResult, error) {
	started := time.Now()
	result := stats.RunResult{RunID: run.ID, Name: run.Name}

	tgt, err := d.deps.Resolver.OpenRun(ctx, run)
	if err != nil {
		return result, err
	}
	defer tgt.Close()

	params, err := d.runParams(run, runConfig)
	if err != nil {
		return result, err
	}
	if err := tgt.LogParams(ctx, params); err != nil {
		return result, err
	}

	stream := d.stream(run)

	sysAcc := batch.NewAccumulator(d.cfg.Migration.BatchSize)
	err = stream.SystemMetrics(ctx, func(device, host metric.Batch) error {
		for _, full := range sysAcc.AppendPair(device, host) {
			result.Batches++
			result.Points += len(full)
			if err := tgt.LogSystemMetrics(ctx, full); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return result, err
	}
	if final := sysAcc.Flush(); len(final) > 0 {
		result.Batches++
		result.Points += len(final)
		if err := tgt.LogSystemMetrics(ctx, final); err != nil {
			return result, err
		}
	}

	acc := batch.NewAccumulator(d.cfg.Migration.BatchSize)
	err = stream.Metrics(ctx, func(b metric.Batch) error {
		for _, full := range acc.Append(b) {
			result.Batches++
			result.Points += len(full)
			if err := tgt.LogMetrics(ctx, full); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return result, err
	}
	if final := acc.Flush(); len(final) > 0 {
		result.Batches++
		result.Points += len(final)
		if err := tgt.LogMetrics(ctx, final); err != nil {
			return result, err
		}
	}

	if err := tgt.Flush(ctx); err != nil {
		return result, err
	}
	if err := tgt.Complete(ctx); err != nil {
		return result, err
	}

	result.Duration = time.Since(started)
	return result, nil
}

func (d *Driver) runParams(run source.RunDescriptor, runConfig map[string]any) (map[string]string, error) {
	if d.cfg.Migration.ResumeFromDryRun {
		params, err := snapshot.ReadParams(filepath.Join(d.snapshotExperimentDir(), run.ID))
		if err != nil {
			return nil, fmt.Errorf("driver: read snapshot params for %s: %w", run.ID, err)
		}
		return params, nil
	}
	return convert.Params(runConfig), nil
}

func (d *Driver) stream(run source.RunDescriptor) source.Stream {
	if d.cfg.Migration.ResumeFromDryRun {
		return source.NewReplayStream(
			filepath.Join(d.snapshotExperimentDir(), run.ID),
			d.cfg.Migration.BatchSize)
	}
	return source.NewLiveStream(d.deps.Reader, run, d.exclusions)
}

func (d *Driver) startQueueDepthTicker(ctx context.Context) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(queueDepthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				d.deps.Logger.Debug("write queue depth", "pending", d.deps.Queue.Pending())
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return func() { close(done) }
}

// Collector exposes the stats collector, mainly for tests and for the
// command to inspect totals after Run returns.
func (d *Driver) Collector() *stats.Collector {
	return d.collector
}
