// Package resolve maps the source project onto a destination experiment
// and opens per-run write targets. Resolution never reuses an experiment
// the migration does not own unless explicitly told to, so repeated
// migrations of differently-named projects cannot collide.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/mlops-tools/tracklift/internal/snapshot"
	"github.com/mlops-tools/tracklift/internal/source"
	"github.com/mlops-tools/tracklift/internal/target"
)

// Options control how the destination experiment is resolved.
type Options struct {
	// Project is the source project name, recorded on the experiment.
	Project string
	// ExperimentName is the desired destination experiment name.
	// Defaults to Project when empty.
	ExperimentName string
	// DualWriteExperimentID, when set, bypasses name resolution and
	// reuses the experiment the training jobs are already writing to.
	DualWriteExperimentID string
	// SkipExisting marks a found foreign experiment as migration-owned
	// and reuses it instead of creating a suffixed twin.
	SkipExisting bool
	// NestedRuns opens grouped runs as children of one synthetic parent
	// run per source group, named after the group. Without it, the group
	// is only recorded as a tag.
	NestedRuns bool
}

func (o Options) experimentName() string {
	if o.ExperimentName != "" {
		return o.ExperimentName
	}
	return o.Project
}

func (o Options) ownershipTags() map[string]string {
	return map[string]string{
		target.TagMigratedFromProject: target.MarkerTrue,
		target.TagSourceProjectName:   o.Project,
	}
}

// Resolver locates the destination experiment and opens run targets
// inside it. Implementations exist for the live service and for a local
// snapshot directory.
type Resolver interface {
	// ResolveExperiment returns the experiment handle (service id or
	// local directory). Idempotent after the first call.
	ResolveExperiment(ctx context.Context) (string, error)
	// ExistingRuns lists the source run ids already present in the
	// experiment, for skip-existing filtering.
	ExistingRuns(ctx context.Context) (map[string]struct{}, error)
	// OpenRun creates the destination run for one source run and
	// returns its write target.
	OpenRun(ctx context.Context, run source.RunDescriptor) (target.Target, error)
}

// NetworkResolver resolves against the live destination service.
type NetworkResolver struct {
	writer target.WriterAPI
	queue  *target.Queue
	logger *slog.Logger
	opts   Options

	experimentID string

	mu      sync.Mutex
	parents map[string]string
}

// NewNetworkResolver creates a resolver writing through the shared queue.
func NewNetworkResolver(writer target.WriterAPI, queue *target.Queue, logger *slog.Logger, opts Options) *NetworkResolver {
	return &NetworkResolver{
		writer:  writer,
		queue:   queue,
		logger:  logger,
		opts:    opts,
		parents: make(map[string]string),
	}
}

// ResolveExperiment finds or creates the destination experiment.
//
// In dual-write mode the supplied experiment id is reused unconditionally.
// Otherwise the experiment name is looked up: a migration-owned experiment
// is reused, a foreign one is reused only under SkipExisting (and is
// retro-tagged as migration-owned), and any other collision is resolved by
// creating a fresh experiment with a random suffix.
func (r *NetworkResolver) ResolveExperiment(ctx context.Context) (string, error) {
	if r.experimentID != "" {
		return r.experimentID, nil
	}

	if r.opts.DualWriteExperimentID != "" {
		tags := r.opts.ownershipTags()
		tags[target.TagDualWrite] = target.MarkerTrue
		if err := r.writer.SetExperimentTags(ctx, r.opts.DualWriteExperimentID, tags); err != nil {
			return "", fmt.Errorf("resolve: tag dual-write experiment %s: %w", r.opts.DualWriteExperimentID, err)
		}
		r.logger.Info("reusing dual-write experiment", "experiment_id", r.opts.DualWriteExperimentID)
		r.experimentID = r.opts.DualWriteExperimentID
		return r.experimentID, nil
	}

	name := r.opts.experimentName()
	exp, err := r.writer.GetExperimentByName(ctx, name)
	switch {
	case err == nil && exp.Tags[target.TagMigratedFromProject] == target.MarkerTrue:
		r.logger.Info("reusing migration-owned experiment", "experiment_id", exp.ID, "name", name)
		r.experimentID = exp.ID
		return r.experimentID, nil

	case err == nil && r.opts.SkipExisting:
		if err := r.writer.SetExperimentTags(ctx, exp.ID, r.opts.ownershipTags()); err != nil {
			return "", fmt.Errorf("resolve: claim experiment %s: %w", exp.ID, err)
		}
		r.logger.Info("claiming existing experiment", "experiment_id", exp.ID, "name", name)
		r.experimentID = exp.ID
		return r.experimentID, nil

	case err == nil:
		suffixed := fmt.Sprintf("%s_%s", name, uuid.NewString()[:6])
		r.logger.Warn("experiment name taken by a foreign experiment, creating suffixed twin",
			"name", name, "new_name", suffixed)
		name = suffixed

	case !isNotFound(err):
		return "", fmt.Errorf("resolve: look up experiment %s: %w", name, err)
	}

	id, err := r.writer.CreateExperiment(ctx, name, r.opts.ownershipTags())
	if err != nil {
		return "", fmt.Errorf("resolve: create experiment %s: %w", name, err)
	}
	r.logger.Info("created experiment", "experiment_id", id, "name", name)
	r.experimentID = id
	return r.experimentID, nil
}

// ExistingRuns returns the source run ids of runs already migrated into
// the experiment, finished or not.
func (r *NetworkResolver) ExistingRuns(ctx context.Context) (map[string]struct{}, error) {
	id, err := r.ResolveExperiment(ctx)
	if err != nil {
		return nil, err
	}
	runs, err := r.writer.SearchRuns(ctx, id, "")
	if err != nil {
		return nil, fmt.Errorf("resolve: list runs: %w", err)
	}
	out := make(map[string]struct{}, len(runs))
	for _, run := range runs {
		if src := run.Tags[target.TagSourceRunID]; src != "" {
			out[src] = struct{}{}
		}
	}
	return out, nil
}

// OpenRun creates the destination run and tags it with the source run's
// identity before any data is written, so a crash leaves it discoverable.
// Under NestedRuns, a grouped run is opened as a child of the group's
// parent run.
func (r *NetworkResolver) OpenRun(ctx context.Context, run source.RunDescriptor) (target.Target, error) {
	expID, err := r.ResolveExperiment(ctx)
	if err != nil {
		return nil, err
	}
	runID, err := r.writer.CreateRun(ctx, expID, run.Name)
	if err != nil {
		return nil, fmt.Errorf("resolve: create run %s: %w", run.Name, err)
	}
	tags := map[string]string{
		target.TagSourceRunID:   run.ID,
		target.TagSourceRunName: run.Name,
	}
	if run.Group != "" {
		tags[target.TagRunGroup] = run.Group
		if r.opts.NestedRuns {
			parentID, err := r.parentRun(ctx, expID, run.Group)
			if err != nil {
				return nil, err
			}
			tags[target.TagParentRunID] = parentID
		}
	}
	if err := r.writer.SetTags(ctx, runID, tags); err != nil {
		return nil, fmt.Errorf("resolve: tag run %s: %w", runID, err)
	}
	return target.NewNetworkTarget(r.writer, r.queue, runID), nil
}

// parentRun finds or creates the parent run standing in for a source run
// group, one per group name. A parent carries no data of its own, so it
// gets the completion marker at creation and recovery never reaps it.
func (r *NetworkResolver) parentRun(ctx context.Context, expID, group string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.parents[group]; ok {
		return id, nil
	}

	filter := fmt.Sprintf("tags.%s = '%s'", target.TagGroupParent, group)
	existing, err := r.writer.SearchRuns(ctx, expID, filter)
	if err != nil {
		return "", fmt.Errorf("resolve: look up parent run for group %s: %w", group, err)
	}
	if len(existing) > 0 {
		r.parents[group] = existing[0].ID
		return existing[0].ID, nil
	}

	id, err := r.writer.CreateRun(ctx, expID, group)
	if err != nil {
		return "", fmt.Errorf("resolve: create parent run for group %s: %w", group, err)
	}
	tags := map[string]string{
		target.TagGroupParent:       group,
		target.TagRunGroup:          group,
		target.TagMigrationComplete: target.MarkerTrue,
	}
	if err := r.writer.SetTags(ctx, id, tags); err != nil {
		return "", fmt.Errorf("resolve: tag parent run %s: %w", id, err)
	}
	r.logger.Info("created parent run for group", "run_id", id, "group", group)
	r.parents[group] = id
	return id, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, target.ErrNotFound)
}

// SnapshotResolver resolves against a local snapshot directory tree.
type SnapshotResolver struct {
	baseDir string
	logger  *slog.Logger
	opts    Options

	experimentDir string
}

// NewSnapshotResolver creates a resolver rooted at baseDir.
func NewSnapshotResolver(baseDir string, logger *slog.Logger, opts Options) *SnapshotResolver {
	return &SnapshotResolver{baseDir: baseDir, logger: logger, opts: opts}
}

// ResolveExperiment creates the experiment directory if needed and stamps
// its ownership tags, mirroring the live resolver so crash recovery can
// verify ownership the same way in both modes.
func (r *SnapshotResolver) ResolveExperiment(ctx context.Context) (string, error) {
	if r.experimentDir != "" {
		return r.experimentDir, nil
	}
	dir := filepath.Join(r.baseDir, r.opts.experimentName())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("resolve: create experiment dir: %w", err)
	}
	tags, err := snapshot.ReadTags(dir)
	if err != nil {
		return "", fmt.Errorf("resolve: read experiment tags: %w", err)
	}
	if tags[target.TagMigratedFromProject] != target.MarkerTrue {
		if err := snapshot.AppendTags(dir, r.opts.ownershipTags()); err != nil {
			return "", fmt.Errorf("resolve: tag experiment dir: %w", err)
		}
	}
	r.logger.Info("resolved snapshot experiment", "dir", dir)
	r.experimentDir = dir
	return r.experimentDir, nil
}

// ExistingRuns lists the run directories already present.
func (r *SnapshotResolver) ExistingRuns(ctx context.Context) (map[string]struct{}, error) {
	dir, err := r.ResolveExperiment(ctx)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve: list run dirs: %w", err)
	}
	out := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			out[e.Name()] = struct{}{}
		}
	}
	return out, nil
}

// OpenRun creates the run directory, keyed by the source run id so names
// need no deduplication, and stamps the run's identity tags.
func (r *SnapshotResolver) OpenRun(ctx context.Context, run source.RunDescriptor) (target.Target, error) {
	dir, err := r.ResolveExperiment(ctx)
	if err != nil {
		return nil, err
	}
	tgt, err := target.OpenSnapshotTarget(dir, run.ID)
	if err != nil {
		return nil, err
	}
	tags := map[string]string{
		target.TagSourceRunID:   run.ID,
		target.TagSourceRunName: run.Name,
	}
	if run.Group != "" {
		tags[target.TagRunGroup] = run.Group
	}
	if err := tgt.SetTags(ctx, tags); err != nil {
		_ = tgt.Close()
		return nil, err
	}
	return tgt, nil
}
