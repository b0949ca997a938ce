package driver_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/mattn/go-sqlite3"

	"github.com/mlops-tools/tracklift/internal/config"
	"github.com/mlops-tools/tracklift/internal/convert"
	"github.com/mlops-tools/tracklift/internal/driver"
	"github.com/mlops-tools/tracklift/internal/journal"
	"github.com/mlops-tools/tracklift/internal/recovery"
	"github.com/mlops-tools/tracklift/internal/resolve"
	"github.com/mlops-tools/tracklift/internal/source"
	"github.com/mlops-tools/tracklift/internal/target"
	"github.com/mlops-tools/tracklift/internal/testutil"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Source.BaseURL = "https://tracking.example.com"
	cfg.Source.Entity = "ml-team"
	cfg.Source.Project = "vision"
	cfg.Destination.BaseURL = "https://registry.example.com"
	cfg.Migration.BatchSize = 10
	cfg.Journal.Enabled = false
	return cfg
}

func sourceRun(id, name string, steps int) *testutil.MockSourceRun {
	run := &testutil.MockSourceRun{
		Descriptor: source.RunDescriptor{ID: id, Name: name},
		Config:     map[string]any{"lr": 0.01},
	}
	for i := 0; i < steps; i++ {
		run.History = append(run.History, convert.Row{
			"train.loss": float64(steps - i),
			"_timestamp": float64(1700000000 + i),
			"_step":      float64(i),
		})
	}
	return run
}

func newLiveDriver(t *testing.T, cfg *config.Config, reader *testutil.MockReader, writer *testutil.MockWriter) *driver.Driver {
	t.Helper()
	logger := testutil.NewTestLogger().Logger()
	queue := target.NewQueue(logger, cfg.Destination.QueueSize)
	queue.Start(context.Background())
	t.Cleanup(func() { _ = queue.Close() })

	resolver := resolve.NewNetworkResolver(writer, queue, logger, resolve.Options{
		Project:               cfg.Source.Project,
		ExperimentName:        cfg.Migration.ExperimentName,
		DualWriteExperimentID: cfg.Migration.DualWriteExperimentID,
		SkipExisting:          cfg.Migration.SkipExisting,
		NestedRuns:            cfg.Migration.NestedRuns,
	})

	deps := driver.Deps{
		Logger:   logger,
		Reader:   reader,
		Resolver: resolver,
		Queue:    queue,
	}
	if cfg.Migration.ResumeFromCrash {
		deps.Recovery = recovery.NewNetworkManager(writer, logger, cfg.Source.Project)
	}

	d, err := driver.New(cfg, deps)
	require.NoError(t, err)
	return d
}

func TestDriverMigratesProject(t *testing.T) {
	cfg := testConfig()
	reader := testutil.NewMockReader(
		sourceRun("src-1", "run-one", 25),
		sourceRun("src-2", "run-two", 3),
	)
	writer := testutil.NewMockWriter()
	d := newLiveDriver(t, cfg, reader, writer)

	require.NoError(t, d.Run(context.Background()))

	for _, srcID := range []string{"src-1", "src-2"} {
		run := writer.RunBySourceID(srcID)
		require.NotNil(t, run, srcID)
		assert.Equal(t, target.MarkerTrue, run.Tags[target.TagMigrationComplete])
		assert.Equal(t, "0.01", run.Params["lr"])
	}

	// 25 points at batch size 10 never yields an oversized batch.
	run := writer.RunBySourceID("src-1")
	total := 0
	for _, b := range run.Batches {
		assert.LessOrEqual(t, len(b), cfg.Migration.BatchSize)
		for _, p := range b {
			assert.Equal(t, "train/loss", p.Key)
		}
		total += len(b)
	}
	assert.Equal(t, 25, total)

	migrated := d.Collector().Migrated()
	assert.Len(t, migrated, 2)
}

func TestDriverNestsGroupedRuns(t *testing.T) {
	cfg := testConfig()
	cfg.Migration.NestedRuns = true

	one := sourceRun("src-1", "run-one", 2)
	one.Descriptor.Group = "sweep-7"
	two := sourceRun("src-2", "run-two", 2)
	two.Descriptor.Group = "sweep-7"
	solo := sourceRun("src-3", "run-three", 2)

	reader := testutil.NewMockReader(one, two, solo)
	writer := testutil.NewMockWriter()
	d := newLiveDriver(t, cfg, reader, writer)

	require.NoError(t, d.Run(context.Background()))

	var parentID string
	for _, run := range writer.Runs() {
		if run.Tags[target.TagGroupParent] == "sweep-7" {
			require.Empty(t, parentID, "one parent per group")
			parentID = run.ID
		}
	}
	require.NotEmpty(t, parentID)

	assert.Equal(t, parentID, writer.RunBySourceID("src-1").Tags[target.TagParentRunID])
	assert.Equal(t, parentID, writer.RunBySourceID("src-2").Tags[target.TagParentRunID])
	assert.Empty(t, writer.RunBySourceID("src-3").Tags[target.TagParentRunID])
	assert.Len(t, d.Collector().Migrated(), 3)
}

func TestDriverAppliesNameFilter(t *testing.T) {
	cfg := testConfig()
	cfg.Migration.RunNameFilters = []string{"^prod-"}
	reader := testutil.NewMockReader(
		sourceRun("src-1", "prod-a", 2),
		sourceRun("src-2", "scratch-b", 2),
	)
	writer := testutil.NewMockWriter()
	d := newLiveDriver(t, cfg, reader, writer)

	require.NoError(t, d.Run(context.Background()))

	assert.NotNil(t, writer.RunBySourceID("src-1"))
	assert.Nil(t, writer.RunBySourceID("src-2"))
	assert.Equal(t, 1, d.Collector().SkippedTotal())
}

func TestDriverSkipsExistingRuns(t *testing.T) {
	cfg := testConfig()
	cfg.Migration.SkipExisting = true
	writer := testutil.NewMockWriter()
	expID := writer.SeedExperiment("vision", map[string]string{
		target.TagMigratedFromProject: target.MarkerTrue,
	})
	writer.SeedRun(expID, "run-one", map[string]string{target.TagSourceRunID: "src-1"})

	reader := testutil.NewMockReader(
		sourceRun("src-1", "run-one", 2),
		sourceRun("src-2", "run-two", 2),
	)
	d := newLiveDriver(t, cfg, reader, writer)

	require.NoError(t, d.Run(context.Background()))

	assert.Len(t, d.Collector().Migrated(), 1)
	assert.Equal(t, 1, d.Collector().SkippedTotal())
	assert.NotNil(t, writer.RunBySourceID("src-2"))
}

func TestDriverSkipsDualWritingRuns(t *testing.T) {
	cfg := testConfig()
	cfg.Migration.SkipDualWriting = true

	dual := sourceRun("src-1", "run-one", 2)
	dual.Config["mlflow_experiment_id"] = "12345"
	logger := sourceRun("src-2", "run-two", 2)
	logger.Config["loggers"] = map[string]any{"mlflow": map[string]any{}}
	malformed := sourceRun("src-3", "run-three", 2)
	malformed.Config["loggers"] = "not a map"

	reader := testutil.NewMockReader(dual, logger, malformed)
	writer := testutil.NewMockWriter()
	d := newLiveDriver(t, cfg, reader, writer)

	require.NoError(t, d.Run(context.Background()))

	assert.Nil(t, writer.RunBySourceID("src-1"))
	assert.Nil(t, writer.RunBySourceID("src-2"))
	// Malformed config shapes count as not dual-writing.
	assert.NotNil(t, writer.RunBySourceID("src-3"))
}

func TestDriverResumeFromCrashSkipsFinishedAndReapsPartial(t *testing.T) {
	cfg := testConfig()
	cfg.Migration.ResumeFromCrash = true

	writer := testutil.NewMockWriter()
	expID := writer.SeedExperiment("vision", map[string]string{
		target.TagMigratedFromProject: target.MarkerTrue,
	})
	writer.SeedRun(expID, "run-one", map[string]string{
		target.TagSourceRunID:       "src-1",
		target.TagMigrationComplete: target.MarkerTrue,
	})
	partial := writer.SeedRun(expID, "run-two", map[string]string{
		target.TagSourceRunID: "src-2",
	})

	reader := testutil.NewMockReader(
		sourceRun("src-1", "run-one", 2),
		sourceRun("src-2", "run-two", 4),
	)
	d := newLiveDriver(t, cfg, reader, writer)

	require.NoError(t, d.Run(context.Background()))

	assert.Equal(t, []string{partial}, writer.DeletedRuns())
	assert.Len(t, d.Collector().Migrated(), 1)
	assert.Equal(t, 1, d.Collector().SkippedTotal())

	remigrated := writer.RunBySourceID("src-2")
	require.NotNil(t, remigrated)
	assert.Equal(t, target.MarkerTrue, remigrated.Tags[target.TagMigrationComplete])
}

func TestDriverResumeFromCrashFatalWhenExperimentMissing(t *testing.T) {
	cfg := testConfig()
	cfg.Migration.ResumeFromCrash = true
	reader := testutil.NewMockReader(sourceRun("src-1", "run-one", 2))
	d := newLiveDriver(t, cfg, reader, testutil.NewMockWriter())

	err := d.Run(context.Background())
	assert.ErrorIs(t, err, recovery.ErrExperimentMissing)
}

func TestDriverRecordsOutcomesInJournal(t *testing.T) {
	cfg := testConfig()
	cfg.Migration.RunNameFilters = []string{"^prod-"}

	j, err := journal.Open(":memory:")
	require.NoError(t, err)
	defer j.Close()

	logger := testutil.NewTestLogger().Logger()
	writer := testutil.NewMockWriter()
	queue := target.NewQueue(logger, 8)
	queue.Start(context.Background())
	defer queue.Close()

	reader := testutil.NewMockReader(
		sourceRun("src-1", "prod-a", 2),
		sourceRun("src-2", "scratch-b", 2),
	)
	d, err := driver.New(cfg, driver.Deps{
		Logger: logger,
		Reader: reader,
		Resolver: resolve.NewNetworkResolver(writer, queue, logger, resolve.Options{
			Project: cfg.Source.Project,
		}),
		Queue:   queue,
		Journal: j,
	})
	require.NoError(t, err)
	require.NoError(t, d.Run(context.Background()))

	sessions, err := j.CountByStatus(findSessionID(t, j))
	require.NoError(t, err)
	assert.Equal(t, map[string]int{
		journal.StatusMigrated: 1,
		journal.StatusSkipped:  1,
	}, sessions)
}

func findSessionID(t *testing.T, j *journal.Journal) string {
	t.Helper()
	sessions, err := j.ListSessions()
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	return sessions[0].ID
}

func TestDriverDryRunThenReplay(t *testing.T) {
	ctx := context.Background()
	snapshotDir := t.TempDir()
	logger := testutil.NewTestLogger().Logger()

	// Dry run: live source into a local snapshot.
	dryCfg := testConfig()
	dryCfg.Migration.DryRun = true
	dryCfg.Migration.SnapshotDir = snapshotDir
	reader := testutil.NewMockReader(
		sourceRun("src-1", "run-one", 25),
		sourceRun("src-2", "run-two", 3),
	)
	dry, err := driver.New(dryCfg, driver.Deps{
		Logger: logger,
		Reader: reader,
		Resolver: resolve.NewSnapshotResolver(snapshotDir, logger, resolve.Options{
			Project: dryCfg.Source.Project,
		}),
	})
	require.NoError(t, err)
	require.NoError(t, dry.Run(ctx))

	// Replay: snapshot into the live destination with a worker pool.
	replayCfg := testConfig()
	replayCfg.Source.BaseURL = ""
	replayCfg.Source.Entity = ""
	replayCfg.Migration.ResumeFromDryRun = true
	replayCfg.Migration.SnapshotDir = snapshotDir
	replayCfg.Migration.Workers = 2

	writer := testutil.NewMockWriter()
	queue := target.NewQueue(logger, 8)
	queue.Start(ctx)
	defer queue.Close()

	replay, err := driver.New(replayCfg, driver.Deps{
		Logger: logger,
		Resolver: resolve.NewNetworkResolver(writer, queue, logger, resolve.Options{
			Project: replayCfg.Source.Project,
		}),
		Queue: queue,
	})
	require.NoError(t, err)
	require.NoError(t, replay.Run(ctx))

	for srcID, want := range map[string]int{"src-1": 25, "src-2": 3} {
		run := writer.RunBySourceID(srcID)
		require.NotNil(t, run, srcID)
		assert.Equal(t, target.MarkerTrue, run.Tags[target.TagMigrationComplete])
		assert.Equal(t, "0.01", run.Params["lr"])

		total := 0
		for _, b := range run.Batches {
			assert.LessOrEqual(t, len(b), replayCfg.Migration.BatchSize)
			total += len(b)
		}
		assert.Equal(t, want, total, srcID)
	}
}

func TestDriverDryRunCollisionIsFatal(t *testing.T) {
	ctx := context.Background()
	snapshotDir := t.TempDir()
	logger := testutil.NewTestLogger().Logger()

	cfg := testConfig()
	cfg.Migration.DryRun = true
	cfg.Migration.SnapshotDir = snapshotDir
	reader := testutil.NewMockReader(sourceRun("src-1", "run-one", 2))

	newDryDriver := func() *driver.Driver {
		d, err := driver.New(cfg, driver.Deps{
			Logger: logger,
			Reader: reader,
			Resolver: resolve.NewSnapshotResolver(snapshotDir, logger, resolve.Options{
				Project: cfg.Source.Project,
			}),
		})
		require.NoError(t, err)
		return d
	}

	require.NoError(t, newDryDriver().Run(ctx))

	// A second dry run into the same directory collides.
	err := newDryDriver().Run(ctx)
	assert.ErrorIs(t, err, target.ErrRunExists)
}

func TestDriverNewRejectsMissingReader(t *testing.T) {
	cfg := testConfig()
	writer := testutil.NewMockWriter()
	logger := testutil.NewTestLogger().Logger()
	queue := target.NewQueue(logger, 8)

	_, err := driver.New(cfg, driver.Deps{
		Logger:   logger,
		Resolver: resolve.NewNetworkResolver(writer, queue, logger, resolve.Options{Project: "p"}),
		Queue:    queue,
	})
	assert.Error(t, err)
}
