package recovery_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlops-tools/tracklift/internal/metric"
	"github.com/mlops-tools/tracklift/internal/recovery"
	"github.com/mlops-tools/tracklift/internal/snapshot"
	"github.com/mlops-tools/tracklift/internal/target"
	"github.com/mlops-tools/tracklift/internal/testutil"
)

func TestNetworkRecoverFatalWhenExperimentMissing(t *testing.T) {
	writer := testutil.NewMockWriter()
	m := recovery.NewNetworkManager(writer, testutil.NewTestLogger().Logger(), "vision")

	_, err := m.Recover(context.Background())
	assert.ErrorIs(t, err, recovery.ErrExperimentMissing)
}

func TestNetworkRecoverFatalWhenExperimentNotOwned(t *testing.T) {
	writer := testutil.NewMockWriter()
	writer.SeedExperiment("vision", nil)
	m := recovery.NewNetworkManager(writer, testutil.NewTestLogger().Logger(), "vision")

	_, err := m.Recover(context.Background())
	assert.ErrorIs(t, err, recovery.ErrExperimentMissing)
}

func TestNetworkRecoverReapsUnmarkedRuns(t *testing.T) {
	writer := testutil.NewMockWriter()
	expID := writer.SeedExperiment("vision", map[string]string{
		target.TagMigratedFromProject: target.MarkerTrue,
	})
	finished := writer.SeedRun(expID, "done", map[string]string{
		target.TagSourceRunID:       "src-1",
		target.TagMigrationComplete: target.MarkerTrue,
	})
	crashed := writer.SeedRun(expID, "partial", map[string]string{
		target.TagSourceRunID: "src-2",
	})

	m := recovery.NewNetworkManager(writer, testutil.NewTestLogger().Logger(), "vision")
	report, err := m.Recover(context.Background())
	require.NoError(t, err)

	assert.Equal(t, map[string]struct{}{"src-1": {}}, report.Finished)
	assert.Equal(t, 1, report.Reaped)
	assert.NotNil(t, writer.Run(finished))
	assert.Nil(t, writer.Run(crashed))
	assert.Equal(t, []string{crashed}, writer.DeletedRuns())
}

func TestNetworkRecoverIdempotent(t *testing.T) {
	writer := testutil.NewMockWriter()
	expID := writer.SeedExperiment("vision", map[string]string{
		target.TagMigratedFromProject: target.MarkerTrue,
	})
	writer.SeedRun(expID, "done", map[string]string{
		target.TagSourceRunID:       "src-1",
		target.TagMigrationComplete: target.MarkerTrue,
	})
	writer.SeedRun(expID, "partial", map[string]string{target.TagSourceRunID: "src-2"})

	m := recovery.NewNetworkManager(writer, testutil.NewTestLogger().Logger(), "vision")
	first, err := m.Recover(context.Background())
	require.NoError(t, err)
	second, err := m.Recover(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, first.Reaped)
	assert.Equal(t, 0, second.Reaped)
	assert.Equal(t, first.Finished, second.Finished)
}

func seedSnapshotExperiment(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "vision")
	require.NoError(t, os.Mkdir(dir, 0o755))
	require.NoError(t, snapshot.AppendTags(dir, map[string]string{
		target.TagMigratedFromProject: target.MarkerTrue,
	}))
	return dir
}

func seedSnapshotRun(t *testing.T, expDir, runID string, complete bool) {
	t.Helper()
	tgt, err := target.OpenSnapshotTarget(expDir, runID)
	require.NoError(t, err)
	require.NoError(t, tgt.LogMetrics(context.Background(), metric.Batch{{Key: "loss", Value: 1}}))
	if complete {
		require.NoError(t, tgt.Complete(context.Background()))
	}
	require.NoError(t, tgt.Close())
}

func TestSnapshotRecoverReapsUnmarkedRunDirs(t *testing.T) {
	expDir := seedSnapshotExperiment(t)
	seedSnapshotRun(t, expDir, "src-1", true)
	seedSnapshotRun(t, expDir, "src-2", false)

	m := recovery.NewSnapshotManager(expDir, testutil.NewTestLogger().Logger())
	report, err := m.Recover(context.Background())
	require.NoError(t, err)

	assert.Equal(t, map[string]struct{}{"src-1": {}}, report.Finished)
	assert.Equal(t, 1, report.Reaped)

	_, err = os.Stat(filepath.Join(expDir, "src-1"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(expDir, "src-2"))
	assert.True(t, os.IsNotExist(err))
}

func TestSnapshotRecoverFatalWhenDirNotOwned(t *testing.T) {
	dir := t.TempDir()
	m := recovery.NewSnapshotManager(dir, testutil.NewTestLogger().Logger())

	_, err := m.Recover(context.Background())
	assert.ErrorIs(t, err, recovery.ErrExperimentMissing)
}
