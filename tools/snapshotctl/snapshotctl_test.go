package snapshotctl

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlops-tools/tracklift/internal/metric"
	"github.com/mlops-tools/tracklift/internal/resolve"
	"github.com/mlops-tools/tracklift/internal/source"
	"github.com/mlops-tools/tracklift/internal/testutil"
)

func seedSnapshot(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	base := t.TempDir()

	r := resolve.NewSnapshotResolver(base, testutil.NewTestLogger().Logger(), resolve.Options{Project: "vision"})
	tgt, err := r.OpenRun(ctx, source.RunDescriptor{ID: "src-1", Name: "run-one"})
	require.NoError(t, err)
	require.NoError(t, tgt.LogMetrics(ctx, metric.Batch{
		{Key: "train/loss", Value: 0.5, Timestamp: 1, Step: 0},
		{Key: "train/acc", Value: 0.9, Timestamp: 1, Step: 0},
	}))
	require.NoError(t, tgt.LogSystemMetrics(ctx, metric.Batch{
		{Key: "system/cpu_utilization_percentage", Value: 40, Timestamp: 0, Step: 0},
	}))
	require.NoError(t, tgt.LogParams(ctx, map[string]string{"lr": "0.01"}))
	require.NoError(t, tgt.Complete(ctx))
	require.NoError(t, tgt.Close())

	crashed, err := r.OpenRun(ctx, source.RunDescriptor{ID: "src-2", Name: "run-two"})
	require.NoError(t, err)
	require.NoError(t, crashed.LogMetrics(ctx, metric.Batch{
		{Key: "train/loss", Value: 1, Timestamp: 1, Step: 0},
	}))
	require.NoError(t, crashed.Close())

	return base
}

func TestInspectReportsRunsAndCompleteness(t *testing.T) {
	base := seedSnapshot(t)

	reports, err := Inspect(base)
	require.NoError(t, err)
	require.Len(t, reports, 1)

	exp := reports[0]
	assert.Equal(t, "vision", exp.Name)
	assert.True(t, exp.Owned)
	require.Len(t, exp.Runs, 2)

	complete := exp.Runs[0]
	assert.Equal(t, "src-1", complete.RunID)
	assert.Equal(t, "run-one", complete.Name)
	assert.True(t, complete.Complete)
	assert.Equal(t, 2, complete.MetricKeys)
	assert.Equal(t, 1, complete.SystemMetricKeys)
	assert.Equal(t, 3, complete.Points)
	assert.Empty(t, complete.Problems)

	partial := exp.Runs[1]
	assert.Equal(t, "src-2", partial.RunID)
	assert.False(t, partial.Complete)
}

func TestInspectFlagsMalformedLines(t *testing.T) {
	base := seedSnapshot(t)
	badFile := filepath.Join(base, "vision", "src-2", "metrics", "train.loss.csv")
	require.NoError(t, os.WriteFile(badFile, []byte("not, valid\n0.5, 1, 0\n"), 0o644))

	reports, err := Inspect(base)
	require.NoError(t, err)

	partial := reports[0].Runs[1]
	require.Len(t, partial.Problems, 1)
	assert.Contains(t, partial.Problems[0], "train.loss.csv:1")
	assert.Equal(t, 1, partial.Points)
}

func TestInspectUnownedExperiment(t *testing.T) {
	base := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(base, "foreign"), 0o755))

	reports, err := Inspect(base)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.False(t, reports[0].Owned)
}
