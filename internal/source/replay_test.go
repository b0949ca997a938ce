package source

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlops-tools/tracklift/internal/metric"
	"github.com/mlops-tools/tracklift/internal/snapshot"
)

// writeMetricFile persists n points for key under the run dir.
func writeMetricFile(t *testing.T, runDir, subdir, key string, n int) {
	t.Helper()
	dir := filepath.Join(runDir, subdir)
	require.NoError(t, os.MkdirAll(dir, 0o755))

	f, err := os.Create(filepath.Join(dir, snapshot.FileNameForKey(key)))
	require.NoError(t, err)
	defer f.Close()

	for i := 0; i < n; i++ {
		_, err := f.WriteString(snapshot.FormatPoint(metric.Point{Value: float64(i), Timestamp: int64(i), Step: int64(i)}))
		require.NoError(t, err)
	}
}

func TestReplayStream_RoundRobinFairness(t *testing.T) {
	runDir := t.TempDir()
	writeMetricFile(t, runDir, snapshot.MetricsDir, "big", 2500)
	writeMetricFile(t, runDir, snapshot.MetricsDir, "mid", 100)
	writeMetricFile(t, runDir, snapshot.MetricsDir, "tiny", 1)

	stream := NewReplayStream(runDir, 1000)

	type read struct {
		key string
		n   int
	}
	var reads []read
	err := stream.Metrics(context.Background(), func(b metric.Batch) error {
		reads = append(reads, read{key: b[0].Key, n: len(b)})
		return nil
	})
	require.NoError(t, err)

	// One bounded batch per file per pass; the short-read files leave the
	// rotation after their single partial batch and are never read again.
	require.Equal(t, []read{
		{"big", 1000},
		{"mid", 100},
		{"tiny", 1},
		{"big", 1000},
		{"big", 500},
	}, reads)
}

func TestReplayStream_ExactMultipleOfBatchSize(t *testing.T) {
	runDir := t.TempDir()
	writeMetricFile(t, runDir, snapshot.MetricsDir, "even", 2000)

	stream := NewReplayStream(runDir, 1000)

	var sizes []int
	err := stream.Metrics(context.Background(), func(b metric.Batch) error {
		sizes = append(sizes, len(b))
		return nil
	})
	require.NoError(t, err)

	// The file exhausts exactly on a batch boundary: the zero-length read
	// that detects exhaustion does not surface as an empty batch.
	assert.Equal(t, []int{1000, 1000}, sizes)
}

func TestReplayStream_PreservesPointData(t *testing.T) {
	runDir := t.TempDir()
	dir := filepath.Join(runDir, snapshot.MetricsDir)
	require.NoError(t, os.MkdirAll(dir, 0o755))

	// A key with hierarchy separators round-trips through the file name.
	name := snapshot.FileNameForKey("train/loss")
	content := "3, 1000, 0\n0.25, 2000, 1\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))

	stream := NewReplayStream(runDir, 1000)

	var points metric.Batch
	err := stream.Metrics(context.Background(), func(b metric.Batch) error {
		points = append(points, b...)
		return nil
	})
	require.NoError(t, err)

	require.Len(t, points, 2)
	assert.Equal(t, metric.Point{Key: "train/loss", Value: 3, Timestamp: 1000, Step: 0}, points[0])
	assert.Equal(t, metric.Point{Key: "train/loss", Value: 0.25, Timestamp: 2000, Step: 1}, points[1])
}

func TestReplayStream_MissingDirIsEmpty(t *testing.T) {
	stream := NewReplayStream(t.TempDir(), 1000)

	err := stream.Metrics(context.Background(), func(metric.Batch) error {
		return fmt.Errorf("unexpected batch")
	})
	assert.NoError(t, err)
}

func TestReplayStream_SystemMetrics(t *testing.T) {
	runDir := t.TempDir()
	writeMetricFile(t, runDir, snapshot.SystemMetricsDir, "system/cpu_utilization_percentage", 5)

	stream := NewReplayStream(runDir, 1000)

	var total int
	err := stream.SystemMetrics(context.Background(), func(device, host metric.Batch) error {
		total += len(device) + len(host)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
}
