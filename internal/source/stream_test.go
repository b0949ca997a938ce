package source

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlops-tools/tracklift/internal/convert"
	"github.com/mlops-tools/tracklift/internal/metric"
)

// fakeReader serves canned rows for one run.
type fakeReader struct {
	runs       []RunDescriptor
	config     map[string]any
	sample     []convert.Row
	history    []convert.Row
	systemRows []convert.Row
}

func (f *fakeReader) ListRuns(ctx context.Context, project string) ([]RunDescriptor, error) {
	return f.runs, nil
}

func (f *fakeReader) ReadConfig(ctx context.Context, runID string) (map[string]any, error) {
	return f.config, nil
}

func (f *fakeReader) SampleHistory(ctx context.Context, runID string) ([]convert.Row, error) {
	return f.sample, nil
}

func (f *fakeReader) ScanMetricRows(ctx context.Context, runID string, fn func(convert.Row) error) error {
	for _, row := range f.history {
		if err := fn(row); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeReader) ScanSystemRows(ctx context.Context, runID string, fn func(int64, convert.Row) error) error {
	for i, row := range f.systemRows {
		if err := fn(int64(i), row); err != nil {
			return err
		}
	}
	return nil
}

func TestLiveStream_Metrics(t *testing.T) {
	rows := []convert.Row{
		{"_timestamp": 1.0, "_step": 0, "loss": 0.5},
		{"_timestamp": 2.0, "_step": 1, "loss": 0.3},
		{"_timestamp": 3.0, "_step": 47, "loss": 0.2, "final_score": 0.9},
	}
	reader := &fakeReader{sample: rows, history: rows}

	stream := NewLiveStream(reader, RunDescriptor{ID: "r1"}, nil)

	var points metric.Batch
	err := stream.Metrics(context.Background(), func(b metric.Batch) error {
		points = append(points, b...)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, points, 4)

	// Single-observation detection runs against the sampled history, so
	// final_score is pinned to step 0 despite its native step of 47.
	var finalScore *metric.Point
	for i := range points {
		if points[i].Key == "final_score" {
			finalScore = &points[i]
		}
	}
	require.NotNil(t, finalScore)
	assert.Equal(t, int64(0), finalScore.Step)
}

func TestLiveStream_SystemMetricsPairsSubBatches(t *testing.T) {
	reader := &fakeReader{systemRows: []convert.Row{
		{"system.gpu.0.memory": 50.0, "system.cpu": 10.0},
		{"not.telemetry": 1.0},
	}}

	stream := NewLiveStream(reader, RunDescriptor{ID: "r1"}, nil)

	calls := 0
	err := stream.SystemMetrics(context.Background(), func(device, host metric.Batch) error {
		calls++
		require.Len(t, device, 1)
		require.Len(t, host, 1)
		assert.Equal(t, "system/gpu_0_utilization_percentage", device[0].Key)
		assert.Equal(t, "system/cpu_utilization_percentage", host[0].Key)
		return nil
	})
	require.NoError(t, err)

	// The second row converts to nothing and is not emitted.
	assert.Equal(t, 1, calls)
}
