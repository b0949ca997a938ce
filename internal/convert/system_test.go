package convert

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlops-tools/tracklift/internal/metric"
)

func TestConvertSystemRow_DeviceMetrics(t *testing.T) {
	row := Row{
		"system.gpu.0.memory":               83.0,
		"system.gpu.1.memoryAllocatedBytes": 2_500_000.0,
		"system.gpu.0.powerWatts":           212.5,
	}

	device, host := ConvertSystemRow(row, 7)
	assert.Empty(t, host)
	require.Len(t, device, 3)

	byKey := map[string]metric.Point{}
	for _, p := range device {
		byKey[p.Key] = p
	}
	assert.Equal(t, 83.0, byKey["system/gpu_0_utilization_percentage"].Value)
	assert.Equal(t, 2.5, byKey["system/gpu_1_memory_usage_megabytes"].Value)
	assert.Equal(t, 212.5, byKey["system/gpu_0_power_watts"].Value)

	// Telemetry rows have no wall-clock time; the row index stands in for
	// both timestamp and step.
	assert.Equal(t, int64(7), byKey["system/gpu_0_power_watts"].Timestamp)
	assert.Equal(t, int64(7), byKey["system/gpu_0_power_watts"].Step)
}

func TestConvertSystemRow_HostMetrics(t *testing.T) {
	row := Row{
		"system.cpu":                 42.0,
		`system.disk.\.usageGB`:      1.5,
		"system.network.recv":        3_000_000.0,
		"system.proc.memory.rssMB":   1024.0,
		"unrelated.metric":           5.0,
	}

	device, host := ConvertSystemRow(row, 3)
	assert.Empty(t, device)
	require.Len(t, host, 4)

	byKey := map[string]metric.Point{}
	for _, p := range host {
		byKey[p.Key] = p
	}
	assert.Equal(t, 42.0, byKey["system/cpu_utilization_percentage"].Value)
	assert.Equal(t, 1500.0, byKey["system/disk_usage_megabytes"].Value)
	assert.Equal(t, 3.0, byKey["system/network_receive_megabytes"].Value)
	assert.Equal(t, 1024.0, byKey["system/system_memory_usage_megabytes"].Value)
}

func TestConvertSystemRow_SkipsMissingAndNaN(t *testing.T) {
	row := Row{
		"system.cpu":          math.NaN(),
		"system.memory":       nil,
		"system.gpu.0.memory": math.NaN(),
	}

	device, host := ConvertSystemRow(row, 0)
	assert.Empty(t, device)
	assert.Empty(t, host)
}

func TestConvertSystemRow_KeepsZeroValues(t *testing.T) {
	row := Row{"system.cpu": 0.0}

	_, host := ConvertSystemRow(row, 0)
	require.Len(t, host, 1)
	assert.Equal(t, 0.0, host[0].Value)
}
