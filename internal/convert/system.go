package convert

import (
	"fmt"
	"math"
	"regexp"
	"sort"

	"github.com/mlops-tools/tracklift/internal/metric"
)

// deviceRule maps a device-indexed source telemetry key onto a destination
// key, capturing the device index from the source key.
type deviceRule struct {
	pattern *regexp.Regexp
	destKey string // format string receiving the captured device index
	scale   func(float64) float64
}

var deviceRules = []deviceRule{
	{regexp.MustCompile(`system\.gpu\.(\d+)\.memory$`), "system/gpu_%s_utilization_percentage", nil},
	{regexp.MustCompile(`system\.gpu\.(\d+)\.memoryAllocated$`), "system/gpu_%s_memory_usage_percentage", nil},
	{regexp.MustCompile(`system\.gpu\.(\d+)\.memoryAllocatedBytes`), "system/gpu_%s_memory_usage_megabytes", bytesToMegabytes},
	{regexp.MustCompile(`system\.gpu\.(\d+)\.powerWatts`), "system/gpu_%s_power_watts", nil},
	{regexp.MustCompile(`system\.gpu\.(\d+)\.powerPercent`), "system/gpu_%s_power_percentage", nil},
}

// hostRule maps a scalar host telemetry key onto a destination key.
type hostRule struct {
	destKey   string
	sourceKey string
	scale     func(float64) float64
}

var hostRules = []hostRule{
	{"system/cpu_utilization_percentage", "system.cpu", nil},
	{"system/disk_usage_megabytes", `system.disk.\.usageGB`, gigabytesToMegabytes},
	{"system/disk_usage_percentage", `system.disk.\.usagePercent`, nil},
	{"system/system_memory_usage_megabytes", "system.proc.memory.rssMB", nil},
	{"system/system_memory_usage_percentage", "system.memory", nil},
	{"system/network_receive_megabytes", "system.network.recv", bytesToMegabytes},
	{"system/network_transmit_megabytes", "system.network.sent", bytesToMegabytes},
}

func bytesToMegabytes(v float64) float64 {
	return round2(v / 1e6)
}

func gigabytesToMegabytes(v float64) float64 {
	return round2(v * 1000.0)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// ConvertSystemRow converts one system-telemetry row into two sub-batches:
// device-indexed metrics and scalar host metrics. The source records no
// wall-clock time for telemetry, so the row index serves as both timestamp
// surrogate and step. Both sub-batches must be offered to the accumulator
// together (AppendPair) so a row is never split across a flush boundary.
func ConvertSystemRow(row Row, index int64) (device, host metric.Batch) {
	keys := make([]string, 0, len(row))
	for key := range row {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		v, ok := numericValue(row[key])
		if !ok {
			continue
		}
		for _, rule := range deviceRules {
			m := rule.pattern.FindStringSubmatch(key)
			if m == nil {
				continue
			}
			if rule.scale != nil {
				v = rule.scale(v)
			}
			device = append(device, metric.Point{
				Key:       fmt.Sprintf(rule.destKey, m[1]),
				Value:     v,
				Timestamp: index,
				Step:      index,
			})
			break
		}
	}

	for _, rule := range hostRules {
		v, ok := numericValue(row[rule.sourceKey])
		if !ok {
			continue
		}
		if rule.scale != nil {
			v = rule.scale(v)
		}
		host = append(host, metric.Point{
			Key:       rule.destKey,
			Value:     v,
			Timestamp: index,
			Step:      index,
		})
	}

	return device, host
}
