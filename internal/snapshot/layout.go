// Package snapshot defines the on-disk layout shared by snapshot-mode
// writers and the replay reader: one directory per experiment, one
// subdirectory per run named by the source run's stable identifier, and
// inside it tags.csv, params.json, and per-metric-key CSV files under
// metrics/ and system_metrics/.
package snapshot

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/mlops-tools/tracklift/internal/metric"
)

// Layout names within a run directory.
const (
	TagsFile         = "tags.csv"
	ParamsFile       = "params.json"
	MetricsDir       = "metrics"
	SystemMetricsDir = "system_metrics"
)

const metricFileExt = ".csv"

// FileNameForKey maps a destination metric key to a per-key file name.
// Destination keys use "/" as the hierarchy separator, which cannot appear
// in a file name, so the separator is stored in the source's "." form and
// restored on replay.
func FileNameForKey(key string) string {
	return strings.ReplaceAll(key, "/", ".") + metricFileExt
}

// KeyForFileName is the inverse of FileNameForKey.
func KeyForFileName(name string) string {
	base := strings.TrimSuffix(name, metricFileExt)
	return strings.ReplaceAll(base, ".", "/")
}

// FormatPoint renders one metric point as a persisted line.
func FormatPoint(p metric.Point) string {
	return fmt.Sprintf("%s, %d, %d\n", metric.FormatValue(p.Value), p.Timestamp, p.Step)
}

// ParsePoint parses a persisted line back into a point for the given key.
// The value is parsed as an integer first, falling back to floating point,
// so the original numeric kind is preserved where unambiguous.
func ParsePoint(key, line string) (metric.Point, error) {
	fields := strings.Split(line, ",")
	if len(fields) != 3 {
		return metric.Point{}, fmt.Errorf("snapshot: malformed metric line %q", line)
	}
	value, err := metric.ParseValue(strings.TrimSpace(fields[0]))
	if err != nil {
		return metric.Point{}, fmt.Errorf("snapshot: bad value in line %q: %w", line, err)
	}
	timestamp, err := strconv.ParseInt(strings.TrimSpace(fields[1]), 10, 64)
	if err != nil {
		return metric.Point{}, fmt.Errorf("snapshot: bad timestamp in line %q: %w", line, err)
	}
	step, err := strconv.ParseInt(strings.TrimSpace(fields[2]), 10, 64)
	if err != nil {
		return metric.Point{}, fmt.Errorf("snapshot: bad step in line %q: %w", line, err)
	}
	return metric.Point{Key: key, Value: value, Timestamp: timestamp, Step: step}, nil
}

// AppendTags appends key,value pairs to the directory's tag file, creating
// it if needed. Keys are written in sorted order for stable files.
func AppendTags(dir string, tags map[string]string) error {
	f, err := os.OpenFile(filepath.Join(dir, TagsFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("snapshot: open tag file: %w", err)
	}

	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if _, err := fmt.Fprintf(f, "%s, %s\n", k, tags[k]); err != nil {
			f.Close()
			return fmt.Errorf("snapshot: write tag %q: %w", k, err)
		}
	}
	return f.Close()
}

// ReadTags reads a directory's tag file. A missing file yields an empty
// map; a run that crashed before its first tag write has no tags at all.
func ReadTags(dir string) (map[string]string, error) {
	f, err := os.Open(filepath.Join(dir, TagsFile))
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("snapshot: open tag file: %w", err)
	}
	defer f.Close()

	tags := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		key, value, found := strings.Cut(line, ",")
		if !found {
			continue
		}
		tags[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("snapshot: read tag file: %w", err)
	}
	return tags, nil
}

// WriteParams writes a run's params as a single JSON object.
func WriteParams(dir string, params map[string]string) error {
	data, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("snapshot: encode params: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ParamsFile), data, 0o644); err != nil {
		return fmt.Errorf("snapshot: write params: %w", err)
	}
	return nil
}

// ReadParams reads a run's persisted params. A missing file yields an
// empty map.
func ReadParams(dir string) (map[string]string, error) {
	data, err := os.ReadFile(filepath.Join(dir, ParamsFile))
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("snapshot: read params: %w", err)
	}
	params := make(map[string]string)
	if err := json.Unmarshal(data, &params); err != nil {
		return nil, fmt.Errorf("snapshot: decode params: %w", err)
	}
	return params, nil
}
