package source

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mlops-tools/tracklift/internal/metric"
	"github.com/mlops-tools/tracklift/internal/snapshot"
)

// replayStream replays a run's metrics from per-key snapshot files. Files
// are read round-robin, one bounded batch per file per pass, so memory
// stays bounded and write latency is balanced across metric keys instead
// of head-of-line blocking on the largest file.
type replayStream struct {
	runDir    string
	batchSize int
}

// NewReplayStream creates a Stream that replays the snapshot files under
// runDir. batchSize bounds the records read from one file per pass; zero
// selects the destination write limit.
func NewReplayStream(runDir string, batchSize int) Stream {
	if batchSize <= 0 {
		batchSize = 1000
	}
	return &replayStream{runDir: runDir, batchSize: batchSize}
}

func (s *replayStream) Metrics(ctx context.Context, emit func(metric.Batch) error) error {
	return s.replayDir(ctx, filepath.Join(s.runDir, snapshot.MetricsDir), emit)
}

func (s *replayStream) SystemMetrics(ctx context.Context, emit func(device, host metric.Batch) error) error {
	return s.replayDir(ctx, filepath.Join(s.runDir, snapshot.SystemMetricsDir), func(batch metric.Batch) error {
		return emit(batch, nil)
	})
}

// metricFile is one per-key file participating in the rotation.
type metricFile struct {
	key     string
	file    *os.File
	scanner *bufio.Scanner
}

func (s *replayStream) replayDir(ctx context.Context, dir string, emit func(metric.Batch) error) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		// A run that never logged this class of metrics has no directory.
		return nil
	}
	if err != nil {
		return fmt.Errorf("source: read snapshot dir %s: %w", dir, err)
	}

	var open []*metricFile
	defer func() {
		for _, mf := range open {
			mf.file.Close()
		}
	}()

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".csv") {
			continue
		}
		f, err := os.Open(filepath.Join(dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("source: open snapshot file %s: %w", entry.Name(), err)
		}
		open = append(open, &metricFile{
			key:     snapshot.KeyForFileName(entry.Name()),
			file:    f,
			scanner: bufio.NewScanner(f),
		})
	}
	sort.Slice(open, func(i, j int) bool { return open[i].key < open[j].key })

	// Round-robin: one bounded batch per file per pass, cycling until all
	// files are exhausted. A short read removes the file from rotation.
	for len(open) > 0 {
		remaining := open[:0]
		for _, mf := range open {
			if err := ctx.Err(); err != nil {
				return err
			}

			batch, exhausted, err := s.readBatch(mf)
			if err != nil {
				return err
			}
			if len(batch) > 0 {
				if err := emit(batch); err != nil {
					return err
				}
			}
			if exhausted {
				mf.file.Close()
				continue
			}
			remaining = append(remaining, mf)
		}
		open = remaining
	}
	return nil
}

// readBatch reads up to batchSize points from one file. A read that
// returns fewer than batchSize records signals exhaustion.
func (s *replayStream) readBatch(mf *metricFile) (metric.Batch, bool, error) {
	batch := make(metric.Batch, 0, s.batchSize)
	for len(batch) < s.batchSize && mf.scanner.Scan() {
		line := strings.TrimSpace(mf.scanner.Text())
		if line == "" {
			continue
		}
		point, err := snapshot.ParsePoint(mf.key, line)
		if err != nil {
			return nil, false, fmt.Errorf("source: replay %s: %w", mf.key, err)
		}
		batch = append(batch, point)
	}
	if err := mf.scanner.Err(); err != nil {
		return nil, false, fmt.Errorf("source: replay %s: %w", mf.key, err)
	}
	return batch, len(batch) < s.batchSize, nil
}
