package source

import (
	"context"
	"fmt"

	"github.com/mlops-tools/tracklift/internal/convert"
	"github.com/mlops-tools/tracklift/internal/metric"
)

// liveStream converts rows pulled from the remote service on the fly.
type liveStream struct {
	reader     Reader
	run        RunDescriptor
	exclusions *convert.Exclusions
}

// NewLiveStream creates a Stream backed by the remote source service.
func NewLiveStream(reader Reader, run RunDescriptor, exclusions *convert.Exclusions) Stream {
	return &liveStream{reader: reader, run: run, exclusions: exclusions}
}

func (s *liveStream) Metrics(ctx context.Context, emit func(metric.Batch) error) error {
	sample, err := s.reader.SampleHistory(ctx, s.run.ID)
	if err != nil {
		return fmt.Errorf("source: sample history for run %s: %w", s.run.ID, err)
	}
	classifier := convert.NewClassifier(s.exclusions, convert.SingleObservationKeys(sample))

	err = s.reader.ScanMetricRows(ctx, s.run.ID, func(row convert.Row) error {
		points := classifier.ConvertRow(row)
		if len(points) == 0 {
			return nil
		}
		return emit(points)
	})
	if err != nil {
		return fmt.Errorf("source: scan metric rows for run %s: %w", s.run.ID, err)
	}
	return nil
}

func (s *liveStream) SystemMetrics(ctx context.Context, emit func(device, host metric.Batch) error) error {
	err := s.reader.ScanSystemRows(ctx, s.run.ID, func(index int64, row convert.Row) error {
		device, host := convert.ConvertSystemRow(row, index)
		if len(device) == 0 && len(host) == 0 {
			return nil
		}
		return emit(device, host)
	})
	if err != nil {
		return fmt.Errorf("source: scan system rows for run %s: %w", s.run.ID, err)
	}
	return nil
}
