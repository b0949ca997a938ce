package convert

import (
	"encoding/json"
	"math"
	"sort"

	"github.com/mlops-tools/tracklift/internal/metric"
)

// SingleObservationKeys partitions metric keys over a run's row set: keys
// with exactly one non-missing value are single-observation metrics. The
// source assigns a non-deterministic step to metrics logged exactly once,
// which would scatter a single data point across an unpredictable x-axis
// position, so such metrics are later pinned to step 0.
func SingleObservationKeys(rows []Row) map[string]struct{} {
	counts := make(map[string]int)
	for _, row := range rows {
		for key, value := range row {
			if missingValue(value) {
				continue
			}
			counts[key]++
		}
	}

	single := make(map[string]struct{})
	for key, n := range counts {
		if n == 1 {
			single[key] = struct{}{}
		}
	}
	return single
}

// missingValue reports whether a row cell carries no observation. The
// source serializes an absent value as null or NaN depending on the
// column's type, so both count as missing.
func missingValue(v any) bool {
	switch n := v.(type) {
	case nil:
		return true
	case float64:
		return math.IsNaN(n)
	case float32:
		return math.IsNaN(float64(n))
	case json.Number:
		f, err := n.Float64()
		return err == nil && math.IsNaN(f)
	}
	return false
}

// Classifier converts one run's history rows into metric points. It is
// built once per run from the run's single-observation key set and the
// caller's exclusions.
type Classifier struct {
	exclusions *Exclusions
	singleObs  map[string]struct{}
}

// NewClassifier creates a Classifier. singleObs is the key set computed by
// SingleObservationKeys; exclusions may be nil.
func NewClassifier(exclusions *Exclusions, singleObs map[string]struct{}) *Classifier {
	if singleObs == nil {
		singleObs = map[string]struct{}{}
	}
	return &Classifier{exclusions: exclusions, singleObs: singleObs}
}

// ConvertRow emits the valid numeric metrics of a single history row.
// Excluded keys, non-numeric values, NaN and missing values are skipped;
// single-observation keys are emitted with step 0, all others with the
// row's native step. Key separators are rewritten on every emission.
func (c *Classifier) ConvertRow(row Row) metric.Batch {
	timestamp := rowTimestamp(row)
	step := rowStep(row)

	// Sorted iteration keeps emission order deterministic so batches for a
	// run replay identically.
	keys := make([]string, 0, len(row))
	for key := range row {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var points metric.Batch
	for _, key := range keys {
		if c.exclusions.Excluded(key) {
			continue
		}
		v, ok := numericValue(row[key])
		if !ok {
			continue
		}
		p := metric.Point{Key: RewriteKey(key), Value: v, Timestamp: timestamp, Step: step}
		if _, single := c.singleObs[key]; single {
			p.Step = 0
		}
		points = append(points, p)
	}
	return points
}

// rowTimestamp converts the source's epoch-seconds bookkeeping field to
// milliseconds. Rows without one get a zero timestamp.
func rowTimestamp(row Row) int64 {
	if ts, ok := numericValue(row[TimestampKey]); ok {
		return int64(ts * 1000)
	}
	return 0
}

func rowStep(row Row) int64 {
	if step, ok := numericValue(row[StepKey]); ok {
		return int64(step)
	}
	return 0
}
