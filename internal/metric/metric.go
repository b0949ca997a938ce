package metric

import "strconv"

// Point is a single converted observation bound for the destination
// tracking service. Value is always numeric; non-numeric source fields are
// never converted into Points.
type Point struct {
	// Key is the metric name using the destination's hierarchical
	// separator ("/").
	Key string

	// Value is the observed value.
	Value float64

	// Timestamp is milliseconds since the epoch, or a surrogate for
	// sources that do not record wall-clock time for the metric.
	Timestamp int64

	// Step is the sequence position. Single-observation metrics are
	// pinned to step 0 regardless of the step the source recorded.
	Step int64
}

// Batch is an ordered sequence of Points. A Batch is owned by whoever
// built it until it is handed to a writer; after that the writer owns it.
type Batch []Point

// ParseValue parses a persisted value string, preferring the integer form
// so that "3" round-trips exactly while "3.0" falls back to float parsing.
func ParseValue(s string) (float64, error) {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return float64(i), nil
	}
	return strconv.ParseFloat(s, 64)
}

// FormatValue renders a Point value for persistence using the shortest
// representation that reparses to the same number.
func FormatValue(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
