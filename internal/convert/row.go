// Package convert turns raw source-service history rows into destination
// metric points, partitioning keys into single-observation and time-series
// classes and rewriting hierarchical key separators for the destination UI.
package convert

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strings"
)

// Row is one record of a run's metric history as returned by the source
// service: metric keys plus bookkeeping fields for timestamp and step.
type Row map[string]any

// Bookkeeping fields the source attaches to every history row. They are
// never converted into metrics.
const (
	TimestampKey = "_timestamp"
	StepKey      = "_step"
	RuntimeKey   = "_runtime"
)

var defaultExclusions = map[string]struct{}{
	TimestampKey: {},
	StepKey:      {},
	RuntimeKey:   {},
}

// Exclusions decides which metric keys are skipped during conversion.
// Caller-supplied entries match either exactly or as a regular expression;
// the source's bookkeeping fields are always excluded.
type Exclusions struct {
	exact    map[string]struct{}
	patterns []*regexp.Regexp
}

// NewExclusions compiles the given exclusion specs. An entry that fails to
// compile as a regular expression is a configuration error.
func NewExclusions(specs []string) (*Exclusions, error) {
	e := &Exclusions{exact: make(map[string]struct{}, len(specs))}
	for _, spec := range specs {
		e.exact[spec] = struct{}{}
		re, err := regexp.Compile(spec)
		if err != nil {
			return nil, fmt.Errorf("convert: invalid metric exclusion %q: %w", spec, err)
		}
		e.patterns = append(e.patterns, re)
	}
	return e, nil
}

// Excluded reports whether key must be skipped.
func (e *Exclusions) Excluded(key string) bool {
	if _, ok := defaultExclusions[key]; ok {
		return true
	}
	if e == nil {
		return false
	}
	if _, ok := e.exact[key]; ok {
		return true
	}
	for _, re := range e.patterns {
		if re.MatchString(key) {
			return true
		}
	}
	return false
}

// numericValue extracts a usable metric value. Missing values, non-numeric
// types, and NaN are rejected regardless of the source's type tag.
func numericValue(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	case uint:
		f = float64(n)
	case uint32:
		f = float64(n)
	case uint64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) {
		return 0, false
	}
	return f, true
}

// RewriteKey rewrites the source's hierarchical separator to the
// destination's. A key without separators passes through unchanged.
func RewriteKey(key string) string {
	return strings.ReplaceAll(key, ".", "/")
}
