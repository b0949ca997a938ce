// Package stats accumulates migration statistics and reports a summary
// when the migration finishes.
package stats

import (
	"log/slog"
	"sync"
	"time"
)

// RunResult captures the outcome of migrating one source run.
type RunResult struct {
	RunID    string
	Name     string
	Batches  int
	Points   int
	Duration time.Duration
}

// Collector accumulates per-run outcomes. Safe for concurrent use; the
// replay worker pool reports from multiple goroutines.
type Collector struct {
	mu sync.Mutex

	startTime time.Time

	migrated []RunResult
	failed   int
	skipped  map[string]int // reason -> count

	batches int
	points  int
}

// NewCollector creates a Collector with the clock started.
func NewCollector() *Collector {
	return &Collector{
		startTime: time.Now(),
		skipped:   make(map[string]int),
	}
}

// RunMigrated records a successfully migrated run.
func (c *Collector) RunMigrated(result RunResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.migrated = append(c.migrated, result)
	c.batches += result.Batches
	c.points += result.Points
}

// RunSkipped records a run skipped for the given reason.
func (c *Collector) RunSkipped(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.skipped[reason]++
}

// RunFailed records a run whose migration failed.
func (c *Collector) RunFailed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failed++
}

// Migrated returns the recorded results in completion order.
func (c *Collector) Migrated() []RunResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]RunResult, len(c.migrated))
	copy(out, c.migrated)
	return out
}

// SkippedTotal returns the number of skipped runs across all reasons.
func (c *Collector) SkippedTotal() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, n := range c.skipped {
		total += n
	}
	return total
}

// Failed returns the number of failed runs.
func (c *Collector) Failed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failed
}

// LogSummary emits the final migration summary.
func (c *Collector) LogSummary(logger *slog.Logger) {
	c.mu.Lock()
	defer c.mu.Unlock()

	durations := make([]time.Duration, 0, len(c.migrated))
	for _, r := range c.migrated {
		durations = append(durations, r.Duration)
	}
	minDur, maxDur, avgDur := calculateMinMaxAvgDuration(durations)

	logger.Info("migration summary",
		"runs_migrated", len(c.migrated),
		"runs_failed", c.failed,
		"batches_written", c.batches,
		"points_written", c.points,
		"min_run_duration", minDur.String(),
		"max_run_duration", maxDur.String(),
		"avg_run_duration", avgDur.String(),
		"elapsed", time.Since(c.startTime).String())

	for reason, count := range c.skipped {
		logger.Info("runs skipped", "reason", reason, "count", count)
	}
}

func calculateMinMaxAvgDuration(samples []time.Duration) (min, max, avg time.Duration) {
	if len(samples) == 0 {
		return 0, 0, 0
	}
	min, max = samples[0], samples[0]
	var total time.Duration
	for _, s := range samples {
		if s < min {
			min = s
		}
		if s > max {
			max = s
		}
		total += s
	}
	return min, max, total / time.Duration(len(samples))
}
