// Package snapshotctl inspects dry-run snapshot directories so operators
// can check what a dry run captured before replaying it.
package snapshotctl

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mlops-tools/tracklift/internal/snapshot"
	"github.com/mlops-tools/tracklift/internal/target"
)

// RunReport describes one captured run.
type RunReport struct {
	RunID            string
	Name             string
	Complete         bool
	MetricKeys       int
	SystemMetricKeys int
	Points           int
	Problems         []string
}

// ExperimentReport describes one experiment directory.
type ExperimentReport struct {
	Name  string
	Dir   string
	Owned bool
	Runs  []RunReport
}

// Inspect walks a snapshot base directory and reports every experiment
// and run it finds, flagging unparseable files instead of failing on
// them.
func Inspect(baseDir string) ([]ExperimentReport, error) {
	entries, err := os.ReadDir(baseDir)
	if err != nil {
		return nil, fmt.Errorf("snapshotctl: read %s: %w", baseDir, err)
	}

	var reports []ExperimentReport
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		report, err := inspectExperiment(filepath.Join(baseDir, e.Name()), e.Name())
		if err != nil {
			return nil, err
		}
		reports = append(reports, *report)
	}
	return reports, nil
}

func inspectExperiment(dir, name string) (*ExperimentReport, error) {
	report := &ExperimentReport{Name: name, Dir: dir}

	tags, err := snapshot.ReadTags(dir)
	if err != nil {
		return nil, fmt.Errorf("snapshotctl: read experiment tags: %w", err)
	}
	report.Owned = tags[target.TagMigratedFromProject] == target.MarkerTrue

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("snapshotctl: read %s: %w", dir, err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		run, err := inspectRun(filepath.Join(dir, e.Name()), e.Name())
		if err != nil {
			return nil, err
		}
		report.Runs = append(report.Runs, *run)
	}

	sort.Slice(report.Runs, func(i, j int) bool {
		return report.Runs[i].RunID < report.Runs[j].RunID
	})
	return report, nil
}

func inspectRun(dir, runID string) (*RunReport, error) {
	report := &RunReport{RunID: runID}

	tags, err := snapshot.ReadTags(dir)
	if err != nil {
		report.Problems = append(report.Problems, fmt.Sprintf("unreadable tags: %v", err))
	} else {
		report.Name = tags[target.TagSourceRunName]
		report.Complete = tags[target.TagMigrationComplete] == target.MarkerTrue
	}

	if _, err := snapshot.ReadParams(dir); err != nil {
		report.Problems = append(report.Problems, fmt.Sprintf("unreadable params: %v", err))
	}

	report.MetricKeys, err = inspectMetricDir(filepath.Join(dir, snapshot.MetricsDir), report)
	if err != nil {
		return nil, err
	}
	report.SystemMetricKeys, err = inspectMetricDir(filepath.Join(dir, snapshot.SystemMetricsDir), report)
	if err != nil {
		return nil, err
	}
	return report, nil
}

func inspectMetricDir(dir string, report *RunReport) (int, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("snapshotctl: read %s: %w", dir, err)
	}

	keys := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".csv") {
			continue
		}
		keys++
		points, problems, err := countPoints(filepath.Join(dir, e.Name()))
		if err != nil {
			return 0, err
		}
		report.Points += points
		report.Problems = append(report.Problems, problems...)
	}
	return keys, nil
}

func countPoints(path string) (int, []string, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, nil, fmt.Errorf("snapshotctl: open %s: %w", path, err)
	}
	defer f.Close()

	points := 0
	var problems []string
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		if strings.TrimSpace(scanner.Text()) == "" {
			continue
		}
		if _, err := snapshot.ParsePoint(filepath.Base(path), scanner.Text()); err != nil {
			problems = append(problems, fmt.Sprintf("%s:%d: %v", filepath.Base(path), line, err))
			continue
		}
		points++
	}
	if err := scanner.Err(); err != nil {
		return 0, nil, fmt.Errorf("snapshotctl: scan %s: %w", path, err)
	}
	return points, problems, nil
}
