package driver

import (
	"fmt"
	"regexp"
)

// Skip reasons recorded in stats and the journal.
const (
	skipReasonNameFilter  = "name filter"
	skipReasonExisting    = "already migrated"
	skipReasonFinished    = "finished before crash"
	skipReasonDualWriting = "run is dual-writing"
)

// nameFilter is the run-name allow-list. An empty filter admits every run.
type nameFilter struct {
	patterns []*regexp.Regexp
}

func newNameFilter(specs []string) (*nameFilter, error) {
	f := &nameFilter{}
	for _, spec := range specs {
		re, err := regexp.Compile(spec)
		if err != nil {
			return nil, fmt.Errorf("driver: compile run name filter %q: %w", spec, err)
		}
		f.patterns = append(f.patterns, re)
	}
	return f, nil
}

func (f *nameFilter) admits(name string) bool {
	if len(f.patterns) == 0 {
		return true
	}
	for _, re := range f.patterns {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}

// Config keys a dual-writing trainer leaves behind: the destination
// experiment id at the top level, or a destination logger registered
// under the "loggers" mapping.
const (
	dualWriteExperimentKey = "mlflow_experiment_id"
	dualWriteLoggerKey     = "mlflow"
	loggersKey             = "loggers"
)

// isDualWriting reports whether a run's training config says the run
// already writes to the destination. Presence of the key is what
// matters, not its value. Anything malformed counts as not
// dual-writing; skipping a run we are unsure about would lose data.
func isDualWriting(config map[string]any) bool {
	if config == nil {
		return false
	}
	if _, ok := config[dualWriteExperimentKey]; ok {
		return true
	}
	loggers, ok := config[loggersKey].(map[string]any)
	if !ok {
		return false
	}
	_, ok = loggers[dualWriteLoggerKey]
	return ok
}
