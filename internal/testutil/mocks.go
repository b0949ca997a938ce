// Package testutil provides mock source/destination services and test
// logging shared by the package tests.
package testutil

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mlops-tools/tracklift/internal/convert"
	"github.com/mlops-tools/tracklift/internal/metric"
	"github.com/mlops-tools/tracklift/internal/source"
	"github.com/mlops-tools/tracklift/internal/target"
)

// TestLogger captures structured log output for assertions.
type TestLogger struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

// NewTestLogger creates a TestLogger.
func NewTestLogger() *TestLogger {
	return &TestLogger{}
}

// Logger returns a slog.Logger writing into the capture buffer.
func (l *TestLogger) Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&syncWriter{l: l}, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// String returns everything logged so far.
func (l *TestLogger) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.String()
}

type syncWriter struct {
	l *TestLogger
}

func (w *syncWriter) Write(p []byte) (int, error) {
	w.l.mu.Lock()
	defer w.l.mu.Unlock()
	return w.l.buf.Write(p)
}

// MockRun is the destination-side record of one run held by MockWriter.
type MockRun struct {
	ID           string
	ExperimentID string
	Name         string
	Tags         map[string]string
	Params       map[string]string
	Batches      []metric.Batch
}

// MockWriter is an in-memory destination service implementing
// target.WriterAPI. Safe for concurrent use.
type MockWriter struct {
	mu          sync.Mutex
	experiments map[string]*target.Experiment // by id
	runs        map[string]*MockRun
	nextID      int

	deletedRuns []string

	logBatchErr error
	writeDelay  time.Duration
}

// NewMockWriter creates an empty MockWriter.
func NewMockWriter() *MockWriter {
	return &MockWriter{
		experiments: make(map[string]*target.Experiment),
		runs:        make(map[string]*MockRun),
	}
}

// SetLogBatchError makes subsequent LogBatch calls fail.
func (m *MockWriter) SetLogBatchError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logBatchErr = err
}

// SetWriteDelay delays each LogBatch call, for queue draining tests.
func (m *MockWriter) SetWriteDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeDelay = d
}

// SeedExperiment installs an existing experiment and returns its id.
func (m *MockWriter) SeedExperiment(name string, tags map[string]string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createExperimentLocked(name, tags)
}

// SeedRun installs an existing run and returns its id.
func (m *MockWriter) SeedRun(experimentID, name string, tags map[string]string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := fmt.Sprintf("run-%d", m.nextID)
	if tags == nil {
		tags = map[string]string{}
	}
	m.runs[id] = &MockRun{ID: id, ExperimentID: experimentID, Name: name, Tags: tags}
	return id
}

// Run returns the record for a run id, or nil.
func (m *MockWriter) Run(id string) *MockRun {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runs[id]
}

// Runs returns all live run records.
func (m *MockWriter) Runs() []*MockRun {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*MockRun, 0, len(m.runs))
	for _, r := range m.runs {
		out = append(out, r)
	}
	return out
}

// RunBySourceID finds the live run tagged with the given source run id.
func (m *MockWriter) RunBySourceID(sourceID string) *MockRun {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.runs {
		if r.Tags[target.TagSourceRunID] == sourceID {
			return r
		}
	}
	return nil
}

// DeletedRuns returns the ids passed to DeleteRun, in order.
func (m *MockWriter) DeletedRuns() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.deletedRuns))
	copy(out, m.deletedRuns)
	return out
}

// Experiment returns the record for an experiment id, or nil.
func (m *MockWriter) Experiment(id string) *target.Experiment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.experiments[id]
}

// ExperimentCount returns the number of experiments.
func (m *MockWriter) ExperimentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.experiments)
}

func (m *MockWriter) createExperimentLocked(name string, tags map[string]string) string {
	m.nextID++
	id := fmt.Sprintf("exp-%d", m.nextID)
	copied := make(map[string]string, len(tags))
	for k, v := range tags {
		copied[k] = v
	}
	m.experiments[id] = &target.Experiment{ID: id, Name: name, Tags: copied}
	return id
}

func (m *MockWriter) GetExperimentByName(ctx context.Context, name string) (*target.Experiment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, exp := range m.experiments {
		if exp.Name == name {
			return exp, nil
		}
	}
	return nil, target.ErrNotFound
}

func (m *MockWriter) CreateExperiment(ctx context.Context, name string, tags map[string]string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createExperimentLocked(name, tags), nil
}

func (m *MockWriter) SetExperimentTags(ctx context.Context, experimentID string, tags map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	exp, ok := m.experiments[experimentID]
	if !ok {
		return target.ErrNotFound
	}
	for k, v := range tags {
		exp.Tags[k] = v
	}
	return nil
}

func (m *MockWriter) CreateRun(ctx context.Context, experimentID, name string) (string, error) {
	return m.SeedRun(experimentID, name, nil), nil
}

func (m *MockWriter) LogBatch(ctx context.Context, runID string, batch metric.Batch) error {
	m.mu.Lock()
	delay := m.writeDelay
	err := m.logBatchErr
	m.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return target.ErrNotFound
	}
	run.Batches = append(run.Batches, batch)
	return nil
}

func (m *MockWriter) LogParams(ctx context.Context, runID string, params map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return target.ErrNotFound
	}
	run.Params = params
	return nil
}

func (m *MockWriter) SetTags(ctx context.Context, runID string, tags map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return target.ErrNotFound
	}
	for k, v := range tags {
		run.Tags[k] = v
	}
	return nil
}

func (m *MockWriter) SearchRuns(ctx context.Context, experimentID, filter string) ([]target.RunInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key, value := parseFilter(filter)
	var out []target.RunInfo
	for _, run := range m.runs {
		if run.ExperimentID != experimentID {
			continue
		}
		if key != "" && run.Tags[key] != value {
			continue
		}
		out = append(out, target.RunInfo{ID: run.ID, Name: run.Name, Tags: run.Tags})
	}
	return out, nil
}

func (m *MockWriter) DeleteRun(ctx context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[runID]; !ok {
		return target.ErrNotFound
	}
	delete(m.runs, runID)
	m.deletedRuns = append(m.deletedRuns, runID)
	return nil
}

// parseFilter understands the single "tags.key = 'value'" form the
// migration uses when searching the destination.
func parseFilter(filter string) (key, value string) {
	rest, ok := strings.CutPrefix(filter, "tags.")
	if !ok {
		return "", ""
	}
	key, value, ok = strings.Cut(rest, "=")
	if !ok {
		return "", ""
	}
	key = strings.TrimSpace(key)
	value = strings.Trim(strings.TrimSpace(value), "'\"")
	return key, value
}

// MockSourceRun is one run's source-side data held by MockReader.
type MockSourceRun struct {
	Descriptor source.RunDescriptor
	Config     map[string]any
	History    []convert.Row
	SystemRows []convert.Row
}

// MockReader is an in-memory source service implementing source.Reader.
type MockReader struct {
	mu   sync.Mutex
	runs []*MockSourceRun
}

// NewMockReader creates a MockReader serving the given runs.
func NewMockReader(runs ...*MockSourceRun) *MockReader {
	return &MockReader{runs: runs}
}

// AddRun appends a run to the project listing.
func (m *MockReader) AddRun(run *MockSourceRun) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, run)
}

func (m *MockReader) find(runID string) *MockSourceRun {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.runs {
		if r.Descriptor.ID == runID {
			return r
		}
	}
	return nil
}

func (m *MockReader) ListRuns(ctx context.Context, project string) ([]source.RunDescriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]source.RunDescriptor, 0, len(m.runs))
	for _, r := range m.runs {
		out = append(out, r.Descriptor)
	}
	return out, nil
}

func (m *MockReader) ReadConfig(ctx context.Context, runID string) (map[string]any, error) {
	run := m.find(runID)
	if run == nil {
		return nil, fmt.Errorf("testutil: no such run %s", runID)
	}
	if run.Config == nil {
		return map[string]any{}, nil
	}
	return run.Config, nil
}

func (m *MockReader) SampleHistory(ctx context.Context, runID string) ([]convert.Row, error) {
	run := m.find(runID)
	if run == nil {
		return nil, fmt.Errorf("testutil: no such run %s", runID)
	}
	return run.History, nil
}

func (m *MockReader) ScanMetricRows(ctx context.Context, runID string, fn func(convert.Row) error) error {
	run := m.find(runID)
	if run == nil {
		return fmt.Errorf("testutil: no such run %s", runID)
	}
	for _, row := range run.History {
		if err := fn(row); err != nil {
			return err
		}
	}
	return nil
}

func (m *MockReader) ScanSystemRows(ctx context.Context, runID string, fn func(int64, convert.Row) error) error {
	run := m.find(runID)
	if run == nil {
		return fmt.Errorf("testutil: no such run %s", runID)
	}
	for i, row := range run.SystemRows {
		if err := fn(int64(i), row); err != nil {
			return err
		}
	}
	return nil
}
