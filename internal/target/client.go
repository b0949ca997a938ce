package target

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/mlops-tools/tracklift/internal/metric"
)

// ClientConfig holds the settings needed to construct a Client.
type ClientConfig struct {
	// BaseURL is the root URL of the destination tracking service.
	BaseURL string

	// APIKey authenticates requests against the destination service.
	APIKey string

	// RatePerSecond caps outgoing API calls; the destination write API is
	// rate-limited server-side and serializes better when clients pace
	// themselves. Zero disables client-side pacing.
	RatePerSecond float64

	// HTTPClient is an optional custom HTTP client. If nil, a default
	// client with a 30-second timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is the HTTP implementation of WriterAPI. All methods are safe
// for concurrent use.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
	limiter *rate.Limiter
}

// NewClient creates a Client from the given configuration. Returns an
// error if BaseURL or APIKey is empty.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("target: BaseURL is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("target: APIKey is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	var limiter *rate.Limiter
	if cfg.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1)
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  httpClient,
		limiter: limiter,
	}, nil
}

// GetExperimentByName looks up an experiment by name.
func (c *Client) GetExperimentByName(ctx context.Context, name string) (*Experiment, error) {
	var exp Experiment
	path := "/api/v1/experiments/by-name?name=" + url.QueryEscape(name)
	if err := c.do(ctx, http.MethodGet, path, nil, &exp); err != nil {
		return nil, err
	}
	return &exp, nil
}

// CreateExperiment creates an experiment with the given tags.
func (c *Client) CreateExperiment(ctx context.Context, name string, tags map[string]string) (string, error) {
	var resp struct {
		ExperimentID string `json:"experiment_id"`
	}
	body := map[string]any{"name": name, "tags": tags}
	if err := c.do(ctx, http.MethodPost, "/api/v1/experiments", body, &resp); err != nil {
		return "", err
	}
	return resp.ExperimentID, nil
}

// SetExperimentTags merges tags onto an experiment.
func (c *Client) SetExperimentTags(ctx context.Context, experimentID string, tags map[string]string) error {
	path := fmt.Sprintf("/api/v1/experiments/%s/tags", url.PathEscape(experimentID))
	return c.do(ctx, http.MethodPost, path, map[string]any{"tags": tags}, nil)
}

// CreateRun opens a new run under an experiment.
func (c *Client) CreateRun(ctx context.Context, experimentID, name string) (string, error) {
	var resp struct {
		RunID string `json:"run_id"`
	}
	body := map[string]any{"experiment_id": experimentID, "name": name}
	if err := c.do(ctx, http.MethodPost, "/api/v1/runs", body, &resp); err != nil {
		return "", err
	}
	return resp.RunID, nil
}

// wireMetric is the write API's metric representation.
type wireMetric struct {
	Key       string  `json:"key"`
	Value     float64 `json:"value"`
	Timestamp int64   `json:"timestamp"`
	Step      int64   `json:"step"`
}

// LogBatch appends a metric batch to a run.
func (c *Client) LogBatch(ctx context.Context, runID string, batch metric.Batch) error {
	metrics := make([]wireMetric, len(batch))
	for i, p := range batch {
		metrics[i] = wireMetric{Key: p.Key, Value: p.Value, Timestamp: p.Timestamp, Step: p.Step}
	}
	path := fmt.Sprintf("/api/v1/runs/%s/batch", url.PathEscape(runID))
	return c.do(ctx, http.MethodPost, path, map[string]any{"metrics": metrics}, nil)
}

// LogParams records a run's params.
func (c *Client) LogParams(ctx context.Context, runID string, params map[string]string) error {
	path := fmt.Sprintf("/api/v1/runs/%s/params", url.PathEscape(runID))
	return c.do(ctx, http.MethodPost, path, map[string]any{"params": params}, nil)
}

// SetTags merges tags onto a run.
func (c *Client) SetTags(ctx context.Context, runID string, tags map[string]string) error {
	path := fmt.Sprintf("/api/v1/runs/%s/tags", url.PathEscape(runID))
	return c.do(ctx, http.MethodPost, path, map[string]any{"tags": tags}, nil)
}

// SearchRuns lists runs of an experiment matching the filter.
func (c *Client) SearchRuns(ctx context.Context, experimentID, filter string) ([]RunInfo, error) {
	var resp struct {
		Runs []RunInfo `json:"runs"`
	}
	body := map[string]any{"experiment_id": experimentID, "filter": filter}
	if err := c.do(ctx, http.MethodPost, "/api/v1/runs/search", body, &resp); err != nil {
		return nil, err
	}
	return resp.Runs, nil
}

// DeleteRun destroys a run and its data.
func (c *Client) DeleteRun(ctx context.Context, runID string) error {
	path := fmt.Sprintf("/api/v1/runs/%s", url.PathEscape(runID))
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("target: encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}
