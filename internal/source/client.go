package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mlops-tools/tracklift/internal/convert"
)

// ClientConfig holds the settings needed to construct a Client.
type ClientConfig struct {
	// BaseURL is the root URL of the source tracking service.
	BaseURL string

	// Entity is the account or team owning the projects to migrate.
	Entity string

	// APIKey authenticates requests against the source service.
	APIKey string

	// PageSize bounds the rows fetched per history page. Defaults to 500.
	PageSize int

	// HTTPClient is an optional custom HTTP client. If nil, a default
	// client with a 30-second timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client reads runs and history from the source service over its
// paginated HTTP API. All methods are safe for concurrent use.
type Client struct {
	baseURL  string
	entity   string
	apiKey   string
	pageSize int
	client   *http.Client
}

// NewClient creates a Client from the given configuration. Returns an
// error if BaseURL, Entity, or APIKey is empty.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("source: BaseURL is required")
	}
	if cfg.Entity == "" {
		return nil, fmt.Errorf("source: Entity is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("source: APIKey is required")
	}

	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = 500
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		entity:   cfg.Entity,
		apiKey:   cfg.APIKey,
		pageSize: pageSize,
		client:   httpClient,
	}, nil
}

// runPage is one page of the run listing.
type runPage struct {
	Runs []struct {
		ID        string    `json:"id"`
		Name      string    `json:"name"`
		Group     string    `json:"group"`
		CreatedAt time.Time `json:"created_at"`
	} `json:"runs"`
	NextCursor string `json:"next_cursor"`
}

// rowPage is one page of a history scan.
type rowPage struct {
	Rows       []convert.Row `json:"rows"`
	NextCursor string        `json:"next_cursor"`
}

// ListRuns enumerates all runs of a project, following pagination.
func (c *Client) ListRuns(ctx context.Context, project string) ([]RunDescriptor, error) {
	var runs []RunDescriptor
	cursor := ""
	for {
		var page runPage
		path := fmt.Sprintf("/api/v1/%s/%s/runs", url.PathEscape(c.entity), url.PathEscape(project))
		if err := c.get(ctx, path, cursor, &page); err != nil {
			return nil, fmt.Errorf("source: list runs for project %s: %w", project, err)
		}
		for _, r := range page.Runs {
			runs = append(runs, RunDescriptor{
				ID:        r.ID,
				Name:      r.Name,
				Group:     r.Group,
				CreatedAt: r.CreatedAt,
			})
		}
		if page.NextCursor == "" {
			return runs, nil
		}
		cursor = page.NextCursor
	}
}

// ReadConfig loads a run's configuration mapping.
func (c *Client) ReadConfig(ctx context.Context, runID string) (map[string]any, error) {
	var config map[string]any
	path := fmt.Sprintf("/api/v1/runs/%s/config", url.PathEscape(runID))
	if err := c.get(ctx, path, "", &config); err != nil {
		return nil, fmt.Errorf("source: read config for run %s: %w", runID, err)
	}
	return config, nil
}

// SampleHistory fetches the sampled history row set for a run.
func (c *Client) SampleHistory(ctx context.Context, runID string) ([]convert.Row, error) {
	var page rowPage
	path := fmt.Sprintf("/api/v1/runs/%s/history/sampled", url.PathEscape(runID))
	if err := c.get(ctx, path, "", &page); err != nil {
		return nil, fmt.Errorf("source: sample history for run %s: %w", runID, err)
	}
	return page.Rows, nil
}

// ScanMetricRows streams a run's full metric history row by row,
// following pagination. fn is called once per row in scan order.
func (c *Client) ScanMetricRows(ctx context.Context, runID string, fn func(convert.Row) error) error {
	path := fmt.Sprintf("/api/v1/runs/%s/history", url.PathEscape(runID))
	return c.scanRows(ctx, path, func(_ int64, row convert.Row) error {
		return fn(row)
	})
}

// ScanSystemRows streams a run's system telemetry rows with their index.
func (c *Client) ScanSystemRows(ctx context.Context, runID string, fn func(int64, convert.Row) error) error {
	path := fmt.Sprintf("/api/v1/runs/%s/system-events", url.PathEscape(runID))
	return c.scanRows(ctx, path, fn)
}

func (c *Client) scanRows(ctx context.Context, path string, fn func(int64, convert.Row) error) error {
	cursor := ""
	var index int64
	for {
		var page rowPage
		if err := c.get(ctx, path, cursor, &page); err != nil {
			return err
		}
		for _, row := range page.Rows {
			if err := fn(index, row); err != nil {
				return err
			}
			index++
		}
		if page.NextCursor == "" {
			return nil
		}
		cursor = page.NextCursor
	}
}

func (c *Client) get(ctx context.Context, path, cursor string, out any) error {
	u := c.baseURL + path
	query := url.Values{}
	query.Set("page_size", fmt.Sprint(c.pageSize))
	if cursor != "" {
		query.Set("cursor", cursor)
	}
	u += "?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("GET %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("GET %s: decode response: %w", path, err)
	}
	return nil
}
