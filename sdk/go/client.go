package replaylinesdk

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
)

// Client is a minimal Replayline HTTP API client.
type Client struct {
	BaseURL    string
	ProjectID  string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

// PipelinePass is the API response for a submitted or replayed request.
type PipelinePass struct {
	RequestHash string         `json:"request_hash"`
	Result      map[string]any `json:"result"`
	Evaluation  map[string]any `json:"evaluation,omitempty"`
	Execution   *Execution     `json:"execution,omitempty"`
}

// Execution represents one indexed pipeline pass.
type Execution struct {
	ID               string `json:"id"`
	TaskID           string `json:"task_id"`
	RequestHash      string `json:"request_hash"`
	Action           string `json:"action"`
	Status           string `json:"status"`
	ErrorType        string `json:"error_type"`
	EvaluationStatus string `json:"evaluation_status"`
	Replayed         bool   `json:"replayed"`
	CreatedAt        string `json:"created_at"`
}

// Project represents the API project model.
type Project struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	PublicDir   string `json:"public_dir"`
	Description string `json:"description"`
	CreatedAt   string `json:"created_at"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	Payload    string `json:"payload_json"`
}

// History wraps an NDJSON log listing.
type History struct {
	Entries        []map[string]any `json:"entries"`
	MalformedLines int              `json:"malformed_ndjson_lines_ignored"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Submit stages a request and runs the pipeline synchronously.
func (c *Client) Submit(ctx context.Context, request map[string]any) (PipelinePass, error) {
	var resp PipelinePass
	err := c.do(ctx, http.MethodPost, c.path("execution-requests"), request, &resp)
	return resp, err
}

// Replay re-runs a historical request by fingerprint.
func (c *Client) Replay(ctx context.Context, requestHash string) (PipelinePass, error) {
	var resp PipelinePass
	err := c.do(ctx, http.MethodPost, c.path("replays"), map[string]any{"request_hash": requestHash}, &resp)
	return resp, err
}

// ReplayIndex re-runs the history entry at the given position.
func (c *Client) ReplayIndex(ctx context.Context, index int) (PipelinePass, error) {
	var resp PipelinePass
	err := c.do(ctx, http.MethodPost, c.path("replays"), map[string]any{"index": index}, &resp)
	return resp, err
}

// CurrentResult reads the current execution result artifact.
func (c *Client) CurrentResult(ctx context.Context) (map[string]any, error) {
	var resp map[string]any
	err := c.do(ctx, http.MethodGet, "v0/artifacts/execution-result", nil, &resp)
	return resp, err
}

// CurrentEvaluation reads the current evaluation artifact.
func (c *Client) CurrentEvaluation(ctx context.Context) (map[string]any, error) {
	var resp map[string]any
	err := c.do(ctx, http.MethodGet, "v0/artifacts/evaluation-result", nil, &resp)
	return resp, err
}

// ResultHistory tails the execution result log.
func (c *Client) ResultHistory(ctx context.Context, limit int) (History, error) {
	endpoint := "v0/history/results"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp History
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// CreateProject creates a project.
func (c *Client) CreateProject(ctx context.Context, id, description string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, "v0/projects", map[string]any{"id": id, "description": description}, &resp)
	return resp, err
}

// Executions lists indexed executions for the client's project.
func (c *Client) Executions(ctx context.Context, limit int) ([]Execution, error) {
	var resp struct {
		Items []Execution `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, c.path(fmt.Sprintf("executions?limit=%d", limit)), nil, &resp)
	return resp.Items, err
}

// Events returns recent events for the client's project.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	var resp struct {
		Items []Event `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, c.path(fmt.Sprintf("events?limit=%d", limit)), nil, &resp)
	return resp.Items, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	u := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, u, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// path appends the project filter when the client is scoped to one.
func (c *Client) path(p string) string {
	endpoint := "v0/" + strings.TrimLeft(p, "/")
	if c.ProjectID == "" {
		return endpoint
	}
	sep := "?"
	if strings.Contains(endpoint, "?") {
		sep = "&"
	}
	return endpoint + sep + "project_id=" + url.QueryEscape(c.ProjectID)
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
