package genlinesdk

import (
	"bufio"
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

// Client is a minimal Genline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Brief is the input a run is created from.
type Brief struct {
	Name         string   `json:"name"`
	Languages    []string `json:"languages,omitempty"`
	Requirements []string `json:"requirements,omitempty"`
	Context      string   `json:"context,omitempty"`
}

// Stage represents one stage of a run (partial).
type Stage struct {
	ID           string         `json:"id"`
	Kind         string         `json:"kind"`
	Status       string         `json:"status"`
	AttemptCount int            `json:"attempt_count"`
	DependsOn    []string       `json:"depends_on,omitempty"`
	Artifact     map[string]any `json:"artifact,omitempty"`
	Partial      bool           `json:"partial,omitempty"`
	LastError    string         `json:"last_error,omitempty"`
}

// Run represents the API run model.
type Run struct {
	ID        string  `json:"id"`
	Status    string  `json:"status"`
	Brief     Brief   `json:"brief"`
	Stages    []Stage `json:"stages,omitempty"`
	LastError string  `json:"last_error,omitempty"`
	CreatedAt string  `json:"created_at"`
	UpdatedAt string  `json:"updated_at"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	RunID      string         `json:"run_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// Chunk is one streamed stage output update.
type Chunk struct {
	RunID   string `json:"run_id"`
	StageID string `json:"stage_id"`
	Text    string `json:"text,omitempty"`
	Final   bool   `json:"final,omitempty"`
	Failed  bool   `json:"failed,omitempty"`
	Error   string `json:"error,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateRun creates and starts a run.
func (c *Client) CreateRun(ctx context.Context, brief Brief) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodPost, "v0/runs", brief, &resp)
	return resp, err
}

// GetRun fetches a run with its stages.
func (c *Client) GetRun(ctx context.Context, id string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodGet, "v0/runs/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListRuns returns run headers, optionally filtered by status.
func (c *Client) ListRuns(ctx context.Context, status string, limit int) ([]Run, error) {
	endpoint := "v0/runs"
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Run
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ResumeRun resumes a paused or interrupted run.
func (c *Client) ResumeRun(ctx context.Context, id string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodPost, "v0/runs/"+url.PathEscape(id)+"/resume", nil, &resp)
	return resp, err
}

// PauseRun pauses an active run.
func (c *Client) PauseRun(ctx context.Context, id string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodPost, "v0/runs/"+url.PathEscape(id)+"/pause", nil, &resp)
	return resp, err
}

// CancelRun cancels a run.
func (c *Client) CancelRun(ctx context.Context, id string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodPost, "v0/runs/"+url.PathEscape(id)+"/cancel", nil, &resp)
	return resp, err
}

// RetryStage requeues a failed stage and restarts the run.
func (c *Client) RetryStage(ctx context.Context, runID, stageID string) (Run, error) {
	var resp Run
	endpoint := fmt.Sprintf("v0/runs/%s/stages/%s/retry", url.PathEscape(runID), url.PathEscape(stageID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent events, optionally scoped to one run.
func (c *Client) Events(ctx context.Context, runID string, limit int) ([]Event, error) {
	endpoint := "v0/events"
	q := url.Values{}
	if runID != "" {
		q.Set("run_id", runID)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// StreamStage consumes the server-sent event stream for a stage, invoking
// onChunk for each update until the stream ends or ctx is cancelled.
func (c *Client) StreamStage(ctx context.Context, runID, stageID string, onChunk func(Chunk)) error {
	endpoint := fmt.Sprintf("v0/runs/%s/stages/%s/stream", url.PathEscape(runID), url.PathEscape(stageID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base()+"/"+endpoint, nil)
	if err != nil {
		return err
	}
	c.authorize(req)
	// No client timeout here: streams stay open as long as the stage runs.
	streamClient := &http.Client{}
	resp, err := streamClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var chunk Chunk
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &chunk); err != nil {
			continue
		}
		onChunk(chunk)
		if chunk.Final {
			return nil
		}
	}
	return scanner.Err()
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)
	resp, err := c.httpClient().Do(req)
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

func (c *Client) authorize(req *http.Request) {
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	return c.HTTPClient
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
