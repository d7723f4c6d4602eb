package client

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

	"github.com/gorilla/websocket"
)

// Client provides typed access to the deployflow logstream API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	dialer     *websocket.Dialer
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:9000"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
		dialer:     websocket.DefaultDialer,
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body any, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	endpoint := c.baseURL + path
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		msg := extractError(resp.Body)
		return APIError{Status: resp.StatusCode, Message: msg}
	}

	if v == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(body io.Reader) string {
	if body == nil {
		return ""
	}
	var payload struct {
		Error string `json:"error"`
	}
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return ""
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	return strings.TrimSpace(payload.Error)
}

// Project describes a registered deployable.
type Project struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	SubDomain    string    `json:"subDomain"`
	CustomDomain string    `json:"customDomain,omitempty"`
	GitURL       string    `json:"gitURL"`
	CreatedAt    time.Time `json:"createdAt"`
}

// CreateProjectInput captures the payload for project creation.
type CreateProjectInput struct {
	Name         string `json:"name"`
	GitURL       string `json:"gitURL"`
	CustomDomain string `json:"customDomain,omitempty"`
}

type projectEnvelope struct {
	Data struct {
		Project Project `json:"project"`
	} `json:"data"`
}

// CreateProject registers a new project.
func (c *Client) CreateProject(ctx context.Context, input CreateProjectInput) (Project, error) {
	var resp projectEnvelope
	if err := c.do(ctx, http.MethodPost, "/projects", input, &resp); err != nil {
		return Project{}, err
	}
	return resp.Data.Project, nil
}

// GetProject fetches a project.
func (c *Client) GetProject(ctx context.Context, projectID string) (Project, error) {
	var resp projectEnvelope
	path := fmt.Sprintf("/projects/%s", url.PathEscape(projectID))
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return Project{}, err
	}
	return resp.Data.Project, nil
}

// SetCustomDomain sets, or with an empty domain clears, a project's custom domain.
func (c *Client) SetCustomDomain(ctx context.Context, projectID, domain string) (Project, error) {
	var resp projectEnvelope
	path := fmt.Sprintf("/projects/%s/domain", url.PathEscape(projectID))
	if err := c.do(ctx, http.MethodPut, path, map[string]string{"customDomain": domain}, &resp); err != nil {
		return Project{}, err
	}
	return resp.Data.Project, nil
}

// Deployment represents API deployment payloads.
type Deployment struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"projectId"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TriggerDeployment queues a deployment and returns its id.
func (c *Client) TriggerDeployment(ctx context.Context, projectID string) (string, error) {
	var resp struct {
		Data struct {
			DeploymentID string `json:"deploymentId"`
		} `json:"data"`
	}
	if err := c.do(ctx, http.MethodPost, "/deploy", map[string]string{"projectId": projectID}, &resp); err != nil {
		return "", err
	}
	return resp.Data.DeploymentID, nil
}

// GetDeployment fetches a deployment's current state.
func (c *Client) GetDeployment(ctx context.Context, deploymentID string) (Deployment, error) {
	var resp struct {
		Data struct {
			Deployment Deployment `json:"deployment"`
		} `json:"data"`
	}
	path := fmt.Sprintf("/deployments/%s", url.PathEscape(deploymentID))
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return Deployment{}, err
	}
	return resp.Data.Deployment, nil
}

// ListDeployments fetches recent deployments for a project.
func (c *Client) ListDeployments(ctx context.Context, projectID string, limit int) ([]Deployment, error) {
	query := ""
	if limit > 0 {
		query = fmt.Sprintf("?limit=%d", limit)
	}
	var resp struct {
		Data struct {
			Deployments []Deployment `json:"deployments"`
		} `json:"data"`
	}
	path := fmt.Sprintf("/projects/%s/deployments%s", url.PathEscape(projectID), query)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Data.Deployments, nil
}

// LogEvent is one deployment log line.
type LogEvent struct {
	Seq          int64     `json:"seq"`
	DeploymentID string    `json:"deploymentId"`
	Timestamp    time.Time `json:"timestamp"`
	Log          string    `json:"log"`
}

// FetchLogs returns the full stored history of a deployment.
func (c *Client) FetchLogs(ctx context.Context, deploymentID string) ([]LogEvent, error) {
	var resp struct {
		Logs []LogEvent `json:"logs"`
	}
	path := fmt.Sprintf("/logs/%s", url.PathEscape(deploymentID))
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Logs, nil
}

// Follow streams history and then live events for a deployment, calling fn
// for each, until ctx ends, fn returns an error, or the server closes.
func (c *Client) Follow(ctx context.Context, deploymentID string, fn func(LogEvent) error) error {
	endpoint, err := url.Parse(c.baseURL + "/ws/logs")
	if err != nil {
		return fmt.Errorf("build stream url: %w", err)
	}
	switch endpoint.Scheme {
	case "https":
		endpoint.Scheme = "wss"
	default:
		endpoint.Scheme = "ws"
	}
	endpoint.RawQuery = url.Values{"deployment_id": {deploymentID}}.Encode()

	conn, resp, err := c.dialer.DialContext(ctx, endpoint.String(), nil)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return APIError{Status: resp.StatusCode, Message: extractError(resp.Body)}
		}
		return fmt.Errorf("dial log stream: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		var frame struct {
			Event string   `json:"event"`
			Data  LogEvent `json:"data"`
		}
		if err := conn.ReadJSON(&frame); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read log stream: %w", err)
		}
		if err := fn(frame.Data); err != nil {
			return err
		}
	}
}
