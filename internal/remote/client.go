// Package remote is a thin REST client for the remote job-execution platform.
//
// It covers only the endpoints the local development bridge needs: starting
// app components and preview jobs, polling for completion, fetching a job
// snapshot, and reading the server-push job update stream.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// ErrNotFound is returned (wrapped in an *APIError) when the platform answers 404.
var ErrNotFound = errors.New("not found")

// APIError describes a non-2xx response from the platform.
type APIError struct {
	StatusCode int
	Method     string
	Path       string
	Body       string
}

func (e *APIError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > 512 {
		body = body[:512] + "..."
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.StatusCode, body)
}

// Is lets errors.Is(err, ErrNotFound) match 404 responses.
func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// Config holds client configuration.
type Config struct {
	// BaseURL is the platform root, e.g. https://app.windmill.dev
	BaseURL string

	// Workspace is the workspace id every job call is scoped to
	Workspace string

	// Token is the bearer token sent with every request
	Token string

	// Timeout bounds non-streaming requests (default: 30s)
	Timeout time.Duration

	// HTTPClient overrides the base transport (tests)
	HTTPClient *http.Client
}

// Client talks to the platform REST API.
type Client struct {
	baseURL   *url.URL
	workspace string

	// http is used for bounded request/response calls, stream for
	// long-lived server-push reads that must not carry a client timeout.
	http   *http.Client
	stream *http.Client
}

// New creates a Client from config.
func New(config Config) (*Client, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("base URL cannot be empty")
	}
	if config.Workspace == "" {
		return nil, fmt.Errorf("workspace cannot be empty")
	}
	u, err := url.Parse(strings.TrimRight(config.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", config.BaseURL, err)
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}

	base := config.HTTPClient
	if base == nil {
		base = http.DefaultClient
	}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)

	var authed *http.Client
	if config.Token != "" {
		authed = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
			AccessToken: config.Token,
			TokenType:   "Bearer",
		}))
	} else {
		authed = &http.Client{Transport: base.Transport}
	}

	return &Client{
		baseURL:   u,
		workspace: config.Workspace,
		http:      &http.Client{Transport: authed.Transport, Timeout: config.Timeout},
		stream:    &http.Client{Transport: authed.Transport},
	}, nil
}

// Workspace returns the workspace the client is scoped to.
func (c *Client) Workspace() string {
	return c.workspace
}

// ExecuteComponentRequest is the body of an app component execution.
type ExecuteComponentRequest struct {
	Component                     string          `json:"component"`
	Args                          json.RawMessage `json:"args"`
	ForceViewerStaticFields       map[string]any  `json:"force_viewer_static_fields"`
	ForceViewerOneOfFields        map[string]any  `json:"force_viewer_one_of_fields"`
	ForceViewerAllowUserResources []string        `json:"force_viewer_allow_user_resources"`
	ID                            *int64          `json:"id,omitempty"`
	RawCode                       *RawCode        `json:"raw_code,omitempty"`
	Path                          string          `json:"path,omitempty"`
}

// RawCode carries inline code for a component execution.
type RawCode struct {
	Content  string `json:"content"`
	Language string `json:"language"`
	Path     string `json:"path"`
	Lock     string `json:"lock,omitempty"`
	CacheTTL *int   `json:"cache_ttl,omitempty"`
}

// PreviewRequest is the body of an ad hoc script run.
type PreviewRequest struct {
	Content  string         `json:"content"`
	Language string         `json:"language"`
	Path     string         `json:"path,omitempty"`
	Args     map[string]any `json:"args"`
}

// ResultMaybe is the answer of the completed-result poll endpoint.
type ResultMaybe struct {
	Completed bool            `json:"completed"`
	Success   bool            `json:"success"`
	Started   bool            `json:"started"`
	Result    json.RawMessage `json:"result"`
}

// ExecuteComponent starts an app component job and returns its id.
func (c *Client) ExecuteComponent(ctx context.Context, appPath string, req *ExecuteComponentRequest) (string, error) {
	p := fmt.Sprintf("/api/w/%s/apps_u/execute_component/%s", url.PathEscape(c.workspace), appPath)
	var id string
	if err := c.do(ctx, http.MethodPost, p, nil, req, &id); err != nil {
		return "", err
	}
	return id, nil
}

// RunPreview starts an ad hoc script job and returns its id.
func (c *Client) RunPreview(ctx context.Context, req *PreviewRequest) (string, error) {
	p := fmt.Sprintf("/api/w/%s/jobs/run/preview", url.PathEscape(c.workspace))
	var id string
	if err := c.do(ctx, http.MethodPost, p, nil, req, &id); err != nil {
		return "", err
	}
	return id, nil
}

// GetResultMaybe returns the job result if the job has completed.
func (c *Client) GetResultMaybe(ctx context.Context, jobID string) (*ResultMaybe, error) {
	p := fmt.Sprintf("/api/w/%s/jobs_u/completed/get_result_maybe/%s", url.PathEscape(c.workspace), url.PathEscape(jobID))
	q := url.Values{"get_started": {"false"}}
	var res ResultMaybe
	if err := c.do(ctx, http.MethodGet, p, q, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// GetJob returns the raw job snapshot (queued or completed).
func (c *Client) GetJob(ctx context.Context, jobID string) (json.RawMessage, error) {
	p := fmt.Sprintf("/api/w/%s/jobs_u/get/%s", url.PathEscape(c.workspace), url.PathEscape(jobID))
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, p, nil, nil, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// Version returns the platform version string, e.g. "v1.520.0".
func (c *Client) Version(ctx context.Context) (string, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/version", nil, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch version: %w", err)
	}
	defer resp.Body.Close()
	if err := checkResponse(resp); err != nil {
		return "", err
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read version: %w", err)
	}
	// Answers look like "CE v1.520.0" or "EE v1.520.0-3-gabc".
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return "", fmt.Errorf("empty version response")
	}
	return fields[len(fields)-1], nil
}

// StreamUpdates opens the server-push update stream for a job.
// The caller must Close the returned stream.
func (c *Client) StreamUpdates(ctx context.Context, jobID string) (*UpdateStream, error) {
	p := fmt.Sprintf("/api/w/%s/jobs_u/getupdate_sse/%s", url.PathEscape(c.workspace), url.PathEscape(jobID))
	q := url.Values{"fast": {"true"}, "only_result": {"true"}}
	req, err := c.newRequest(ctx, http.MethodGet, p, q, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.stream.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to open update stream: %w", err)
	}
	if err := checkResponse(resp); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return newUpdateStream(resp.Body), nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body any) (*http.Request, error) {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + path
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		r = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), r)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	req, err := c.newRequest(ctx, method, path, query, body)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if err := checkResponse(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if s, ok := out.(*string); ok {
		// Job-creating endpoints answer with a bare id, sometimes unquoted.
		if err := json.Unmarshal(data, s); err != nil {
			*s = strings.TrimSpace(string(data))
		}
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", path, err)
	}
	return nil
}

func checkResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	return &APIError{
		StatusCode: resp.StatusCode,
		Method:     resp.Request.Method,
		Path:       resp.Request.URL.Path,
		Body:       string(body),
	}
}
