package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const defaultBaseURL = "http://localhost:4100"

// Client provides typed access to the deploy API for build tooling.
type Client struct {
	baseURL    string
	httpClient *http.Client
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
		trimmed = defaultBaseURL
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL: strings.TrimRight(trimmed, "/"),
		// Archives can be large; per-call contexts bound the request instead.
		httpClient: &http.Client{},
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

type request struct {
	method      string
	path        string
	token       string
	contentType string
	header      http.Header
	body        io.Reader
}

func (c *Client) send(ctx context.Context, r request, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	req, err := http.NewRequestWithContext(ctx, r.method, c.baseURL+r.path, r.body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	for key, values := range r.header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	if r.contentType != "" {
		req.Header.Set("Content-Type", r.contentType)
	}
	if token := strings.TrimSpace(r.token); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return APIError{Status: resp.StatusCode, Message: extractError(resp.Body)}
	}
	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, r request, body any, v any) error {
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		r.body = bytes.NewReader(payload)
		r.contentType = "application/json"
	}
	return c.send(ctx, r, v)
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

// Target names the branch a build is deployed to.
type Target struct {
	Organization string
	Game         string
	Branch       string
	// Password is only applied when the branch is created by this deploy.
	Password   string
	DeployedBy string
}

func (t Target) path() string {
	return fmt.Sprintf("/deploy/%s/%s/%s",
		url.PathEscape(t.Organization), url.PathEscape(t.Game), url.PathEscape(t.Branch))
}

func (t Target) header() http.Header {
	h := http.Header{}
	if t.DeployedBy != "" {
		h.Set("X-Deployed-By", t.DeployedBy)
	}
	if t.Password != "" {
		h.Set("X-Branch-Password", t.Password)
	}
	return h
}

// Result reports a finished deploy.
type Result struct {
	DeployID string        `json:"deployId"`
	Number   int           `json:"number"`
	Path     string        `json:"path"`
	URL      string        `json:"url"`
	Outcome  string        `json:"outcome"`
	Duration time.Duration `json:"duration"`
}

// Served reports whether the deploy became the branch's active deploy.
func (r Result) Served() bool {
	return r.Outcome == "activated"
}

// Deploy uploads a gzipped tar of the build and waits for activation.
func (c *Client) Deploy(ctx context.Context, token string, target Target, archive io.Reader) (Result, error) {
	var res Result
	err := c.send(ctx, request{
		method:      http.MethodPost,
		path:        target.path(),
		token:       token,
		contentType: "application/gzip",
		header:      target.header(),
		body:        archive,
	}, &res)
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

// Asset is one manifest entry.
type Asset struct {
	Path          string `json:"path"`
	Digest        string `json:"digest"`
	ContentLength int64  `json:"contentLength"`
}

// BeginResult lists the assets the server does not hold yet.
type BeginResult struct {
	DeployID string  `json:"deployId"`
	Number   int     `json:"number"`
	Path     string  `json:"path"`
	Missing  []Asset `json:"missing"`
}

// BeginIncremental registers a manifest and starts a deploy.
func (c *Client) BeginIncremental(ctx context.Context, token string, target Target, manifest []Asset) (BeginResult, error) {
	body := map[string]any{"manifest": manifest}
	var res BeginResult
	err := c.do(ctx, request{
		method: http.MethodPost,
		path:   target.path() + "/incremental",
		token:  token,
		header: target.header(),
	}, body, &res)
	if err != nil {
		return BeginResult{}, err
	}
	return res, nil
}

// Blob describes stored asset content.
type Blob struct {
	Existed       bool   `json:"existed"`
	Digest        string `json:"digest"`
	ContentLength int64  `json:"contentLength"`
	ContentType   string `json:"contentType"`
}

// UploadAsset streams one asset body for a started deploy.
func (c *Client) UploadAsset(ctx context.Context, token, deployID, digest, contentType string, body io.Reader) (Blob, error) {
	path := fmt.Sprintf("/deploys/%s/assets?digest=%s", url.PathEscape(deployID), url.QueryEscape(digest))
	var blob Blob
	err := c.send(ctx, request{
		method:      http.MethodPut,
		path:        path,
		token:       token,
		contentType: contentType,
		body:        body,
	}, &blob)
	if err != nil {
		return Blob{}, err
	}
	return blob, nil
}

// Activate materializes an incremental deploy. A zero concurrency uses the
// server default.
func (c *Client) Activate(ctx context.Context, token, deployID string, concurrency int) (Result, error) {
	path := fmt.Sprintf("/deploys/%s/activate", url.PathEscape(deployID))
	if concurrency > 0 {
		path += "?concurrency=" + strconv.Itoa(concurrency)
	}
	var res Result
	if err := c.do(ctx, request{method: http.MethodPost, path: path, token: token}, nil, &res); err != nil {
		return Result{}, err
	}
	return res, nil
}

// DeployInfo is the serving-path view of a branch.
type DeployInfo struct {
	Purpose  string `json:"purpose"`
	FilePath string `json:"filePath"`
}

// GetDeployInfo fetches the active deploy of a branch. It returns an
// APIError with status 404 when the branch has nothing active.
func (c *Client) GetDeployInfo(ctx context.Context, token, org, game, branch string) (DeployInfo, error) {
	path := fmt.Sprintf("/deploy-info/%s/%s/%s", url.PathEscape(org), url.PathEscape(game), url.PathEscape(branch))
	var info DeployInfo
	if err := c.do(ctx, request{method: http.MethodGet, path: path, token: token}, nil, &info); err != nil {
		return DeployInfo{}, err
	}
	return info, nil
}
