package backend

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

	"github.com/jpalmerr/evalwatch/evaluation"
)

const maxResponseBodySize = 1 << 20 // 1MB

// connection pooling limits; every poller of a process talks to one backend host
const (
	defaultMaxIdleConns        = 100
	defaultMaxIdleConnsPerHost = 10
	defaultMaxConnsPerHost     = 10
	defaultIdleConnTimeout     = 60 * time.Second
)

// Option configures a [Client].
type Option func(*Client)

// WithHeaders adds headers to every request, e.g. Authorization.
func WithHeaders(headers map[string]string) Option {
	return func(c *Client) {
		for k, v := range headers {
			c.headers[k] = v
		}
	}
}

// WithHTTPClient replaces the pooled HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// Client talks to the evaluation status API.
//
// Client has no global timeout; callers bound each request through its
// context. Response bodies are limited to 1MB. Client is safe for
// concurrent use.
type Client struct {
	baseURL    *url.URL
	headers    map[string]string
	httpClient *http.Client
}

// NewClient creates a [Client] for the API rooted at baseURL.
//
// The default transport keeps a connection pool:
//   - MaxIdleConns: 100 total idle connections
//   - MaxIdleConnsPerHost: 10 idle connections per host
//   - MaxConnsPerHost: 10 concurrent connections per host
//   - IdleConnTimeout: 60 seconds before closing idle connections
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid backend URL %q: %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("backend URL %q must use http or https", baseURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("backend URL %q has no host", baseURL)
	}
	u.Path = strings.TrimRight(u.Path, "/")

	c := &Client{
		baseURL: u,
		headers: make(map[string]string),
		httpClient: &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        defaultMaxIdleConns,
				MaxIdleConnsPerHost: defaultMaxIdleConnsPerHost,
				MaxConnsPerHost:     defaultMaxConnsPerHost,
				IdleConnTimeout:     defaultIdleConnTimeout,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// ListEvaluations loads every evaluation of the tenant's system.
func (c *Client) ListEvaluations(ctx context.Context, tenant, system string) ([]evaluation.Evaluation, error) {
	body, err := c.get(ctx, c.endpoint("tenants", tenant, "systems", system, "evaluations"))
	if err != nil {
		return nil, err
	}

	var list []evaluation.Evaluation
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, malformed("evaluation list: %v", err)
	}
	for i, ev := range list {
		if ev.ID == "" {
			return nil, malformed("evaluation list: entry %d has no id", i)
		}
	}
	return list, nil
}

// GetEvaluationStatus fetches the current status of one evaluation.
//
// A payload without an id is attributed to the requested evaluation; a
// payload for a different id, or without a status, is malformed.
func (c *Client) GetEvaluationStatus(ctx context.Context, tenant, system, id string) (evaluation.Evaluation, error) {
	body, err := c.get(ctx, c.endpoint("tenants", tenant, "systems", system, "evaluations", id, "status"))
	if err != nil {
		return evaluation.Evaluation{}, err
	}

	var ev evaluation.Evaluation
	if err := json.Unmarshal(body, &ev); err != nil {
		return evaluation.Evaluation{}, malformed("evaluation %s status: %v", id, err)
	}
	if ev.ID == "" {
		ev.ID = id
	}
	if ev.ID != id {
		return evaluation.Evaluation{}, malformed("status for evaluation %s answered with id %s", id, ev.ID)
	}
	if ev.Status == "" {
		return evaluation.Evaluation{}, malformed("evaluation %s status: empty status", id)
	}
	return ev, nil
}

// Close closes all idle connections in the client's connection pool.
// Safe to call multiple times; the client remains usable afterwards.
func (c *Client) Close() {
	if c == nil || c.httpClient == nil {
		return
	}
	c.httpClient.CloseIdleConnections()
}

// endpoint joins escaped path segments onto the base URL.
func (c *Client) endpoint(segments ...string) string {
	u := *c.baseURL
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = url.PathEscape(s)
	}
	u.Path = c.baseURL.Path + "/" + strings.Join(segments, "/")
	u.RawPath = c.baseURL.EscapedPath() + "/" + strings.Join(escaped, "/")
	return u.String()
}

func (c *Client) get(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	for key, value := range c.headers {
		req.Header.Set(key, value)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, newStatusError(http.MethodGet, target, resp.StatusCode, bytes.TrimSpace(body))
	}
	return body, nil
}
