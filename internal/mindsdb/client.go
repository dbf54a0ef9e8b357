// Package mindsdb is a minimal client for the MindsDB HTTP API: the SQL
// endpoint plus the project-scoped knowledge base and agent resources.
package mindsdb

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

	"golang.org/x/time/rate"
)

type Config struct {
	BaseURL string
	Project string
	// Timeout bounds each request unless the caller's context is shorter.
	Timeout   time.Duration
	RateLimit float64
	RateBurst int
	Transport http.RoundTripper
}

type Client struct {
	baseURL string
	project string
	http    *http.Client
	limiter *rate.Limiter
}

func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 10
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 5
	}
	return &Client{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		project: cfg.Project,
		http:    &http.Client{Timeout: cfg.Timeout, Transport: cfg.Transport},
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
	}
}

func (c *Client) Project() string { return c.project }

// APIError is a non-2xx answer from MindsDB.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("mindsdb returned %d: %s", e.StatusCode, e.Body)
}

// IsAlreadyExists reports whether err means the resource is already there.
func IsAlreadyExists(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode == http.StatusConflict ||
		strings.Contains(strings.ToLower(apiErr.Body), "already exists")
}

func IsNotFound(err error) bool {
	return IsStatus(err, http.StatusNotFound)
}

// IsStatus reports whether err is an APIError with the given status code.
func IsStatus(err error, code int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == code
}

// do sends one request and returns the raw body of a 2xx response.
func (c *Client) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		// Wait fails early when the next token lands after the deadline.
		if _, ok := ctx.Deadline(); ok && ctx.Err() == nil {
			return nil, fmt.Errorf("waiting for rate limiter: %w: %w", context.DeadlineExceeded, err)
		}
		return nil, fmt.Errorf("waiting for rate limiter: %w", err)
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshaling request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling mindsdb: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	return data, nil
}

func (c *Client) projectPath(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	return "/api/projects/" + url.PathEscape(c.project) + "/" + strings.Join(escaped, "/")
}

// SQL runs a statement through the generic query endpoint.
func (c *Client) SQL(ctx context.Context, query string) error {
	_, err := c.do(ctx, http.MethodPost, "/api/sql/query", map[string]string{"query": query})
	return err
}

func (c *Client) GetDatabase(ctx context.Context, name string) error {
	_, err := c.do(ctx, http.MethodGet, "/api/databases/"+url.PathEscape(name), nil)
	return err
}

func (c *Client) CreateKnowledgeBase(ctx context.Context, name string) error {
	body := map[string]any{"knowledge_base": map[string]any{"name": name}}
	_, err := c.do(ctx, http.MethodPost, c.projectPath("knowledge_bases"), body)
	return err
}

// InsertURLs asks the knowledge base to crawl urls down to depth.
func (c *Client) InsertURLs(ctx context.Context, kb string, urls []string, depth int) error {
	body := map[string]any{"knowledge_base": map[string]any{"urls": urls, "crawl_depth": depth}}
	_, err := c.do(ctx, http.MethodPut, c.projectPath("knowledge_bases", kb), body)
	return err
}

func (c *Client) GetKnowledgeBase(ctx context.Context, name string) error {
	_, err := c.do(ctx, http.MethodGet, c.projectPath("knowledge_bases", name), nil)
	return err
}

type Model struct {
	Provider  string `json:"provider"`
	ModelName string `json:"model_name"`
	APIKey    string `json:"api_key"`
}

type AgentData struct {
	KnowledgeBases []string `json:"knowledge_bases"`
	Tables         []string `json:"tables,omitempty"`
}

type Agent struct {
	Name           string    `json:"name"`
	Model          Model     `json:"model"`
	Data           AgentData `json:"data"`
	PromptTemplate string    `json:"prompt_template"`
}

func (c *Client) CreateAgent(ctx context.Context, agent Agent) error {
	_, err := c.do(ctx, http.MethodPost, c.projectPath("agents"), map[string]any{"agent": agent})
	return err
}

// GetAgent returns nil when the agent exists.
func (c *Client) GetAgent(ctx context.Context, name string) error {
	_, err := c.do(ctx, http.MethodGet, c.projectPath("agents", name), nil)
	return err
}

// Completion posts messages to the agent and returns the raw JSON response.
func (c *Client) Completion(ctx context.Context, agent string, messages any) ([]byte, error) {
	return c.do(ctx, http.MethodPost, c.projectPath("agents", agent, "completions"), map[string]any{"messages": messages})
}
