package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/askora/askora/internal/repo"

	gh "github.com/google/go-github/v68/github"
)

type Client struct {
	gh *gh.Client
}

// New returns a GitHub API client. An empty token makes unauthenticated requests.
func New(token string, httpClient *http.Client) *Client {
	c := gh.NewClient(httpClient)
	if token != "" {
		c = c.WithAuthToken(token)
	}
	return &Client{gh: c}
}

// WithBaseURL points the client at another API root, such as GitHub Enterprise or a test server.
func (c *Client) WithBaseURL(raw string) (*Client, error) {
	if !strings.HasSuffix(raw, "/") {
		raw += "/"
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing github base url: %w", err)
	}
	c.gh.BaseURL = u
	return c, nil
}

// Exists reports whether the repository is visible to the client. A 404 is
// reported as false with no error; other API failures are returned.
func (c *Client) Exists(ctx context.Context, id string) (bool, error) {
	id, err := repo.Validate(id)
	if err != nil {
		return false, err
	}
	owner, name := repo.Split(id)

	_, _, err = c.gh.Repositories.Get(ctx, owner, name)
	if err == nil {
		return true, nil
	}
	var errResp *gh.ErrorResponse
	if errors.As(err, &errResp) && errResp.Response != nil && errResp.Response.StatusCode == http.StatusNotFound {
		return false, nil
	}
	return false, fmt.Errorf("looking up %s on github: %w", id, err)
}
