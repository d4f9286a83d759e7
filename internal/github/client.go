// Package github is a thin client for the handful of GitHub REST calls the
// review pipeline needs: pulling a diff and publishing feedback.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Sentinel kinds so the orchestrator can tell fetch failures from publish
// failures without inspecting messages.
var (
	ErrFetch   = errors.New("github fetch failed")
	ErrPublish = errors.New("github publish failed")
)

// ReviewComment is one line-level comment to publish.
type ReviewComment struct {
	Path string `json:"path"`
	Line int    `json:"line"`
	Body string `json:"body"`
}

// Client talks to the GitHub REST API. BaseURL and HTTP client are
// injectable for tests and GitHub Enterprise.
type Client struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

func (c *Client) base() string {
	if c.BaseURL == "" {
		return "https://api.github.com"
	}
	return strings.TrimRight(c.BaseURL, "/")
}

func (c *Client) httpClient() *http.Client {
	if c.Client != nil {
		return c.Client
	}
	return http.DefaultClient
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	req.Header.Set("Accept", "application/vnd.github+json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	return c.httpClient().Do(req)
}

// GetDiff fetches the unified diff for a pull request.
func (c *Client) GetDiff(ctx context.Context, owner, repo string, number int) (string, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/pulls/%d", c.base(), owner, repo, number)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrFetch, err)
	}
	req.Header.Set("Accept", "application/vnd.github.v3.diff")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrFetch, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("%w: status %s", ErrFetch, resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrFetch, err)
	}
	return string(body), nil
}

// PostComments publishes line-level comments as a single pull-request review.
func (c *Client) PostComments(ctx context.Context, owner, repo string, number int, headSHA string, comments []ReviewComment) error {
	if len(comments) == 0 {
		return nil
	}
	url := fmt.Sprintf("%s/repos/%s/%s/pulls/%d/reviews", c.base(), owner, repo, number)
	payload := map[string]any{
		"commit_id": headSHA,
		"event":     "COMMENT",
		"comments":  comments,
	}
	return c.postJSON(ctx, url, payload)
}

// PostSummary publishes the overall summary as an issue comment.
func (c *Client) PostSummary(ctx context.Context, owner, repo string, number int, summary string) error {
	url := fmt.Sprintf("%s/repos/%s/%s/issues/%d/comments", c.base(), owner, repo, number)
	return c.postJSON(ctx, url, map[string]string{"body": summary})
}

func (c *Client) postJSON(ctx context.Context, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPublish, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPublish, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPublish, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%w: status %s", ErrPublish, resp.Status)
	}
	return nil
}
