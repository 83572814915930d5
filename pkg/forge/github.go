package forge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// DefaultAPIBase is the public GitHub REST endpoint.
const DefaultAPIBase = "https://api.github.com"

const apiVersion = "2022-11-28"

// ErrNotModified reports a conditional list request answered with 304. The
// cached issue set is still current.
var ErrNotModified = errors.New("not modified")

// Label is a name-only issue label.
type Label struct {
	Name string `json:"name"`
}

// Issue is a tracker issue reduced to the fields synchronization needs. The
// issues list endpoint also returns pull requests; those carry a non-nil
// PullRequest stub.
type Issue struct {
	Number      int       `json:"number"`
	Title       string    `json:"title"`
	Body        string    `json:"body"`
	State       string    `json:"state"`
	Labels      []Label   `json:"labels"`
	UpdatedAt   time.Time `json:"updated_at"`
	PullRequest *struct{} `json:"pull_request,omitempty"`
}

// LabelNames flattens the issue's labels.
func (i Issue) LabelNames() []string {
	names := make([]string, 0, len(i.Labels))
	for _, l := range i.Labels {
		names = append(names, l.Name)
	}
	return names
}

// Pull is a pull request reduced to merge bookkeeping fields. Mergeable is
// nil while the host is still computing mergeability.
type Pull struct {
	Number    int    `json:"number"`
	State     string `json:"state"`
	Merged    bool   `json:"merged"`
	Mergeable *bool  `json:"mergeable"`
	HTMLURL   string `json:"html_url"`
	Head      struct {
		Ref string `json:"ref"`
	} `json:"head"`
}

// GitHubError is a REST error response. RateLimited marks throttling
// responses (403 or 429 with the remaining quota exhausted); ResetAt carries
// the quota reset time when the host reported one.
type GitHubError struct {
	Op          string
	Status      int
	Message     string
	RateLimited bool
	ResetAt     time.Time
}

func (e *GitHubError) Error() string {
	return fmt.Sprintf("github %s: %d %s", e.Op, e.Status, e.Message)
}

// IsRateLimited reports whether err is a throttling response.
func IsRateLimited(err error) bool {
	var ghe *GitHubError
	return errors.As(err, &ghe) && ghe.RateLimited
}

// IsAuthError reports whether err is a credential rejection.
func IsAuthError(err error) bool {
	var ghe *GitHubError
	return errors.As(err, &ghe) && ghe.Status == http.StatusUnauthorized
}

// isWriteConflict reports status codes meaning the remote object moved under
// the writer: edit conflicts, failed preconditions, and validation rejects.
func isWriteConflict(status int) bool {
	switch status {
	case http.StatusConflict, http.StatusPreconditionFailed, http.StatusUnprocessableEntity:
		return true
	}
	return false
}

// Client is a minimal GitHub REST v3 client covering the synchronizer's
// needs: listing issues incrementally, commenting, labeling, closing, and
// pull request lifecycle.
type Client struct {
	owner   string
	repo    string
	token   string
	baseURL string
	http    *http.Client
}

// NewClient returns a client for owner/repo against the public API.
func NewClient(owner, repo, token string) *Client {
	return NewClientURL(owner, repo, token, DefaultAPIBase)
}

// NewClientURL returns a client with an explicit API base URL. Tests point
// this at an httptest server.
func NewClientURL(owner, repo, token, baseURL string) *Client {
	return &Client{
		owner:   owner,
		repo:    repo,
		token:   token,
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// ListIssuesSince fetches issues updated after since, oldest first. The etag
// from the previous cycle makes the request conditional: an unchanged list
// answers 304 and the call returns ErrNotModified with the etag unchanged.
func (c *Client) ListIssuesSince(ctx context.Context, since time.Time, etag string) ([]Issue, string, error) {
	q := url.Values{}
	q.Set("state", "all")
	q.Set("sort", "updated")
	q.Set("direction", "asc")
	q.Set("per_page", "100")
	if !since.IsZero() {
		q.Set("since", since.UTC().Format(time.RFC3339))
	}

	u := fmt.Sprintf("%s/repos/%s/%s/issues?%s", c.baseURL, c.owner, c.repo, q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, etag, fmt.Errorf("build request: %w", err)
	}
	c.setHeaders(req)
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, etag, fmt.Errorf("github list issues: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return nil, etag, fmt.Errorf("github list issues: %w", ErrNotModified)
	}
	if resp.StatusCode >= 400 {
		return nil, etag, decodeError("list issues", resp)
	}

	var issues []Issue
	if err := json.NewDecoder(resp.Body).Decode(&issues); err != nil {
		return nil, etag, fmt.Errorf("github list issues: decode response: %w", err)
	}
	return issues, resp.Header.Get("ETag"), nil
}

// Issue fetches one issue with its current labels.
func (c *Client) Issue(ctx context.Context, number int) (Issue, error) {
	var out Issue
	err := c.get(ctx, fmt.Sprintf("issues/%d", number), "get issue", &out)
	return out, err
}

// CreateComment posts a comment on an issue or pull request.
func (c *Client) CreateComment(ctx context.Context, number int, body string) error {
	payload := map[string]string{"body": body}
	return c.send(ctx, http.MethodPost, fmt.Sprintf("issues/%d/comments", number), "create comment", payload, nil)
}

// SetLabels replaces an issue's labels with the given set.
func (c *Client) SetLabels(ctx context.Context, number int, labels []string) error {
	payload := map[string][]string{"labels": labels}
	return c.send(ctx, http.MethodPut, fmt.Sprintf("issues/%d/labels", number), "set labels", payload, nil)
}

// CloseIssue marks an issue closed.
func (c *Client) CloseIssue(ctx context.Context, number int) error {
	payload := map[string]string{"state": "closed"}
	return c.send(ctx, http.MethodPatch, fmt.Sprintf("issues/%d", number), "close issue", payload, nil)
}

// CreatePull opens a pull request from head into base.
func (c *Client) CreatePull(ctx context.Context, title, body, head, base string) (Pull, error) {
	payload := map[string]string{
		"title": title,
		"body":  body,
		"head":  head,
		"base":  base,
	}
	var out Pull
	err := c.send(ctx, http.MethodPost, "pulls", "create pull", payload, &out)
	return out, err
}

// Pull fetches a pull request, including merge state.
func (c *Client) Pull(ctx context.Context, number int) (Pull, error) {
	var out Pull
	err := c.get(ctx, fmt.Sprintf("pulls/%d", number), "get pull", &out)
	return out, err
}

// MergePull merges a pull request. The host answers 405 when the pull is not
// mergeable and 409 when the head moved since mergeability was checked.
func (c *Client) MergePull(ctx context.Context, number int, message string) error {
	payload := map[string]string{}
	if message != "" {
		payload["commit_message"] = message
	}
	return c.send(ctx, http.MethodPut, fmt.Sprintf("pulls/%d/merge", number), "merge pull", payload, nil)
}

func (c *Client) get(ctx context.Context, path, op string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.repoURL(path), nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	c.setHeaders(req)
	return c.do(req, op, out)
}

func (c *Client) send(ctx context.Context, method, path, op string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.repoURL(path), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, op, out)
}

func (c *Client) repoURL(path string) string {
	return fmt.Sprintf("%s/repos/%s/%s/%s", c.baseURL, c.owner, c.repo, path)
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", apiVersion)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func (c *Client) do(req *http.Request, op string, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("github %s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(op, resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("github %s: decode response: %w", op, err)
	}
	return nil
}

// decodeError builds a GitHubError from an error response, tagging
// throttling answers so callers can back off instead of retrying.
func decodeError(op string, resp *http.Response) error {
	ghe := &GitHubError{Op: op, Status: resp.StatusCode}

	var body struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil {
		ghe.Message = body.Message
	}

	exhausted := resp.Header.Get("X-RateLimit-Remaining") == "0"
	if resp.StatusCode == http.StatusTooManyRequests ||
		(resp.StatusCode == http.StatusForbidden && exhausted) {
		ghe.RateLimited = true
		if v := resp.Header.Get("X-RateLimit-Reset"); v != "" {
			if sec, err := strconv.ParseInt(v, 10, 64); err == nil {
				ghe.ResetAt = time.Unix(sec, 0)
			}
		}
	}
	return ghe
}
