// Package github is the REST client used to open pull requests and read API budgets.
package github

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bnema/netkanctl/internal/metrics"
	"github.com/charmbracelet/log"
	"github.com/imroc/req"
	"github.com/tidwall/gjson"
)

const (
	// DefaultAPI is the GitHub REST API endpoint
	DefaultAPI = "https://api.github.com"

	userAgent = "netkanctl/1.0 (NetKAN indexing bot)"
)

var (
	ErrNoPullRequest = errors.New("no open pull request for branch")
	ErrNotFound      = errors.New("not found on GitHub")
)

// PullRequest is an opened or reused pull request
type PullRequest struct {
	Number int    `json:"number"`
	URL    string `json:"html_url"`
	Title  string `json:"title"`
	// Commented is set when creation failed and the body went to an existing pull request
	Commented bool `json:"-"`
}

// NewPullRequest describes a pull request to open from Branch of Repo
type NewPullRequest struct {
	Repo   string
	Title  string
	Body   string
	Branch string
	Labels []string
}

// PullRequester opens pull requests
type PullRequester interface {
	OpenPullRequest(ctx context.Context, pr NewPullRequest) (*PullRequest, error)
}

// Release is the subset of a GitHub release used when writing stubs
type Release struct {
	TagName string
	Assets  int
}

// Client talks to the GitHub REST API
type Client struct {
	r     *req.Req
	base  string
	token string
	user  string
	log   *log.Logger
}

// NewClient creates a client. user owns the branches pull requests come from;
// when empty the owner of the target repository is assumed.
func NewClient(baseURL, token, user string, hc *http.Client, logger *log.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultAPI
	}
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = log.New(io.Discard)
	}
	r := req.New()
	r.SetClient(hc)
	return &Client{
		r:     r,
		base:  strings.TrimSuffix(baseURL, "/"),
		token: token,
		user:  user,
		log:   logger,
	}
}

func (c *Client) header() req.Header {
	h := req.Header{
		"Accept":     "application/vnd.github+json",
		"User-Agent": userAgent,
	}
	if c.token != "" {
		h["Authorization"] = "token " + c.token
	}
	return h
}

func (c *Client) do(ctx context.Context, method, path string, want int, args ...interface{}) ([]byte, error) {
	args = append(args, c.header(), ctx)
	resp, err := c.r.Do(method, c.base+path, args...)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	body, err := resp.ToBytes()
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	code := resp.Response().StatusCode
	if code == http.StatusNotFound {
		return nil, fmt.Errorf("%s %s: %w", method, path, ErrNotFound)
	}
	if code != want {
		msg := gjson.GetBytes(body, "message").String()
		return nil, fmt.Errorf("%s %s: unexpected status %d: %s", method, path, code, msg)
	}
	return body, nil
}

// DefaultBranch returns the default branch of repo
func (c *Client) DefaultBranch(ctx context.Context, repo string) (string, error) {
	body, err := c.do(ctx, http.MethodGet, "/repos/"+repo, http.StatusOK)
	if err != nil {
		return "", err
	}
	branch := gjson.GetBytes(body, "default_branch").String()
	if branch == "" {
		return "", fmt.Errorf("repository %s has no default branch", repo)
	}
	return branch, nil
}

// OpenPullRequest opens a pull request against the default branch of pr.Repo and labels it.
// If creation fails, the body is posted as a comment on the open pull request of the same branch.
func (c *Client) OpenPullRequest(ctx context.Context, pr NewPullRequest) (*PullRequest, error) {
	logger := c.log.With("repo", pr.Repo, "branch", pr.Branch)

	opened, err := c.createPullRequest(ctx, pr)
	if err != nil {
		logger.Warn("Pull request creation failed, looking for an existing one", "err", err)
		existing, ferr := c.findPullRequest(ctx, pr.Repo, pr.Branch)
		if ferr != nil {
			return nil, fmt.Errorf("failed to open pull request: %v: %w", err, ferr)
		}
		if cerr := c.comment(ctx, pr.Repo, existing.Number, pr.Body); cerr != nil {
			return nil, cerr
		}
		existing.Commented = true
		metrics.PullRequests.WithLabelValues(pr.Repo, "commented").Inc()
		logger.Info("Commented on existing pull request", "number", existing.Number)
		return existing, nil
	}

	if len(pr.Labels) > 0 {
		if err := c.addLabels(ctx, pr.Repo, opened.Number, pr.Labels); err != nil {
			logger.Error("Failed to label pull request", "number", opened.Number, "err", err)
		}
	}
	metrics.PullRequests.WithLabelValues(pr.Repo, "opened").Inc()
	logger.Info("Pull request opened", "number", opened.Number, "url", opened.URL)
	return opened, nil
}

func (c *Client) createPullRequest(ctx context.Context, pr NewPullRequest) (*PullRequest, error) {
	base, err := c.DefaultBranch(ctx, pr.Repo)
	if err != nil {
		return nil, err
	}
	body, err := c.do(ctx, http.MethodPost, "/repos/"+pr.Repo+"/pulls", http.StatusCreated, req.BodyJSON(map[string]string{
		"title": pr.Title,
		"body":  pr.Body,
		"head":  pr.Branch,
		"base":  base,
	}))
	if err != nil {
		return nil, err
	}
	return parsePullRequest(body), nil
}

func (c *Client) findPullRequest(ctx context.Context, repo, branch string) (*PullRequest, error) {
	owner := c.user
	if owner == "" {
		owner, _, _ = strings.Cut(repo, "/")
	}
	body, err := c.do(ctx, http.MethodGet, "/repos/"+repo+"/pulls", http.StatusOK, req.QueryParam{
		"state": "open",
		"head":  owner + ":" + branch,
	})
	if err != nil {
		return nil, err
	}
	first := gjson.GetBytes(body, "0")
	if !first.Exists() {
		return nil, ErrNoPullRequest
	}
	return parsePullRequest([]byte(first.Raw)), nil
}

func (c *Client) comment(ctx context.Context, repo string, number int, text string) error {
	path := fmt.Sprintf("/repos/%s/issues/%d/comments", repo, number)
	if _, err := c.do(ctx, http.MethodPost, path, http.StatusCreated, req.BodyJSON(map[string]string{"body": text})); err != nil {
		return fmt.Errorf("failed to comment on pull request: %w", err)
	}
	return nil
}

func (c *Client) addLabels(ctx context.Context, repo string, number int, labels []string) error {
	path := fmt.Sprintf("/repos/%s/issues/%d/labels", repo, number)
	_, err := c.do(ctx, http.MethodPost, path, http.StatusOK, req.BodyJSON(map[string][]string{"labels": labels}))
	return err
}

// RateLimit returns the remaining core API budget
func (c *Client) RateLimit(ctx context.Context) (int, error) {
	body, err := c.do(ctx, http.MethodGet, "/rate_limit", http.StatusOK)
	if err != nil {
		return 0, err
	}
	remaining := gjson.GetBytes(body, "resources.core.remaining")
	if !remaining.Exists() {
		return 0, fmt.Errorf("rate limit response has no core budget")
	}
	return int(remaining.Int()), nil
}

// LatestRelease returns the latest release of owner/repo, ErrNotFound when it has none
func (c *Client) LatestRelease(ctx context.Context, owner, repo string) (*Release, error) {
	body, err := c.do(ctx, http.MethodGet, "/repos/"+owner+"/"+repo+"/releases/latest", http.StatusOK)
	if err != nil {
		return nil, err
	}
	return &Release{
		TagName: gjson.GetBytes(body, "tag_name").String(),
		Assets:  int(gjson.GetBytes(body, "assets.#").Int()),
	}, nil
}

func parsePullRequest(body []byte) *PullRequest {
	return &PullRequest{
		Number: int(gjson.GetBytes(body, "number").Int()),
		URL:    gjson.GetBytes(body, "html_url").String(),
		Title:  gjson.GetBytes(body, "title").String(),
	}
}
