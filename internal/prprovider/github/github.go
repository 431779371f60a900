// Package github implements PullRequestPort using the go-github library.
// Every operation is addressed by a pull-request URL; owner, repo, and
// number are parsed out of it.
package github

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	gogithub "github.com/google/go-github/v82/github"

	"github.com/randalmurphal/orcloop/internal/ports"
	"github.com/randalmurphal/orcloop/internal/task"
)

// Compile-time interface check.
var _ ports.PullRequestPort = (*Provider)(nil)

var prURLPattern = regexp.MustCompile(`^https?://[^/]+/([^/]+)/([^/]+)/pull/(\d+)`)

// Config configures the GitHub provider.
type Config struct {
	// Token is the API token; read from the environment by the caller.
	Token string
	// BaseURL overrides the API endpoint for GitHub Enterprise.
	BaseURL string
}

// Provider implements PullRequestPort against the GitHub REST API.
type Provider struct {
	client *gogithub.Client
}

// New creates a GitHub provider.
func New(cfg Config) (*Provider, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("github token is required")
	}

	httpClient := &http.Client{
		Transport: &tokenTransport{token: cfg.Token},
	}
	client := gogithub.NewClient(httpClient)

	if cfg.BaseURL != "" {
		baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
		var err error
		client.BaseURL, err = client.BaseURL.Parse(baseURL + "/api/v3/")
		if err != nil {
			return nil, fmt.Errorf("parse base URL %q: %w", cfg.BaseURL, err)
		}
	}
	return &Provider{client: client}, nil
}

// tokenTransport adds an Authorization header to every request.
type tokenTransport struct {
	token string
	base  http.RoundTripper
}

func (t *tokenTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req2 := req.Clone(req.Context())
	req2.Header.Set("Authorization", "Bearer "+t.token)
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req2)
}

// parsePRURL splits a canonical PR URL into owner, repo, and number.
func parsePRURL(url string) (owner, repo string, number int, err error) {
	m := prURLPattern.FindStringSubmatch(url)
	if m == nil {
		return "", "", 0, fmt.Errorf("not a pull request URL: %s", url)
	}
	n, err := strconv.Atoi(m[3])
	if err != nil {
		return "", "", 0, fmt.Errorf("parse PR number in %s: %w", url, err)
	}
	return m[1], m[2], n, nil
}

// GetPullRequest fetches a pull-request snapshot.
func (p *Provider) GetPullRequest(ctx context.Context, url string) (*ports.PullRequest, error) {
	owner, repo, number, err := parsePRURL(url)
	if err != nil {
		return nil, err
	}
	pr, _, err := p.client.PullRequests.Get(ctx, owner, repo, number)
	if err != nil {
		return nil, fmt.Errorf("get PR %s: %w", url, err)
	}
	return &ports.PullRequest{
		URL:        url,
		Number:     number,
		State:      pr.GetState(),
		HeadBranch: pr.GetHead().GetRef(),
		BaseBranch: pr.GetBase().GetRef(),
		Merged:     pr.GetMerged(),
	}, nil
}

// GetComments returns review and issue comments created after since, in
// chronological order.
func (p *Provider) GetComments(ctx context.Context, url string, since time.Time) ([]task.ReviewComment, error) {
	owner, repo, number, err := parsePRURL(url)
	if err != nil {
		return nil, err
	}

	var out []task.ReviewComment

	reviewOpts := &gogithub.PullRequestListCommentsOptions{
		Since:       since,
		ListOptions: gogithub.ListOptions{PerPage: 100},
	}
	for {
		comments, resp, err := p.client.PullRequests.ListComments(ctx, owner, repo, number, reviewOpts)
		if err != nil {
			return nil, fmt.Errorf("list review comments on %s: %w", url, err)
		}
		for _, c := range comments {
			out = append(out, task.ReviewComment{
				ID:        strconv.FormatInt(c.GetID(), 10),
				Author:    c.GetUser().GetLogin(),
				Content:   c.GetBody(),
				CreatedAt: c.GetCreatedAt().Time,
			})
		}
		if resp.NextPage == 0 {
			break
		}
		reviewOpts.Page = resp.NextPage
	}

	issueOpts := &gogithub.IssueListCommentsOptions{
		Since:       &since,
		ListOptions: gogithub.ListOptions{PerPage: 100},
	}
	for {
		comments, resp, err := p.client.Issues.ListComments(ctx, owner, repo, number, issueOpts)
		if err != nil {
			return nil, fmt.Errorf("list issue comments on %s: %w", url, err)
		}
		for _, c := range comments {
			out = append(out, task.ReviewComment{
				ID:        strconv.FormatInt(c.GetID(), 10),
				Author:    c.GetUser().GetLogin(),
				Content:   c.GetBody(),
				CreatedAt: c.GetCreatedAt().Time,
			})
		}
		if resp.NextPage == 0 {
			break
		}
		issueOpts.Page = resp.NextPage
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// IsApproved reports whether the PR has at least one approval and no
// outstanding change request.
func (p *Provider) IsApproved(ctx context.Context, repositoryID string, prNumber int) (bool, error) {
	owner, repo, ok := strings.Cut(repositoryID, "/")
	if !ok {
		return false, fmt.Errorf("invalid repository id %q", repositoryID)
	}
	approvals, changesRequested, err := p.reviewCounts(ctx, owner, repo, prNumber)
	if err != nil {
		return false, err
	}
	return approvals > 0 && changesRequested == 0, nil
}

// GetReviewState reduces the PR's merge state and reviews to a ReviewState.
func (p *Provider) GetReviewState(ctx context.Context, url string) (task.ReviewState, error) {
	owner, repo, number, err := parsePRURL(url)
	if err != nil {
		return "", err
	}

	pr, _, err := p.client.PullRequests.Get(ctx, owner, repo, number)
	if err != nil {
		return "", fmt.Errorf("get PR %s: %w", url, err)
	}
	if pr.GetMerged() {
		return task.ReviewMerged, nil
	}
	if pr.GetState() == "closed" {
		return task.ReviewClosed, nil
	}

	approvals, changesRequested, err := p.reviewCounts(ctx, owner, repo, number)
	if err != nil {
		return "", err
	}
	return reduceReviewState(approvals, changesRequested), nil
}

// reviewCounts tallies the most recent blocking review per author, so a
// re-review supersedes the author's earlier verdict.
func (p *Provider) reviewCounts(ctx context.Context, owner, repo string, number int) (approvals, changesRequested int, err error) {
	var all []*gogithub.PullRequestReview
	opts := &gogithub.ListOptions{PerPage: 100}
	for {
		reviews, resp, err := p.client.PullRequests.ListReviews(ctx, owner, repo, number, opts)
		if err != nil {
			return 0, 0, fmt.Errorf("list reviews for %s/%s#%d: %w", owner, repo, number, err)
		}
		all = append(all, reviews...)
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	latestByAuthor := make(map[string]string)
	for _, r := range all {
		state := r.GetState()
		if state == "COMMENTED" || state == "PENDING" {
			continue
		}
		latestByAuthor[r.GetUser().GetLogin()] = state
	}
	for _, state := range latestByAuthor {
		switch state {
		case "APPROVED":
			approvals++
		case "CHANGES_REQUESTED":
			changesRequested++
		}
	}
	return approvals, changesRequested, nil
}

// reduceReviewState applies the precedence changes-requested > approved > pending.
func reduceReviewState(approvals, changesRequested int) task.ReviewState {
	switch {
	case changesRequested > 0:
		return task.ReviewChangesRequested
	case approvals > 0:
		return task.ReviewApproved
	default:
		return task.ReviewPending
	}
}

// RequestMerge merges the PR server-side and returns the merge commit SHA.
func (p *Provider) RequestMerge(ctx context.Context, url string) (string, error) {
	owner, repo, number, err := parsePRURL(url)
	if err != nil {
		return "", err
	}
	result, _, err := p.client.PullRequests.Merge(ctx, owner, repo, number, "", nil)
	if err != nil {
		return "", fmt.Errorf("merge %s: %w", url, err)
	}
	if !result.GetMerged() {
		return "", fmt.Errorf("merge %s: %s", url, result.GetMessage())
	}
	return result.GetSHA(), nil
}

// MarkCommentsProcessed is a no-op: GitHub has no server-side processed
// flag, and the durable processed-comment set lives in StatePort.
func (p *Provider) MarkCommentsProcessed(ctx context.Context, url string, ids []string) error {
	return nil
}
