// Package gitlab implements PullRequestPort using the GitLab client-go
// library. Merge requests are addressed by URL; the project path and IID are
// parsed out of it.
package gitlab

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	gogitlab "gitlab.com/gitlab-org/api/client-go"

	"github.com/randalmurphal/orcloop/internal/ports"
	"github.com/randalmurphal/orcloop/internal/task"
)

// Compile-time interface check.
var _ ports.PullRequestPort = (*Provider)(nil)

// mrURLPattern accepts both the modern "/-/merge_requests/N" and the legacy
// "/merge_requests/N" path forms, with nested group projects.
var mrURLPattern = regexp.MustCompile(`^https?://[^/]+/(.+?)(?:/-)?/merge_requests/(\d+)`)

// Config configures the GitLab provider.
type Config struct {
	// Token is the API token; read from the environment by the caller.
	Token string
	// BaseURL overrides the API endpoint for self-hosted instances.
	BaseURL string
}

// Provider implements PullRequestPort against the GitLab REST API.
type Provider struct {
	client *gogitlab.Client
}

// New creates a GitLab provider.
func New(cfg Config) (*Provider, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("gitlab token is required")
	}

	var client *gogitlab.Client
	var err error
	if cfg.BaseURL != "" {
		baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
		client, err = gogitlab.NewClient(cfg.Token, gogitlab.WithBaseURL(baseURL+"/api/v4"))
	} else {
		client, err = gogitlab.NewClient(cfg.Token)
	}
	if err != nil {
		return nil, fmt.Errorf("create gitlab client: %w", err)
	}
	return &Provider{client: client}, nil
}

// parseMRURL splits a merge-request URL into the project path and IID.
func parseMRURL(url string) (projectID string, iid int, err error) {
	m := mrURLPattern.FindStringSubmatch(url)
	if m == nil {
		return "", 0, fmt.Errorf("not a merge request URL: %s", url)
	}
	n, err := strconv.Atoi(m[2])
	if err != nil {
		return "", 0, fmt.Errorf("parse MR number in %s: %w", url, err)
	}
	return m[1], n, nil
}

// GetPullRequest fetches a merge-request snapshot.
func (p *Provider) GetPullRequest(ctx context.Context, url string) (*ports.PullRequest, error) {
	projectID, iid, err := parseMRURL(url)
	if err != nil {
		return nil, err
	}
	mr, _, err := p.client.MergeRequests.GetMergeRequest(projectID, int64(iid), nil, gogitlab.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("get MR %s: %w", url, err)
	}
	return &ports.PullRequest{
		URL:        url,
		Number:     iid,
		State:      mr.State,
		HeadBranch: mr.SourceBranch,
		BaseBranch: mr.TargetBranch,
		Merged:     mr.State == "merged",
	}, nil
}

// GetComments returns non-system discussion notes created after since, in
// chronological order.
func (p *Provider) GetComments(ctx context.Context, url string, since time.Time) ([]task.ReviewComment, error) {
	projectID, iid, err := parseMRURL(url)
	if err != nil {
		return nil, err
	}

	var out []task.ReviewComment
	opts := &gogitlab.ListMergeRequestDiscussionsOptions{
		ListOptions: gogitlab.ListOptions{PerPage: 100},
	}
	for {
		discussions, resp, err := p.client.Discussions.ListMergeRequestDiscussions(
			projectID, int64(iid), opts, gogitlab.WithContext(ctx))
		if err != nil {
			return nil, fmt.Errorf("list MR %s discussions: %w", url, err)
		}
		for _, d := range discussions {
			for _, note := range d.Notes {
				if note.System {
					continue
				}
				if note.CreatedAt != nil && !note.CreatedAt.After(since) {
					continue
				}
				c := task.ReviewComment{
					ID:      strconv.FormatInt(note.ID, 10),
					Author:  note.Author.Username,
					Content: note.Body,
				}
				if note.CreatedAt != nil {
					c.CreatedAt = *note.CreatedAt
				}
				out = append(out, c)
			}
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// IsApproved reports whether the MR has at least one approval.
func (p *Provider) IsApproved(ctx context.Context, repositoryID string, prNumber int) (bool, error) {
	n, err := p.approvalCount(ctx, repositoryID, prNumber)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (p *Provider) approvalCount(ctx context.Context, projectID string, iid int) (int, error) {
	state, _, err := p.client.MergeRequestApprovals.GetApprovalState(
		projectID, int64(iid), gogitlab.WithContext(ctx))
	if err != nil {
		return 0, fmt.Errorf("get approval state for %s!%d: %w", projectID, iid, err)
	}
	approvers := make(map[int64]struct{})
	for _, rule := range state.Rules {
		for _, approver := range rule.ApprovedBy {
			approvers[approver.ID] = struct{}{}
		}
	}
	return len(approvers), nil
}

// GetReviewState reduces the MR's state, unresolved discussions, and
// approvals to a ReviewState.
func (p *Provider) GetReviewState(ctx context.Context, url string) (task.ReviewState, error) {
	projectID, iid, err := parseMRURL(url)
	if err != nil {
		return "", err
	}

	mr, _, err := p.client.MergeRequests.GetMergeRequest(projectID, int64(iid), nil, gogitlab.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("get MR %s: %w", url, err)
	}
	switch mr.State {
	case "merged":
		return task.ReviewMerged, nil
	case "closed":
		return task.ReviewClosed, nil
	}

	unresolved, err := p.hasUnresolvedDiscussions(ctx, projectID, iid)
	if err != nil {
		return "", err
	}
	if unresolved {
		return task.ReviewChangesRequested, nil
	}

	approvals, err := p.approvalCount(ctx, projectID, iid)
	if err != nil {
		return "", err
	}
	if approvals > 0 {
		return task.ReviewApproved, nil
	}
	return task.ReviewPending, nil
}

func (p *Provider) hasUnresolvedDiscussions(ctx context.Context, projectID string, iid int) (bool, error) {
	opts := &gogitlab.ListMergeRequestDiscussionsOptions{
		ListOptions: gogitlab.ListOptions{PerPage: 100},
	}
	for {
		discussions, resp, err := p.client.Discussions.ListMergeRequestDiscussions(
			projectID, int64(iid), opts, gogitlab.WithContext(ctx))
		if err != nil {
			return false, fmt.Errorf("list %s!%d discussions: %w", projectID, iid, err)
		}
		for _, d := range discussions {
			for _, note := range d.Notes {
				if note.Resolvable && !note.Resolved {
					return true, nil
				}
			}
		}
		if resp.NextPage == 0 {
			return false, nil
		}
		opts.Page = resp.NextPage
	}
}

// RequestMerge accepts the MR server-side and returns the merge commit SHA.
func (p *Provider) RequestMerge(ctx context.Context, url string) (string, error) {
	projectID, iid, err := parseMRURL(url)
	if err != nil {
		return "", err
	}
	mr, _, err := p.client.MergeRequests.AcceptMergeRequest(
		projectID, int64(iid), &gogitlab.AcceptMergeRequestOptions{}, gogitlab.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("merge %s: %w", url, err)
	}
	return mr.MergeCommitSHA, nil
}

// MarkCommentsProcessed resolves nothing server-side; the durable
// processed-comment set lives in StatePort.
func (p *Provider) MarkCommentsProcessed(ctx context.Context, url string, ids []string) error {
	return nil
}
