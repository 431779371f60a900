// Package jira implements ProjectBoardPort over a Jira Cloud project using
// the go-atlassian v3 client: the planner's TODO/IN_PROGRESS/IN_REVIEW/DONE
// lifecycle maps onto the project's workflow statuses via JQL searches and
// workflow transitions.
package jira

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	v3 "github.com/ctreminiom/go-atlassian/v2/jira/v3"
	"github.com/ctreminiom/go-atlassian/v2/pkg/infra/models"

	"github.com/randalmurphal/orcloop/internal/ports"
	"github.com/randalmurphal/orcloop/internal/task"
)

// repoLabelPrefix marks the label carrying the item's target repository,
// e.g. "repo:acme/svc".
const repoLabelPrefix = "repo:"

var issueKeyNumber = regexp.MustCompile(`-(\d+)$`)

// Config holds the connection and mapping settings for a Jira Cloud board.
type Config struct {
	// BaseURL is the Jira Cloud instance URL (e.g. "https://acme.atlassian.net").
	BaseURL string
	// Email is the user's email address for basic auth.
	Email string
	// APIToken is the API token for basic auth.
	APIToken string
	// ProjectKey is the Jira project whose issues form the board.
	ProjectKey string
	// DefaultBranch is reported as every repository's default branch; Jira
	// has no notion of one.
	DefaultBranch string
	// StatusNames overrides the Jira status name for each lifecycle status.
	StatusNames map[task.BoardStatus]string
}

// defaultStatusNames matches a standard Jira software board workflow.
var defaultStatusNames = map[task.BoardStatus]string{
	task.BoardStatusTodo:       "To Do",
	task.BoardStatusInProgress: "In Progress",
	task.BoardStatusInReview:   "In Review",
	task.BoardStatusDone:       "Done",
}

// Board is a ProjectBoardPort backed by one Jira Cloud project.
type Board struct {
	jira *v3.Client
	cfg  Config
}

// New creates a Jira board provider with basic auth.
func New(cfg Config) (*Board, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("jira base URL is required")
	}
	if cfg.Email == "" {
		return nil, fmt.Errorf("jira email is required")
	}
	if cfg.APIToken == "" {
		return nil, fmt.Errorf("jira API token is required")
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.DefaultBranch == "" {
		cfg.DefaultBranch = "main"
	}

	httpClient := &http.Client{Timeout: 30 * time.Second}
	client, err := v3.New(httpClient, cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("create jira client: %w", err)
	}
	client.Auth.SetBasicAuth(cfg.Email, cfg.APIToken)
	client.Auth.SetUserAgent("orcloop/1.0")

	return &Board{jira: client, cfg: cfg}, nil
}

// CheckAuth verifies the client can authenticate with Jira.
func (b *Board) CheckAuth(ctx context.Context) error {
	_, resp, err := b.jira.MySelf.Details(ctx, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("jira auth check failed (status %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("jira auth check failed: %w", err)
	}
	return nil
}

// searchFields are the issue fields GetItems requests.
var searchFields = []string{"summary", "description", "status", "labels", "issuetype", "created"}

// GetItems fetches the project's issues in the given lifecycle status,
// handling pagination, in Jira-returned (created) order.
func (b *Board) GetItems(ctx context.Context, boardID string, status task.BoardStatus) ([]task.BoardItem, error) {
	project := boardID
	if project == "" {
		project = b.cfg.ProjectKey
	}
	jql := fmt.Sprintf(`project = %q AND status = %q ORDER BY created ASC`,
		project, b.statusName(status))

	var items []task.BoardItem
	nextPageToken := ""
	for {
		result, resp, err := b.jira.Issue.Search.SearchJQL(ctx, jql, searchFields, nil, 50, nextPageToken)
		if err != nil {
			if resp != nil {
				return nil, fmt.Errorf("jira search (status %d): %w", resp.StatusCode, err)
			}
			return nil, fmt.Errorf("jira search: %w", err)
		}

		for _, issue := range result.Issues {
			items = append(items, b.convertIssue(issue, status))
		}

		if result.NextPageToken == "" || len(result.Issues) == 0 {
			break
		}
		nextPageToken = result.NextPageToken
	}
	return items, nil
}

// UpdateItemStatus moves the issue through the workflow transition whose
// target status matches the requested lifecycle status.
func (b *Board) UpdateItemStatus(ctx context.Context, itemID string, newStatus task.BoardStatus) error {
	want := b.statusName(newStatus)

	transitions, resp, err := b.jira.Issue.Transitions(ctx, itemID)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("list transitions for %s (status %d): %w", itemID, resp.StatusCode, err)
		}
		return fmt.Errorf("list transitions for %s: %w", itemID, err)
	}

	for _, tr := range transitions.Transitions {
		if tr.To == nil || !strings.EqualFold(tr.To.Name, want) {
			continue
		}
		if _, err := b.jira.Issue.Move(ctx, itemID, tr.ID, nil); err != nil {
			return fmt.Errorf("transition %s to %q: %w", itemID, want, err)
		}
		return nil
	}
	return fmt.Errorf("no transition from current status of %s to %q", itemID, want)
}

// AddPullRequestToItem records the PR URL as an issue comment; Jira issues
// have no native PR link field.
func (b *Board) AddPullRequestToItem(ctx context.Context, itemID, prURL string) error {
	payload := &models.CommentPayloadScheme{
		Body: &models.CommentNodeScheme{
			Version: 1,
			Type:    "doc",
			Content: []*models.CommentNodeScheme{{
				Type: "paragraph",
				Content: []*models.CommentNodeScheme{{
					Type: "text",
					Text: "Pull request: " + prURL,
				}},
			}},
		},
	}
	_, resp, err := b.jira.Issue.Comment.Add(ctx, itemID, payload, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("add PR comment to %s (status %d): %w", itemID, resp.StatusCode, err)
		}
		return fmt.Errorf("add PR comment to %s: %w", itemID, err)
	}
	return nil
}

// SetPullRequestToItem behaves like AddPullRequestToItem; comments are
// append-only, so "set" and "add" converge on the same operation.
func (b *Board) SetPullRequestToItem(ctx context.Context, itemID, prURL string) error {
	return b.AddPullRequestToItem(ctx, itemID, prURL)
}

// GetRepositoryDefaultBranch returns the configured default branch; Jira
// does not track repositories.
func (b *Board) GetRepositoryDefaultBranch(ctx context.Context, repositoryID string) (string, error) {
	return b.cfg.DefaultBranch, nil
}

func (b *Board) statusName(status task.BoardStatus) string {
	if name, ok := b.cfg.StatusNames[status]; ok && name != "" {
		return name
	}
	return defaultStatusNames[status]
}

func (b *Board) convertIssue(issue *models.IssueScheme, status task.BoardStatus) task.BoardItem {
	if issue == nil {
		return task.BoardItem{Status: status}
	}

	item := task.BoardItem{
		ID:            issue.Key,
		Status:        status,
		ContentType:   task.ContentTypeIssue,
		ContentNumber: issueNumber(issue.Key),
	}
	if issue.Fields == nil {
		return item
	}

	item.Title = issue.Fields.Summary
	item.Description = adfText(issue.Fields.Description)
	item.Labels = issue.Fields.Labels
	item.RepositoryID = repositoryFromLabels(issue.Fields.Labels)
	return item
}

// issueNumber extracts the numeric suffix of a Jira key ("PROJ-42" -> 42).
func issueNumber(key string) int {
	m := issueKeyNumber.FindStringSubmatch(key)
	if m == nil {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return n
}

// repositoryFromLabels returns the "owner/repo" carried by a repo:<...>
// label, or "".
func repositoryFromLabels(labels []string) string {
	for _, label := range labels {
		if strings.HasPrefix(label, repoLabelPrefix) {
			return strings.TrimSpace(strings.TrimPrefix(label, repoLabelPrefix))
		}
	}
	return ""
}

// adfText flattens an Atlassian Document Format tree to plain text:
// paragraphs and headings become lines, list items become dashed lines.
// Unknown node types contribute their children's text.
func adfText(node *models.CommentNodeScheme) string {
	if node == nil {
		return ""
	}
	var sb strings.Builder
	flattenADF(&sb, node)
	return strings.TrimSpace(sb.String())
}

func flattenADF(sb *strings.Builder, node *models.CommentNodeScheme) {
	if node == nil {
		return
	}
	switch node.Type {
	case "text":
		sb.WriteString(node.Text)
	case "hardBreak":
		sb.WriteString("\n")
	case "listItem":
		sb.WriteString("- ")
		for _, child := range node.Content {
			flattenADF(sb, child)
		}
		sb.WriteString("\n")
		return
	case "paragraph", "heading":
		for _, child := range node.Content {
			flattenADF(sb, child)
		}
		sb.WriteString("\n")
		return
	}
	for _, child := range node.Content {
		flattenADF(sb, child)
	}
}

var _ ports.ProjectBoardPort = (*Board)(nil)
