// Package mocks provides in-memory test doubles for the ports interfaces,
// grounded on the queueable-response MockTurnExecutor pattern used
// throughout the teacher's executor package tests.
package mocks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/randalmurphal/orcloop/internal/ports"
	"github.com/randalmurphal/orcloop/internal/task"
)

// Board is an in-memory ProjectBoardPort test double.
type Board struct {
	mu            sync.Mutex
	Items         map[string]*task.BoardItem
	DefaultBranch string
	CallLog       []string
}

// NewBoard creates an empty mock board.
func NewBoard() *Board {
	return &Board{Items: make(map[string]*task.BoardItem), DefaultBranch: "main"}
}

// AddItem inserts or replaces a board item.
func (b *Board) AddItem(item task.BoardItem) {
	b.mu.Lock()
	defer b.mu.Unlock()
	it := item
	b.Items[item.ID] = &it
}

// Item returns a copy of the board item with the given id.
func (b *Board) Item(id string) (task.BoardItem, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	it, ok := b.Items[id]
	if !ok {
		return task.BoardItem{}, false
	}
	return *it, true
}

func (b *Board) GetItems(ctx context.Context, boardID string, status task.BoardStatus) ([]task.BoardItem, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.CallLog = append(b.CallLog, "GetItems:"+string(status))
	var out []task.BoardItem
	for _, it := range b.Items {
		if it.Status == status {
			out = append(out, *it)
		}
	}
	return out, nil
}

func (b *Board) UpdateItemStatus(ctx context.Context, itemID string, newStatus task.BoardStatus) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	it, ok := b.Items[itemID]
	if !ok {
		return fmt.Errorf("item %s not found", itemID)
	}
	it.Status = newStatus
	return nil
}

func (b *Board) AddPullRequestToItem(ctx context.Context, itemID, prURL string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	it, ok := b.Items[itemID]
	if !ok {
		return fmt.Errorf("item %s not found", itemID)
	}
	it.PullRequestURLs = append(it.PullRequestURLs, prURL)
	return nil
}

func (b *Board) SetPullRequestToItem(ctx context.Context, itemID, prURL string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	it, ok := b.Items[itemID]
	if !ok {
		return fmt.Errorf("item %s not found", itemID)
	}
	it.PullRequestURLs = []string{prURL}
	return nil
}

func (b *Board) GetRepositoryDefaultBranch(ctx context.Context, repositoryID string) (string, error) {
	return b.DefaultBranch, nil
}

// PullRequests is an in-memory PullRequestPort test double.
type PullRequests struct {
	mu        sync.Mutex
	States    map[string]task.ReviewState
	Comments  map[string][]task.ReviewComment
	Approved  map[string]bool
	Processed map[string]map[string]bool
	MergeErr  error
	MergeSHA  string
}

// NewPullRequests creates an empty mock PR provider.
func NewPullRequests() *PullRequests {
	return &PullRequests{
		States:    make(map[string]task.ReviewState),
		Comments:  make(map[string][]task.ReviewComment),
		Approved:  make(map[string]bool),
		Processed: make(map[string]map[string]bool),
		MergeSHA:  "deadbeefdeadbeefdeadbeefdeadbeefdeadbeef",
	}
}

func (p *PullRequests) GetPullRequest(ctx context.Context, url string) (*ports.PullRequest, error) {
	return &ports.PullRequest{URL: url}, nil
}

func (p *PullRequests) GetComments(ctx context.Context, url string, since time.Time) ([]task.ReviewComment, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []task.ReviewComment
	for _, c := range p.Comments[url] {
		if c.CreatedAt.After(since) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (p *PullRequests) IsApproved(ctx context.Context, repositoryID string, prNumber int) (bool, error) {
	return p.Approved[repositoryIDKey(repositoryID, prNumber)], nil
}

func (p *PullRequests) GetReviewState(ctx context.Context, url string) (task.ReviewState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.States[url]; ok {
		return s, nil
	}
	return task.ReviewPending, nil
}

func (p *PullRequests) RequestMerge(ctx context.Context, url string) (string, error) {
	if p.MergeErr != nil {
		return "", p.MergeErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.States[url] = task.ReviewMerged
	return p.MergeSHA, nil
}

func (p *PullRequests) MarkCommentsProcessed(ctx context.Context, url string, ids []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Processed[url] == nil {
		p.Processed[url] = make(map[string]bool)
	}
	for _, id := range ids {
		p.Processed[url][id] = true
	}
	return nil
}

func repositoryIDKey(repositoryID string, prNumber int) string {
	return fmt.Sprintf("%s#%d", repositoryID, prNumber)
}

// Developer is a queueable DeveloperPort test double.
type Developer struct {
	mu        sync.Mutex
	Responses []ports.ExecutionResult
	Default   ports.ExecutionResult
	Err       error
	Delay     time.Duration
	Prompts   []string
	Available bool
	callCount int
}

// NewDeveloper creates a mock developer that always returns response.
func NewDeveloper(response string) *Developer {
	return &Developer{
		Default:   ports.ExecutionResult{RawOutput: response},
		Available: true,
	}
}

func (d *Developer) Initialize(ctx context.Context) error { return nil }

func (d *Developer) Execute(ctx context.Context, prompt, workspaceDir string) (*ports.ExecutionResult, error) {
	d.mu.Lock()
	d.callCount++
	d.Prompts = append(d.Prompts, prompt)
	d.mu.Unlock()

	if d.Delay > 0 {
		select {
		case <-time.After(d.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.Err != nil {
		return nil, d.Err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.Responses) > 0 {
		r := d.Responses[0]
		d.Responses = d.Responses[1:]
		return &r, nil
	}
	r := d.Default
	return &r, nil
}

func (d *Developer) Cleanup(ctx context.Context) error { return nil }

func (d *Developer) IsAvailable(ctx context.Context) bool { return d.Available }

func (d *Developer) SetTimeout(dur time.Duration) {}

// CallCount returns the number of Execute invocations.
func (d *Developer) CallCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.callCount
}
