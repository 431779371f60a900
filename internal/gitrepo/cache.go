package gitrepo

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/randalmurphal/orcloop/internal/ports"
)

// Cache tracks locally cloned repositories and their active worktrees,
// grounded on the teacher's repository bookkeeping inside
// internal/executor/worktree.go, generalized to a standalone component.
type Cache struct {
	git        ports.GitPort
	lock       *Lock
	baseDir    string
	timeout    time.Duration
	cloneDepth int

	mu    sync.RWMutex
	repos map[string]*ports.RepositoryState
}

// Option configures a Cache.
type Option func(*Cache)

// WithFetchTimeout sets the staleness window after which EnsureRepository
// re-fetches an already-cloned repository.
func WithFetchTimeout(d time.Duration) Option {
	return func(c *Cache) { c.timeout = d }
}

// WithCloneDepth makes first-time clones shallow; zero clones the full history.
func WithCloneDepth(depth int) Option {
	return func(c *Cache) { c.cloneDepth = depth }
}

// NewCache creates a repository cache rooted at baseDir.
func NewCache(git ports.GitPort, lock *Lock, baseDir string, opts ...Option) *Cache {
	c := &Cache{
		git:     git,
		lock:    lock,
		baseDir: baseDir,
		timeout: 30 * time.Minute,
		repos:   make(map[string]*ports.RepositoryState),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) localPath(repositoryID string) string {
	owner, repo := splitRepositoryID(repositoryID)
	return fmt.Sprintf("%s/%s_%s.git-base", c.baseDir, owner, repo)
}

// EnsureRepository clones the repository if it has never been seen, or
// fetches it if the last fetch is older than the configured timeout.
func (c *Cache) EnsureRepository(ctx context.Context, repositoryID, cloneURL string) (*ports.RepositoryState, error) {
	c.mu.RLock()
	state, known := c.repos[repositoryID]
	c.mu.RUnlock()

	if known {
		if time.Since(state.LastFetchAt) < c.timeout {
			return state, nil
		}
		err := c.lock.WithLock(repositoryID, func() error {
			return c.git.Fetch(ctx, state.LocalPath)
		})
		if err != nil {
			return state, err
		}
		c.mu.Lock()
		state.LastFetchAt = time.Now()
		c.mu.Unlock()
		return state, nil
	}

	localPath := c.localPath(repositoryID)
	err := c.lock.WithLock(repositoryID, func() error {
		if c.git.IsValidRepository(ctx, localPath) {
			return c.git.Fetch(ctx, localPath)
		}
		return c.git.Clone(ctx, cloneURL, localPath, c.cloneDepth)
	})
	if err != nil {
		return nil, fmt.Errorf("ensure repository %s: %w", repositoryID, err)
	}

	state = &ports.RepositoryState{
		RepositoryID:    repositoryID,
		LocalPath:       localPath,
		LastFetchAt:     time.Now(),
		ActiveWorktrees: make(map[string]struct{}),
	}
	c.mu.Lock()
	c.repos[repositoryID] = state
	c.mu.Unlock()
	return state, nil
}

// AddWorktree registers a worktree path against its repository. Bookkeeping
// only; the caller is responsible for the actual git worktree add.
func (c *Cache) AddWorktree(repositoryID, worktreePath string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.repos[repositoryID]
	if !ok {
		return
	}
	state.ActiveWorktrees[worktreePath] = struct{}{}
}

// RemoveWorktree unregisters a worktree path.
func (c *Cache) RemoveWorktree(repositoryID, worktreePath string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.repos[repositoryID]
	if !ok {
		return
	}
	delete(state.ActiveWorktrees, worktreePath)
}

// IsRepositoryCloned reports whether repositoryID has a known local path.
func (c *Cache) IsRepositoryCloned(repositoryID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.repos[repositoryID]
	return ok
}

// Get returns the cached state for repositoryID, if any.
func (c *Cache) Get(repositoryID string) (*ports.RepositoryState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	state, ok := c.repos[repositoryID]
	return state, ok
}
