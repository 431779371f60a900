// Package prompt builds the agent prompt for each WorkerAction from a task,
// its workspace, and any review comments, grounded on the teacher's
// internal/prompt/resolver.go option-pattern construction. Long prompts are
// split into workspace-local context files the way WorkspaceManager owns
// files under a workspace directory.
package prompt

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/randalmurphal/orcloop/internal/ports"
	"github.com/randalmurphal/orcloop/internal/task"
)

// ContextDirName is the workspace-local subdirectory split-out sections are
// written to when a prompt exceeds MaxContextLength.
const ContextDirName = ".orcloop-context"

// splitChunkFraction is the fallback chunk size used when no logical
// breakpoint (a markdown header or blank line) is found, expressed as a
// fraction of MaxContextLength.
const splitChunkFraction = 0.8

// Builder constructs action-specific prompts and splits oversized ones into
// workspace-local file references.
type Builder struct {
	MaxContextLength int
}

// Option configures a Builder.
type Option func(*Builder)

// WithMaxContextLength sets the length above which prompts are split.
func WithMaxContextLength(n int) Option {
	return func(b *Builder) { b.MaxContextLength = n }
}

// NewBuilder creates a Builder with a 8000-character default context limit.
func NewBuilder(opts ...Option) *Builder {
	b := &Builder{MaxContextLength: 8000}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// ProgressSummary is prior progress, used to resume a task without restarting
// it from scratch. The worker fills it from its own last agent output, held in
// memory; it is not stored through StatePort.
type ProgressSummary string

// Build generates the prompt text for action against t in workspaceInfo,
// optionally incorporating reviewComments (for PROCESS_FEEDBACK) or a prior
// progress summary (for RESUME_TASK). If the composed prompt would exceed
// MaxContextLength, the whole composed body is written in chunks to files
// under the workspace's context directory and replaced with "@<relative
// path>" references.
func (b *Builder) Build(action task.Action, t *task.Task, wsInfo *ports.WorkspaceInfo, reviewComments []task.ReviewComment, progress ProgressSummary) (string, error) {
	var body string
	switch action {
	case task.ActionStartNewTask:
		body = b.buildStartNewTask(t, wsInfo)
	case task.ActionResumeTask:
		body = b.buildResumeTask(t, wsInfo, progress)
	case task.ActionProcessFeedback:
		body = b.buildProcessFeedback(t, reviewComments)
	case task.ActionMergeRequest:
		body = b.buildMergeRequest(t)
	case task.ActionCheckStatus:
		body = fmt.Sprintf("Report the current status of task %s.", t.TaskID)
	default:
		return "", fmt.Errorf("prompt: unknown action %q", action)
	}

	if len(body) <= b.MaxContextLength {
		return body, nil
	}
	return b.split(body, wsInfo)
}

func (b *Builder) buildStartNewTask(t *task.Task, wsInfo *ports.WorkspaceInfo) string {
	var sb strings.Builder
	sb.WriteString("# New task\n\n")
	if t.BoardItem != nil {
		fmt.Fprintf(&sb, "Title: %s\n\n", t.BoardItem.Title)
		if t.BoardItem.Description != "" {
			fmt.Fprintf(&sb, "Description:\n%s\n\n", t.BoardItem.Description)
		}
		if len(t.BoardItem.Labels) > 0 {
			fmt.Fprintf(&sb, "Labels: %s\n\n", strings.Join(t.BoardItem.Labels, ", "))
		}
	}
	fmt.Fprintf(&sb, "Repository: %s\n", t.RepositoryID)
	if wsInfo != nil {
		fmt.Fprintf(&sb, "Branch: %s\n", wsInfo.BranchName)
	}
	sb.WriteString("\nImplement this task, commit your work, push the branch, and open a pull request. ")
	sb.WriteString("Report the pull request URL and the final commit hash when done.\n")
	return sb.String()
}

func (b *Builder) buildResumeTask(t *task.Task, wsInfo *ports.WorkspaceInfo, progress ProgressSummary) string {
	var sb strings.Builder
	sb.WriteString("# Resume task\n\n")
	fmt.Fprintf(&sb, "Task: %s (repository %s)\n\n", t.TaskID, t.RepositoryID)
	if progress != "" {
		fmt.Fprintf(&sb, "Prior progress:\n%s\n\n", string(progress))
	}
	sb.WriteString("Continue from where you left off; do not restart work already completed. ")
	sb.WriteString("When finished, push the branch and report the pull request URL and final commit hash.\n")
	return sb.String()
}

func (b *Builder) buildProcessFeedback(t *task.Task, reviewComments []task.ReviewComment) string {
	var sb strings.Builder
	sb.WriteString("# Address review feedback\n\n")
	fmt.Fprintf(&sb, "Task: %s\n", t.TaskID)
	fmt.Fprintf(&sb, "Pull request: %s\n\n", t.PullRequestURL)

	sb.WriteString("Reviewer comments:\n\n")
	for _, c := range dedupeComments(reviewComments) {
		fmt.Fprintf(&sb, "- %s\n", c)
	}
	sb.WriteString("\nAddress every comment above, push updates to the same branch, and report when done.\n")
	return sb.String()
}

func (b *Builder) buildMergeRequest(t *task.Task) string {
	var sb strings.Builder
	sb.WriteString("# Merge pull request\n\n")
	fmt.Fprintf(&sb, "Pull request: %s\n\n", t.PullRequestURL)
	sb.WriteString("Merge this pull request and report the resulting merge commit hash.\n")
	return sb.String()
}

// dedupeComments returns comment bodies in a stable order with exact
// duplicates removed.
func dedupeComments(comments []task.ReviewComment) []string {
	seen := make(map[string]struct{}, len(comments))
	out := make([]string, 0, len(comments))
	sorted := make([]task.ReviewComment, len(comments))
	copy(sorted, comments)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].CreatedAt.Before(sorted[j].CreatedAt) })
	for _, c := range sorted {
		body := strings.TrimSpace(c.Content)
		if body == "" {
			continue
		}
		if _, ok := seen[body]; ok {
			continue
		}
		seen[body] = struct{}{}
		out = append(out, body)
	}
	return out
}

// split writes all of body, in chunks of at most MaxContextLength, into files
// under the workspace's context directory and returns a shortened prompt made
// of "@<relative path>" references, plus an index file listing every part.
func (b *Builder) split(body string, wsInfo *ports.WorkspaceInfo) (string, error) {
	if wsInfo == nil {
		// No workspace to split into; return the prompt unsplit rather than fail.
		return body, nil
	}

	contextDir := filepath.Join(wsInfo.WorkspaceDir, ContextDirName)
	if err := os.MkdirAll(contextDir, 0o755); err != nil {
		return "", fmt.Errorf("create prompt context dir: %w", err)
	}

	chunks := chunkBody(body, b.MaxContextLength)
	var refs []string
	var index strings.Builder
	index.WriteString("# Prompt context index\n\n")

	for i, chunk := range chunks {
		name := fmt.Sprintf("part-%02d.md", i+1)
		path := filepath.Join(contextDir, name)
		if err := os.WriteFile(path, []byte(chunk), 0o644); err != nil {
			return "", fmt.Errorf("write prompt context part %s: %w", name, err)
		}
		ref := "@" + filepath.Join(ContextDirName, name)
		refs = append(refs, ref)
		fmt.Fprintf(&index, "- %s\n", ref)
	}

	indexPath := filepath.Join(contextDir, "index.md")
	if err := os.WriteFile(indexPath, []byte(index.String()), 0o644); err != nil {
		return "", fmt.Errorf("write prompt context index: %w", err)
	}

	var out strings.Builder
	out.WriteString("The full task context did not fit inline and was split into files.\n")
	out.WriteString("Read each reference below, in order, before starting:\n\n")
	for _, ref := range refs {
		fmt.Fprintf(&out, "%s\n", ref)
	}
	fmt.Fprintf(&out, "@%s\n", filepath.Join(ContextDirName, "index.md"))
	return out.String(), nil
}

// chunkBody splits body into pieces no longer than limit, preferring
// logical breakpoints (markdown headers or blank lines) and falling back to
// length-based chunks at 0.8*limit when no such breakpoint exists nearby.
func chunkBody(body string, limit int) []string {
	if limit <= 0 {
		return []string{body}
	}
	fallback := int(float64(limit) * splitChunkFraction)
	if fallback <= 0 {
		fallback = limit
	}

	var chunks []string
	remaining := body
	for len(remaining) > limit {
		cut := findBreakpoint(remaining, limit)
		if cut <= 0 {
			cut = fallback
		}
		if cut > len(remaining) {
			cut = len(remaining)
		}
		chunks = append(chunks, remaining[:cut])
		remaining = remaining[cut:]
	}
	if remaining != "" {
		chunks = append(chunks, remaining)
	}
	return chunks
}

// findBreakpoint searches backward from limit for a markdown header line or
// a blank line to split on, returning -1 if none is found within range.
func findBreakpoint(s string, limit int) int {
	window := s
	if len(window) > limit {
		window = window[:limit]
	}
	if idx := strings.LastIndex(window, "\n## "); idx > 0 {
		return idx
	}
	if idx := strings.LastIndex(window, "\n# "); idx > 0 {
		return idx
	}
	if idx := strings.LastIndex(window, "\n\n"); idx > 0 {
		return idx + 2
	}
	return -1
}
