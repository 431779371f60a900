package prompt

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/orcloop/internal/ports"
	"github.com/randalmurphal/orcloop/internal/task"
)

func TestBuild_StartNewTask(t *testing.T) {
	b := NewBuilder()
	tk := &task.Task{
		TaskID:       "T1",
		RepositoryID: "acme/svc",
		Action:       task.ActionStartNewTask,
		BoardItem:    &task.BoardItem{Title: "Fix #42", Description: "do the thing"},
	}
	ws := &ports.WorkspaceInfo{BranchName: "issue-42"}

	out, err := b.Build(task.ActionStartNewTask, tk, ws, nil, "")
	require.NoError(t, err)
	require.Contains(t, out, "Fix #42")
	require.Contains(t, out, "issue-42")
	require.Contains(t, out, "acme/svc")
}

func TestBuild_ProcessFeedback_DedupesAndOrders(t *testing.T) {
	b := NewBuilder()
	tk := &task.Task{TaskID: "T1", PullRequestURL: "https://example.test/acme/svc/pull/7"}
	now := time.Now()
	comments := []task.ReviewComment{
		{ID: "c2", Content: "rename foo to bar", CreatedAt: now.Add(time.Minute)},
		{ID: "c1", Content: "add a test", CreatedAt: now},
		{ID: "c1dup", Content: "add a test", CreatedAt: now.Add(2 * time.Minute)},
	}

	out, err := b.Build(task.ActionProcessFeedback, tk, nil, comments, "")
	require.NoError(t, err)
	require.Contains(t, out, "https://example.test/acme/svc/pull/7")
	idxTest := strings.Index(out, "add a test")
	idxRename := strings.Index(out, "rename foo to bar")
	require.True(t, idxTest < idxRename, "comments must appear in chronological order")
	require.Equal(t, 1, strings.Count(out, "add a test"), "duplicate comment body must be deduplicated")
}

func TestBuild_MergeRequest(t *testing.T) {
	b := NewBuilder()
	tk := &task.Task{TaskID: "T1", PullRequestURL: "https://example.test/acme/svc/pull/7"}
	out, err := b.Build(task.ActionMergeRequest, tk, nil, nil, "")
	require.NoError(t, err)
	require.Contains(t, out, "merge commit")
	require.Contains(t, out, "https://example.test/acme/svc/pull/7")
}

func TestBuild_UnknownAction(t *testing.T) {
	b := NewBuilder()
	_, err := b.Build(task.Action("BOGUS"), &task.Task{}, nil, nil, "")
	require.Error(t, err)
}

func TestBuild_NoSplitAtExactLimit(t *testing.T) {
	ws := &ports.WorkspaceInfo{WorkspaceDir: t.TempDir()}
	tk := &task.Task{TaskID: "T1", RepositoryID: "acme/svc", Action: task.ActionStartNewTask}
	full, err := NewBuilder().Build(task.ActionStartNewTask, tk, ws, nil, "")
	require.NoError(t, err)
	b := NewBuilder(WithMaxContextLength(len(full)))
	out, err := b.Build(task.ActionStartNewTask, tk, ws, nil, "")
	require.NoError(t, err)
	require.NotContains(t, out, "@.orcloop-context")
}

func TestBuild_SplitsOversizedPrompt(t *testing.T) {
	dir := t.TempDir()
	ws := &ports.WorkspaceInfo{WorkspaceDir: dir}
	b := NewBuilder(WithMaxContextLength(50))

	tk := &task.Task{
		TaskID:       "T1",
		RepositoryID: "acme/svc",
		BoardItem: &task.BoardItem{
			Title:       "A very long task title that exceeds limits",
			Description: strings.Repeat("This is a long description sentence. ", 20),
		},
	}

	out, err := b.Build(task.ActionStartNewTask, tk, ws, nil, "")
	require.NoError(t, err)
	require.Contains(t, out, "@.orcloop-context/part-01.md")
	require.Contains(t, out, "@.orcloop-context/index.md")

	entries, err := os.ReadDir(filepath.Join(dir, ContextDirName))
	require.NoError(t, err)
	require.NotEmpty(t, entries)
}

func TestBuild_SplitPreservesFullContent(t *testing.T) {
	dir := t.TempDir()
	ws := &ports.WorkspaceInfo{WorkspaceDir: dir}
	b := NewBuilder(WithMaxContextLength(80))

	tk := &task.Task{
		TaskID:       "T1",
		RepositoryID: "acme/svc",
		BoardItem: &task.BoardItem{
			Title:       "Long task",
			Description: strings.Repeat("alpha beta gamma delta. ", 30),
		},
	}
	original := b.buildStartNewTask(tk, ws)

	_, err := b.Build(task.ActionStartNewTask, tk, ws, nil, "")
	require.NoError(t, err)

	var reassembled strings.Builder
	for i := 1; ; i++ {
		path := filepath.Join(dir, ContextDirName, fmt.Sprintf("part-%02d.md", i))
		data, err := os.ReadFile(path)
		if err != nil {
			break
		}
		reassembled.Write(data)
	}
	require.Equal(t, original, reassembled.String())
}
