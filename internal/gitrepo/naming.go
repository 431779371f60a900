package gitrepo

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/randalmurphal/orcloop/internal/task"
)

const taskIDTruncateLen = 20

var titleIssueRef = regexp.MustCompile(`#(\d+)`)

// BranchName derives a task's branch name, in order:
//  1. item.ContentNumber with its content-type prefix (issue-<n> / pr-<n>)
//  2. a "#<digits>" reference scanned out of item.Title (issue-<n>)
//  3. taskID truncated to 20 characters
func BranchName(taskID string, item *task.BoardItem) string {
	if item != nil {
		switch item.ContentType {
		case task.ContentTypeIssue:
			if item.ContentNumber > 0 {
				return fmt.Sprintf("issue-%d", item.ContentNumber)
			}
		case task.ContentTypePullRequest:
			if item.ContentNumber > 0 {
				return fmt.Sprintf("pr-%d", item.ContentNumber)
			}
		}
		if m := titleIssueRef.FindStringSubmatch(item.Title); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil {
				return fmt.Sprintf("issue-%d", n)
			}
		}
	}
	if len(taskID) > taskIDTruncateLen {
		return taskID[:taskIDTruncateLen]
	}
	return taskID
}

// WorkspaceDirName derives the per-task workspace directory name:
// <owner>_<repo>_<branch-or-task>.
func WorkspaceDirName(repositoryID, branchName string) string {
	owner, repo := splitRepositoryID(repositoryID)
	return fmt.Sprintf("%s_%s_%s", owner, repo, branchName)
}

func splitRepositoryID(repositoryID string) (owner, repo string) {
	parts := strings.SplitN(repositoryID, "/", 2)
	if len(parts) != 2 {
		return repositoryID, repositoryID
	}
	return parts[0], parts[1]
}
