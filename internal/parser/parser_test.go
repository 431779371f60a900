package parser

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExtractPullRequestURL(t *testing.T) {
	out := "Opened PR: https://example.test/acme/svc/pull/7\nDone."
	require.Equal(t, "https://example.test/acme/svc/pull/7", ExtractPullRequestURL(out))
}

func TestExtractPullRequestURL_NoneFound(t *testing.T) {
	require.Equal(t, "", ExtractPullRequestURL("nothing here"))
}

func TestExtractCommitHash(t *testing.T) {
	hash := strings.Repeat("ab", 20)
	out := "Committed as " + hash + " onto branch"
	require.Equal(t, hash, ExtractCommitHash(out))
}

func TestExtractCommands(t *testing.T) {
	out := "$ go test ./...\nok  	pkg	0.01s\n$ go vet ./...\nerror: vet failed\n"
	cmds := ExtractCommands(out)
	require.Len(t, cmds, 2)
	require.Equal(t, "go test ./...", cmds[0].Line)
	require.Equal(t, 0, cmds[0].ExitCode)
	require.Equal(t, "go vet ./...", cmds[1].Line)
	require.Equal(t, 1, cmds[1].ExitCode)
}

func TestExtractModifiedFiles_Markers(t *testing.T) {
	out := "new file:   internal/foo.go\nmodified:   internal/bar.go\ndeleted:    internal/baz.go\n"
	files := ExtractModifiedFiles(out)
	require.ElementsMatch(t, []string{"internal/foo.go", "internal/bar.go", "internal/baz.go"}, files)
}

func TestExtractModifiedFiles_DiffGit(t *testing.T) {
	out := "diff --git a/pkg/x.go b/pkg/x.go\n--- a/pkg/x.go\n+++ b/pkg/x.go\n"
	files := ExtractModifiedFiles(out)
	require.Equal(t, []string{"pkg/x.go"}, files)
}

func TestExtractModifiedFiles_ExcludesDevNull(t *testing.T) {
	out := "diff --git a/dev/null b/pkg/new.go\n"
	files := ExtractModifiedFiles(out)
	require.Equal(t, []string{"pkg/new.go"}, files)
}

func TestExtractModifiedFiles_Dedup(t *testing.T) {
	out := "modified:   internal/foo.go\ndiff --git a/internal/foo.go b/internal/foo.go\n"
	files := ExtractModifiedFiles(out)
	require.Equal(t, []string{"internal/foo.go"}, files)
}

func TestIsSuccess_FailureOverridesSuccess(t *testing.T) {
	require.False(t, IsSuccess("Task completed but error: something broke"))
}

func TestIsSuccess_SuccessKeyword(t *testing.T) {
	require.True(t, IsSuccess("All done, success!"))
}

func TestIsSuccess_EmptyDefaultsToSuccess(t *testing.T) {
	// Documented ambiguity (spec.md §9 open question): preserved as-is.
	require.True(t, IsSuccess(""))
}

func TestParse_Total(t *testing.T) {
	inputs := []string{"", "\x00\x01garbage", strings.Repeat("x", 10000), "$ ", "diff --git a/ b/"}
	for _, in := range inputs {
		require.NotPanics(t, func() { Parse(in) })
	}
}

func TestParse_Idempotent(t *testing.T) {
	out := "new file: a.go\n$ go build\nok\nhttps://example.test/acme/svc/pull/3\n"
	p1 := Parse(out)
	p2 := Parse(out)
	require.Equal(t, p1, p2)
}
