// Package parser converts raw agent stdout into a structured outcome: a PR
// URL, a commit hash, modified files, shell-echoed commands, and a success
// verdict. Every function here is pure, total, and idempotent, grounded on
// the teacher's regex-driven internal/executor/test_parser.go style.
package parser

import (
	"regexp"
	"strings"
)

var (
	prURLPattern = regexp.MustCompile(
		`https?://[^\s]+/(?:pull|pulls|merge_requests)/\d+`)
	commitHashPattern = regexp.MustCompile(`\b[0-9a-fA-F]{40}\b`)

	newFilePattern      = regexp.MustCompile(`(?m)^\s*new file:\s*(\S+)`)
	modifiedFilePattern = regexp.MustCompile(`(?m)^\s*modified:\s*(\S+)`)
	deletedFilePattern  = regexp.MustCompile(`(?m)^\s*deleted:\s*(\S+)`)
	renamedFilePattern  = regexp.MustCompile(`(?m)^\s*renamed:\s*(\S+)\s*->\s*(\S+)`)
	diffGitPattern      = regexp.MustCompile(`(?m)^diff --git a/(\S+) b/(\S+)`)
	standalonePathPattern = regexp.MustCompile(
		`(?m)^\s*([\w./-]+\.[A-Za-z0-9]{1,8})\s*$`)

	commandPromptPattern = regexp.MustCompile(`(?m)^\$ (.*)$`)
)

var failureKeywords = []string{
	"error:", "failed", "failure", "exception", "panic:", "fatal:",
	"cannot ", "could not", "traceback (most recent call last)",
}

var successKeywords = []string{
	"success", "completed", "done", "merged", "pull request created",
	"all tests passed",
}

// ExtractPullRequestURL returns the first canonical PR/MR URL found in
// output, or "" if none is present.
func ExtractPullRequestURL(output string) string {
	return prURLPattern.FindString(output)
}

// ExtractCommitHash returns the first 40-hex-character token found in
// output, or "" if none is present.
func ExtractCommitHash(output string) string {
	return commitHashPattern.FindString(output)
}

// Command is one shell-echoed command block: the command line itself, its
// captured stdout, and an inferred exit code.
type Command struct {
	Line     string
	Output   string
	ExitCode int
}

// ExtractCommands parses shell-echoed command blocks out of output. A line
// starting with "$ " begins a command; subsequent non-"$ " lines are its
// captured stdout, terminated by the next "$ " line or EOF. Exit code is
// inferred as 1 when the accumulated output for that command contains a
// failure keyword, 0 otherwise.
func ExtractCommands(output string) []Command {
	lines := strings.Split(output, "\n")
	var commands []Command
	var current *Command
	var buf strings.Builder

	flush := func() {
		if current == nil {
			return
		}
		current.Output = strings.TrimRight(buf.String(), "\n")
		if containsAnyFold(current.Output, failureKeywords) {
			current.ExitCode = 1
		}
		commands = append(commands, *current)
		current = nil
		buf.Reset()
	}

	for _, line := range lines {
		if m := commandPromptPattern.FindStringSubmatch(line); m != nil {
			flush()
			current = &Command{Line: m[1]}
			continue
		}
		if current != nil {
			buf.WriteString(line)
			buf.WriteString("\n")
		}
	}
	flush()
	return commands
}

// ExtractModifiedFiles returns the de-duplicated union of file paths found
// via "new file:"/"modified:"/"deleted:"/"renamed:" markers, `diff --git`
// pairs (excluding /dev/null), and standalone path-with-extension lines.
func ExtractModifiedFiles(output string) []string {
	seen := make(map[string]struct{})
	var out []string

	add := func(path string) {
		path = strings.TrimSpace(path)
		if path == "" || path == "/dev/null" {
			return
		}
		if _, ok := seen[path]; ok {
			return
		}
		seen[path] = struct{}{}
		out = append(out, path)
	}

	for _, m := range newFilePattern.FindAllStringSubmatch(output, -1) {
		add(m[1])
	}
	for _, m := range modifiedFilePattern.FindAllStringSubmatch(output, -1) {
		add(m[1])
	}
	for _, m := range deletedFilePattern.FindAllStringSubmatch(output, -1) {
		add(m[1])
	}
	for _, m := range renamedFilePattern.FindAllStringSubmatch(output, -1) {
		add(m[1])
		add(m[2])
	}
	for _, m := range diffGitPattern.FindAllStringSubmatch(output, -1) {
		// With the a/ and b/ prefixes stripped, /dev/null reads as dev/null.
		for _, p := range m[1:] {
			if p != "dev/null" {
				add(p)
			}
		}
	}
	for _, m := range standalonePathPattern.FindAllStringSubmatch(output, -1) {
		add(m[1])
	}
	return out
}

// IsSuccess reports whether output represents a successful agent run.
// Explicit failure keywords override everything else; otherwise success
// keywords imply success; otherwise output is considered successful by
// default (an empty or ambiguous transcript is not treated as a failure).
func IsSuccess(output string) bool {
	if containsAnyFold(output, failureKeywords) {
		return false
	}
	if containsAnyFold(output, successKeywords) {
		return true
	}
	return true
}

// ParsedOutput is the full structured outcome extracted from one agent run.
type ParsedOutput struct {
	PullRequestURL string
	CommitHash     string
	ModifiedFiles  []string
	Commands       []Command
	Success        bool
}

// Parse runs every extractor over output and returns the combined result.
// Total: never panics, regardless of input.
func Parse(output string) ParsedOutput {
	return ParsedOutput{
		PullRequestURL: ExtractPullRequestURL(output),
		CommitHash:     ExtractCommitHash(output),
		ModifiedFiles:  ExtractModifiedFiles(output),
		Commands:       ExtractCommands(output),
		Success:        IsSuccess(output),
	}
}

func containsAnyFold(haystack string, needles []string) bool {
	lower := strings.ToLower(haystack)
	for _, n := range needles {
		if strings.Contains(lower, n) {
			return true
		}
	}
	return false
}
