// Package git wraps the git CLI for the evidence queries verification needs:
// commit counts since a timestamp, diff statistics, changed-file listings,
// and working-tree status. All methods shell out to the git binary, the same
// pattern gh, lazygit, and k9s use.
package git

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Client executes git commands rooted at a working directory.
type Client struct {
	// WorkDir is the working directory for git commands. If empty, commands
	// run in the current directory.
	WorkDir string

	// GitBin is the path to the git binary. Defaults to "git".
	GitBin string
}

// NewClient creates a Client for the given working directory and verifies the
// directory is inside a git repository.
func NewClient(workDir string) (*Client, error) {
	c := &Client{WorkDir: workDir, GitBin: "git"}
	if _, err := c.run(context.Background(), "rev-parse", "--git-dir"); err != nil {
		return nil, fmt.Errorf("git: not a git repository or git not installed: %w", err)
	}
	return c, nil
}

// IsRepository reports whether workDir is inside a git repository without
// constructing a client.
func IsRepository(workDir string) bool {
	c := &Client{WorkDir: workDir, GitBin: "git"}
	_, err := c.run(context.Background(), "rev-parse", "--git-dir")
	return err == nil
}

// HeadCommit returns the short SHA of the current HEAD commit.
func (c *Client) HeadCommit(ctx context.Context) (string, error) {
	out, err := c.run(ctx, "rev-parse", "--short", "HEAD")
	if err != nil {
		return "", fmt.Errorf("git: head commit: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// CommitFilter narrows CommitsSince to commits matching an author substring
// and/or a message regular expression.
type CommitFilter struct {
	Author         string
	MessagePattern string
}

// CommitsSince counts commits made after the given time, optionally filtered.
// The message pattern is applied to the subject line.
func (c *Client) CommitsSince(ctx context.Context, since time.Time, filter CommitFilter) (int, error) {
	args := []string{"log", "--since=" + since.Format(time.RFC3339), "--format=%s"}
	if filter.Author != "" {
		args = append(args, "--author="+filter.Author)
	}
	out, err := c.run(ctx, args...)
	if err != nil {
		return 0, fmt.Errorf("git: commits since %s: %w", since.Format(time.RFC3339), err)
	}

	var msgRe *regexp.Regexp
	if filter.MessagePattern != "" {
		msgRe, err = regexp.Compile(filter.MessagePattern)
		if err != nil {
			return 0, fmt.Errorf("git: message pattern %q: %w", filter.MessagePattern, err)
		}
	}

	count := 0
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if msgRe != nil && !msgRe.MatchString(line) {
			continue
		}
		count++
	}
	return count, nil
}

// DiffStats summarises the size of a diff.
type DiffStats struct {
	FilesChanged int
	Insertions   int
	Deletions    int
}

// TotalLines returns insertions plus deletions.
func (s DiffStats) TotalLines() int {
	return s.Insertions + s.Deletions
}

// DiffStat returns aggregate change statistics for a revision range
// (e.g. "HEAD~1..HEAD"), optionally scoped to the given paths.
func (c *Client) DiffStat(ctx context.Context, revRange string, paths []string) (*DiffStats, error) {
	args := []string{"diff", "--shortstat", revRange}
	if len(paths) > 0 {
		args = append(args, "--")
		args = append(args, paths...)
	}
	out, err := c.run(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("git: diff stat %q: %w", revRange, err)
	}
	stats, err := parseShortStat(out)
	if err != nil {
		return nil, fmt.Errorf("git: diff stat parse: %w", err)
	}
	return stats, nil
}

// parseShortStat parses the single summary line of `git diff --shortstat`:
//
//	"3 files changed, 45 insertions(+), 12 deletions(-)"
//	"1 file changed, 5 insertions(+)"
//
// An empty diff produces no output and yields zero stats.
func parseShortStat(output string) (*DiffStats, error) {
	stats := &DiffStats{}
	summary := strings.TrimSpace(output)
	if summary == "" {
		return stats, nil
	}
	for _, seg := range strings.Split(summary, ", ") {
		seg = strings.TrimSpace(seg)
		n, err := parseLeadingInt(seg)
		if err != nil {
			return nil, fmt.Errorf("parsing segment %q: %w", seg, err)
		}
		switch {
		case strings.Contains(seg, "file"):
			stats.FilesChanged = n
		case strings.Contains(seg, "insertion"):
			stats.Insertions = n
		case strings.Contains(seg, "deletion"):
			stats.Deletions = n
		}
	}
	return stats, nil
}

// parseLeadingInt extracts the leading integer from "3 files changed".
func parseLeadingInt(s string) (int, error) {
	s = strings.TrimSpace(s)
	spaceIdx := strings.IndexByte(s, ' ')
	if spaceIdx < 0 {
		return 0, fmt.Errorf("no space found in %q", s)
	}
	return strconv.Atoi(s[:spaceIdx])
}

// FilesChangedInWindow lists the distinct files touched by the last n
// commits. A shallow or short history degrades to whatever range exists.
func (c *Client) FilesChangedInWindow(ctx context.Context, n int) ([]string, error) {
	if n <= 0 {
		n = 1
	}
	out, err := c.run(ctx, "log", fmt.Sprintf("-%d", n), "--name-only", "--format=")
	if err != nil {
		return nil, fmt.Errorf("git: files changed in last %d commits: %w", n, err)
	}
	return splitNonEmptyLines(out), nil
}

// FilesChangedSince lists files touched by commits after the given time,
// combined with files currently dirty in the working tree. Verification uses
// this to confirm a path was modified during the run even when the agent
// never committed.
func (c *Client) FilesChangedSince(ctx context.Context, since time.Time) ([]string, error) {
	out, err := c.run(ctx, "log", "--since="+since.Format(time.RFC3339), "--name-only", "--format=")
	if err != nil {
		return nil, fmt.Errorf("git: files changed since %s: %w", since.Format(time.RFC3339), err)
	}
	files := splitNonEmptyLines(out)

	dirty, err := c.StatusChangedFiles(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(files))
	for _, f := range files {
		seen[f] = true
	}
	for _, f := range dirty {
		if !seen[f] {
			seen[f] = true
			files = append(files, f)
		}
	}
	return files, nil
}

// StatusChangedFiles lists files with uncommitted changes, including
// untracked files.
func (c *Client) StatusChangedFiles(ctx context.Context) ([]string, error) {
	out, err := c.run(ctx, "status", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("git: status: %w", err)
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		path := strings.TrimSpace(line[3:])
		// Rename entries look like "old -> new"; the destination matters.
		if idx := strings.Index(path, " -> "); idx >= 0 {
			path = path[idx+4:]
		}
		files = append(files, path)
	}
	return files, nil
}

func splitNonEmptyLines(out string) []string {
	var lines []string
	seen := make(map[string]bool)
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || seen[line] {
			continue
		}
		seen[line] = true
		lines = append(lines, line)
	}
	return lines
}

// run executes a git command and returns stdout. stderr is folded into the
// error when the command fails.
func (c *Client) run(ctx context.Context, args ...string) (string, error) {
	bin := c.GitBin
	if bin == "" {
		bin = "git"
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = c.WorkDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return "", fmt.Errorf("exit status %d: %s", exitErr.ExitCode(), strings.TrimSpace(stderr.String()))
		}
		return "", err
	}
	return stdout.String(), nil
}
