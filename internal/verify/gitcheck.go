package verify

import (
	"context"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/AskTinNguyen/ralph-cli-sub009/internal/git"
)

// gitCommits checks that enough commits landed since the run started,
// optionally filtered by author substring and message pattern.
func (r *Runner) gitCommits(ctx context.Context, cfg Config) Result {
	ok, skip := r.requireGit()
	if !ok {
		return skip
	}

	min := cfg.MinCommits
	if min <= 0 {
		min = 1
	}
	count, err := r.gitc.CommitsSince(ctx, r.runStart, git.CommitFilter{
		Author:         cfg.Author,
		MessagePattern: r.resolve(cfg.MessagePattern),
	})
	if err != nil {
		return failedf(nil, "counting commits: %v", err)
	}

	details := map[string]any{"commits": count, "min_commits": min}
	if count < min {
		return failedf(details, "expected at least %d commits since run start, found %d", min, count)
	}
	return passed(details)
}

// gitDiff checks that the HEAD~1..HEAD diff, optionally scoped to paths,
// shows enough changed lines.
func (r *Runner) gitDiff(ctx context.Context, cfg Config) Result {
	ok, skip := r.requireGit()
	if !ok {
		return skip
	}

	paths := make([]string, len(cfg.Paths))
	for i, p := range cfg.Paths {
		paths[i] = r.resolve(p)
	}
	stats, err := r.gitc.DiffStat(ctx, "HEAD~1..HEAD", paths)
	if err != nil {
		return failedf(nil, "diffing HEAD~1..HEAD: %v", err)
	}

	details := map[string]any{
		"insertions":        stats.Insertions,
		"deletions":         stats.Deletions,
		"min_lines_changed": cfg.MinLinesChanged,
	}
	if stats.TotalLines() < cfg.MinLinesChanged {
		return failedf(details, "expected at least %d changed lines, found %d",
			cfg.MinLinesChanged, stats.TotalLines())
	}
	return passed(details)
}

// gitFilesChanged checks that every required file (glob-capable) appears in
// the diff of the last Window commits.
func (r *Runner) gitFilesChanged(ctx context.Context, cfg Config) Result {
	ok, skip := r.requireGit()
	if !ok {
		return skip
	}

	window := cfg.Window
	if window <= 0 {
		window = 5
	}
	changed, err := r.gitc.FilesChangedInWindow(ctx, window)
	if err != nil {
		return failedf(nil, "listing changed files: %v", err)
	}

	var missing []string
	for _, want := range cfg.Files {
		pattern := filepath.ToSlash(r.resolve(want))
		found := false
		for _, f := range changed {
			if match, _ := doublestar.Match(pattern, filepath.ToSlash(f)); match {
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, want)
		}
	}

	details := map[string]any{
		"window":  window,
		"changed": len(changed),
	}
	if len(missing) > 0 {
		details["missing"] = missing
		return failedf(details, "files not changed in last %d commits: %v", window, missing)
	}
	return passed(details)
}
