package verify

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
)

// resolvePath applies template resolution and roots relative paths at the
// project directory.
func (r *Runner) resolvePath(p string) string {
	p = r.resolve(p)
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(r.root, p)
}

// fileExists checks that every listed path exists.
func (r *Runner) fileExists(cfg Config) Result {
	var missing []string
	for _, p := range cfg.Paths {
		if _, err := os.Stat(r.resolvePath(p)); err != nil {
			missing = append(missing, p)
		}
	}
	details := map[string]any{"checked": len(cfg.Paths)}
	if len(missing) > 0 {
		details["missing"] = missing
		return failedf(details, "missing files: %v", missing)
	}
	return passed(details)
}

// fileChanged checks that each listed path was modified since the run start.
// Git history and status are the primary evidence; file mtime is the fallback
// outside a repository.
func (r *Runner) fileChanged(ctx context.Context, cfg Config) Result {
	var changedSet map[string]bool
	if r.gitc != nil {
		files, err := r.gitc.FilesChangedSince(ctx, r.runStart)
		if err != nil {
			return failedf(nil, "querying changed files: %v", err)
		}
		changedSet = make(map[string]bool, len(files))
		for _, f := range files {
			changedSet[f] = true
		}
	}

	var unchanged []string
	for _, p := range cfg.Paths {
		resolved := r.resolvePath(p)
		if changedSet != nil {
			rel, err := filepath.Rel(r.root, resolved)
			if err == nil && changedSet[filepath.ToSlash(rel)] {
				continue
			}
		}
		info, err := os.Stat(resolved)
		if err != nil || info.ModTime().Before(r.runStart) {
			unchanged = append(unchanged, p)
		}
	}

	details := map[string]any{"checked": len(cfg.Paths)}
	if len(unchanged) > 0 {
		details["unchanged"] = unchanged
		return failedf(details, "files not modified during run: %v", unchanged)
	}
	return passed(details)
}

// fileContains checks that the named file matches every listed regular
// expression.
func (r *Runner) fileContains(cfg Config) Result {
	path := r.resolvePath(cfg.Path)
	data, err := os.ReadFile(path)
	if err != nil {
		return failedf(nil, "reading %s: %v", cfg.Path, err)
	}

	var unmatched []string
	for _, pattern := range cfg.Patterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return failedf(nil, "invalid pattern %q: %v", pattern, err)
		}
		if !re.Match(data) {
			unmatched = append(unmatched, pattern)
		}
	}

	details := map[string]any{
		"path":     cfg.Path,
		"patterns": len(cfg.Patterns),
	}
	if len(unmatched) > 0 {
		details["unmatched"] = unmatched
		return failedf(details, "%s does not match: %v", cfg.Path, unmatched)
	}
	return passed(details)
}
