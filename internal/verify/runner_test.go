//go:build !windows

package verify

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestFileExists(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeFile(t, root, "PRD.md", "# PRD\n")
	r := NewRunner(root)

	combined := r.RunAll(context.Background(), []Config{
		{Type: KindFileExists, Paths: []string{"PRD.md"}},
	})
	assert.True(t, combined.Passed())

	combined = r.RunAll(context.Background(), []Config{
		{Type: KindFileExists, Paths: []string{"PRD.md", "missing.md"}},
	})
	require.Equal(t, StatusFailed, combined.Status)
	assert.Contains(t, combined.Message, "file_exists")
	assert.Contains(t, combined.Results[1].Message, "missing.md")
}

func TestFileExistsResolvesTemplates(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeFile(t, root, "docs/plan-7.md", "plan\n")
	r := NewRunner(root, WithResolver(func(s string) string {
		return strings.ReplaceAll(s, "{{ prd_number }}", "7")
	}))

	combined := r.RunAll(context.Background(), []Config{
		{Type: KindFileExists, Paths: []string{"docs/plan-{{ prd_number }}.md"}},
	})
	assert.True(t, combined.Passed())
}

func TestFileChangedMtimeFallback(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	stale := writeFile(t, root, "stale.md", "old\n")
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))

	r := NewRunner(root, WithRunStart(time.Now().Add(-time.Minute)))

	writeFile(t, root, "fresh.md", "new\n")
	combined := r.RunAll(context.Background(), []Config{
		{Type: KindFileChanged, Paths: []string{"fresh.md"}},
	})
	assert.True(t, combined.Passed())

	combined = r.RunAll(context.Background(), []Config{
		{Type: KindFileChanged, Paths: []string{"stale.md"}},
	})
	require.Equal(t, StatusFailed, combined.Status)
	assert.Contains(t, combined.Results[0].Message, "stale.md")
}

func TestFileContains(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeFile(t, root, "notes.md", "## Stories\n- [x] done\n- [ ] todo\n")
	r := NewRunner(root)

	combined := r.RunAll(context.Background(), []Config{
		{Type: KindFileContains, Path: "notes.md", Patterns: []string{`## Stories`, `- \[x\]`}},
	})
	assert.True(t, combined.Passed())

	combined = r.RunAll(context.Background(), []Config{
		{Type: KindFileContains, Path: "notes.md", Patterns: []string{"absent-pattern"}},
	})
	assert.Equal(t, StatusFailed, combined.Status)

	combined = r.RunAll(context.Background(), []Config{
		{Type: KindFileContains, Path: "nope.md", Patterns: []string{"x"}},
	})
	assert.Equal(t, StatusFailed, combined.Status)
}

func TestGitVerifiersSkipWithoutRepo(t *testing.T) {
	t.Parallel()

	r := NewRunner(t.TempDir())
	combined := r.RunAll(context.Background(), []Config{
		{Type: KindGitCommits, MinCommits: 1},
		{Type: KindGitDiff, MinLinesChanged: 1},
		{Type: KindGitFilesChanged, Files: []string{"*.go"}},
	})
	// Skipped evidence does not fail the gate.
	assert.True(t, combined.Passed())
	for _, res := range combined.Results {
		assert.Equal(t, StatusSkipped, res.Status)
	}
}

func TestTestSuite(t *testing.T) {
	t.Parallel()

	r := NewRunner(t.TempDir())

	combined := r.RunAll(context.Background(), []Config{
		{Type: KindTestSuite, Command: "echo 'Tests: 5 passed, 5 total'", MinPassing: 5},
	})
	assert.True(t, combined.Passed())

	combined = r.RunAll(context.Background(), []Config{
		{Type: KindTestSuite, Command: "echo 'Tests: 2 failed, 3 passed, 5 total'"},
	})
	require.Equal(t, StatusFailed, combined.Status)
	assert.Contains(t, combined.Results[0].Message, "2 tests failed")

	// Unparseable output with a non-zero exit fails under max_failing=0.
	combined = r.RunAll(context.Background(), []Config{
		{Type: KindTestSuite, Command: "echo nothing; exit 1"},
	})
	assert.Equal(t, StatusFailed, combined.Status)
}

func TestTestCoverage(t *testing.T) {
	t.Parallel()

	r := NewRunner(t.TempDir())

	combined := r.RunAll(context.Background(), []Config{
		{Type: KindTestCoverage, Command: "echo 'coverage: 81.5%'", MinCoverage: 80},
	})
	assert.True(t, combined.Passed())

	combined = r.RunAll(context.Background(), []Config{
		{Type: KindTestCoverage, Command: "echo 'coverage: 42.0%'", MinCoverage: 80},
	})
	require.Equal(t, StatusFailed, combined.Status)
	assert.Contains(t, combined.Results[0].Message, "below minimum")
}

func TestBuildSuccess(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	r := NewRunner(root)

	combined := r.RunAll(context.Background(), []Config{
		{Type: KindBuildSuccess, Command: "touch out.bin", Artifacts: []string{"out.bin"}},
	})
	assert.True(t, combined.Passed())

	combined = r.RunAll(context.Background(), []Config{
		{Type: KindBuildSuccess, Command: "true", Artifacts: []string{"never-made.bin"}},
	})
	require.Equal(t, StatusFailed, combined.Status)
	assert.Contains(t, combined.Results[0].Message, "artifacts missing")

	combined = r.RunAll(context.Background(), []Config{
		{Type: KindBuildSuccess, Command: "exit 2"},
	})
	assert.Equal(t, StatusFailed, combined.Status)
}

func TestLintPass(t *testing.T) {
	t.Parallel()

	r := NewRunner(t.TempDir())

	combined := r.RunAll(context.Background(), []Config{
		{Type: KindLintPass, Command: "echo '(0 errors, 2 warnings)'", MaxWarnings: 3},
	})
	assert.True(t, combined.Passed())

	combined = r.RunAll(context.Background(), []Config{
		{Type: KindLintPass, Command: "echo '(1 errors, 0 warnings)'"},
	})
	assert.Equal(t, StatusFailed, combined.Status)

	combined = r.RunAll(context.Background(), []Config{
		{Type: KindLintPass, Command: "echo '(0 errors, 5 warnings)'", MaxWarnings: 1},
	})
	assert.Equal(t, StatusFailed, combined.Status)
}

func TestCustomVerifier(t *testing.T) {
	t.Parallel()

	r := NewRunner(t.TempDir())
	three := 3

	combined := r.RunAll(context.Background(), []Config{
		{Type: KindCustom, Command: "exit 3", ExpectExitCode: &three},
	})
	assert.True(t, combined.Passed())

	combined = r.RunAll(context.Background(), []Config{
		{Type: KindCustom, Command: "exit 3"},
	})
	require.Equal(t, StatusFailed, combined.Status)
	assert.Contains(t, combined.Results[0].Message, "expected 0")
}

func TestCombinedMessageEnumeratesFailures(t *testing.T) {
	t.Parallel()

	r := NewRunner(t.TempDir())
	combined := r.RunAll(context.Background(), []Config{
		{Type: KindFileExists, Paths: []string{"a"}},
		{Type: KindCustom, Command: "true"},
		{Type: KindFileContains, Path: "b", Patterns: []string{"x"}},
	})
	require.Equal(t, StatusFailed, combined.Status)
	assert.Contains(t, combined.Message, "file_exists")
	assert.Contains(t, combined.Message, "file_contains")
	assert.NotContains(t, combined.Message, "custom")
}
