package verify

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseTestCounts(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want TestCounts
	}{
		{
			name: "jest summary",
			in:   "Test Suites: 3 passed, 3 total\nTests: 2 failed, 11 passed, 13 total\n",
			want: TestCounts{Passed: 11, Failed: 2, Total: 13, Parsed: true},
		},
		{
			name: "jest summary without total",
			in:   "Tests: 4 passed\n",
			want: TestCounts{Passed: 4, Total: 4, Parsed: true},
		},
		{
			name: "mocha words",
			in:   "  12 passing (340ms)\n  2 failing\n",
			want: TestCounts{Passed: 12, Failed: 2, Total: 14, Parsed: true},
		},
		{
			name: "tap epilogue",
			in:   "ok 10\n# tests 10\n# pass 9\n# fail 1\n",
			want: TestCounts{Passed: 9, Failed: 1, Total: 10, Parsed: true},
		},
		{
			name: "tap epilogue all pass",
			in:   "# tests 7\n",
			want: TestCounts{Passed: 7, Total: 7, Parsed: true},
		},
		{
			name: "generic fallback",
			in:   "ran 14 tests in 0.2s\n",
			want: TestCounts{Passed: 14, Total: 14, Parsed: true},
		},
		{
			name: "nothing recognised",
			in:   "hello world\n",
			want: TestCounts{},
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, ParseTestCounts(tc.in))
		})
	}
}

func TestParseTestCountsPriority(t *testing.T) {
	t.Parallel()

	// A "Tests:" summary wins even when passing/failing words also appear.
	out := "12 passing\nTests: 1 failed, 5 passed, 6 total\n"
	assert.Equal(t, TestCounts{Passed: 5, Failed: 1, Total: 6, Parsed: true}, ParseTestCounts(out))
}

func TestParseCoverage(t *testing.T) {
	t.Parallel()

	pct, ok := ParseCoverage("All files      |   85.71 |    72.2 |\n")
	assert.True(t, ok)
	assert.InDelta(t, 85.71, pct, 0.001)

	pct, ok = ParseCoverage("coverage: 64.0% of statements\n")
	assert.True(t, ok)
	assert.InDelta(t, 64.0, pct, 0.001)

	// Istanbul aggregate wins over a generic coverage line.
	pct, ok = ParseCoverage("coverage: 10%\nAll files | 90.0 |\n")
	assert.True(t, ok)
	assert.InDelta(t, 90.0, pct, 0.001)

	_, ok = ParseCoverage("no percentages here")
	assert.False(t, ok)
}

func TestParseLintCounts(t *testing.T) {
	t.Parallel()

	counts := ParseLintCounts("✖ 3 problems (2 errors, 1 warning)\n")
	assert.Equal(t, LintCounts{Errors: 2, Warnings: 1}, counts)

	counts = ParseLintCounts("src/a.go:3: error: bad thing\nsrc/b.go:9: warning: iffy thing\n")
	assert.Equal(t, LintCounts{Errors: 1, Warnings: 1}, counts)

	assert.Equal(t, LintCounts{}, ParseLintCounts("   \n"))
}
