package verify

import (
	"regexp"
	"strconv"
	"strings"
)

// TestCounts is the parsed outcome of a test command's output.
type TestCounts struct {
	Passed int
	Failed int
	Total  int

	// Parsed is false when no recognised count format was found.
	Parsed bool
}

var (
	// Jest/Vitest style summary: "Tests: 2 failed, 11 passed, 13 total".
	reTestsSummary = regexp.MustCompile(`(?m)^\s*Tests:\s*(.+)$`)
	reSummaryPair  = regexp.MustCompile(`(\d+)\s+(passed|failed|skipped|total)`)

	// Mocha style: "12 passing", "2 failing".
	rePassing = regexp.MustCompile(`(\d+)\s+passing`)
	reFailing = regexp.MustCompile(`(\d+)\s+failing`)

	// TAP epilogue: "# tests 10" / "# pass 9" / "# fail 1".
	reTapTests = regexp.MustCompile(`(?m)^#\s*tests\s+(\d+)`)
	reTapPass  = regexp.MustCompile(`(?m)^#\s*pass(?:ed)?\s+(\d+)`)
	reTapFail  = regexp.MustCompile(`(?m)^#\s*fail(?:ed)?\s+(\d+)`)

	// Generic fallback: "ok ... 14 tests" / "ran 7 specs".
	reGenericTests = regexp.MustCompile(`(\d+)\s+(?:tests?|specs?)\b`)
)

// ParseTestCounts extracts pass/fail counts from test runner output. Formats
// are tried in priority order: an explicit "Tests:" summary line, then
// passing/failing words, then a TAP epilogue, then a bare "N tests" count
// (treated as all passed).
func ParseTestCounts(output string) TestCounts {
	if m := reTestsSummary.FindStringSubmatch(output); m != nil {
		c := TestCounts{Parsed: true}
		for _, pair := range reSummaryPair.FindAllStringSubmatch(m[1], -1) {
			n, _ := strconv.Atoi(pair[1])
			switch pair[2] {
			case "passed":
				c.Passed = n
			case "failed":
				c.Failed = n
			case "total":
				c.Total = n
			}
		}
		if c.Total == 0 {
			c.Total = c.Passed + c.Failed
		}
		return c
	}

	pm := rePassing.FindStringSubmatch(output)
	fm := reFailing.FindStringSubmatch(output)
	if pm != nil || fm != nil {
		c := TestCounts{Parsed: true}
		if pm != nil {
			c.Passed, _ = strconv.Atoi(pm[1])
		}
		if fm != nil {
			c.Failed, _ = strconv.Atoi(fm[1])
		}
		c.Total = c.Passed + c.Failed
		return c
	}

	if tm := reTapTests.FindStringSubmatch(output); tm != nil {
		c := TestCounts{Parsed: true}
		c.Total, _ = strconv.Atoi(tm[1])
		if m := reTapPass.FindStringSubmatch(output); m != nil {
			c.Passed, _ = strconv.Atoi(m[1])
		}
		if m := reTapFail.FindStringSubmatch(output); m != nil {
			c.Failed, _ = strconv.Atoi(m[1])
		}
		if c.Passed == 0 && c.Failed == 0 {
			c.Passed = c.Total
		}
		return c
	}

	if m := reGenericTests.FindStringSubmatch(output); m != nil {
		n, _ := strconv.Atoi(m[1])
		return TestCounts{Passed: n, Total: n, Parsed: true}
	}

	return TestCounts{}
}

var (
	// Istanbul text summary: "All files | 85.71 | ...".
	reIstanbul = regexp.MustCompile(`All files\s*\|\s*([\d.]+)`)

	// Generic "coverage: 82.4%" (also matches go test -cover output).
	reCoverage = regexp.MustCompile(`(?i)coverage:?\s*([\d.]+)\s*%`)
)

// ParseCoverage extracts a coverage percentage from command output. Returns
// false when no recognised format is present.
func ParseCoverage(output string) (float64, bool) {
	if m := reIstanbul.FindStringSubmatch(output); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			return v, true
		}
	}
	if m := reCoverage.FindStringSubmatch(output); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			return v, true
		}
	}
	return 0, false
}

// LintCounts is the parsed outcome of a lint command's output.
type LintCounts struct {
	Errors   int
	Warnings int
}

// ESLint style epilogue: "✖ 3 problems (2 errors, 1 warning)".
var reLintTuple = regexp.MustCompile(`\((\d+)\s+errors?,\s*(\d+)\s+warnings?\)`)

var (
	reWordError   = regexp.MustCompile(`(?im)\berror\b`)
	reWordWarning = regexp.MustCompile(`(?im)\bwarning\b`)
)

// ParseLintCounts extracts error and warning counts from lint output. The
// explicit "(N errors, M warnings)" tuple is preferred; otherwise occurrences
// of the bare words are counted.
func ParseLintCounts(output string) LintCounts {
	if m := reLintTuple.FindStringSubmatch(output); m != nil {
		e, _ := strconv.Atoi(m[1])
		w, _ := strconv.Atoi(m[2])
		return LintCounts{Errors: e, Warnings: w}
	}
	if strings.TrimSpace(output) == "" {
		return LintCounts{}
	}
	return LintCounts{
		Errors:   len(reWordError.FindAllString(output, -1)),
		Warnings: len(reWordWarning.FindAllString(output, -1)),
	}
}
