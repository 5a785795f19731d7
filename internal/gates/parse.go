package gates

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/sibyl-dev/sibyl/internal/domain/gate"
)

// Ecosystem-specific output formats.
var (
	// <file>:<line>:<col>: <code> <msg> (ruff, flake8, eslint --format unix)
	lintLine = regexp.MustCompile(`^(.+?):(\d+):(\d+):?\s+(\S+)\s+(.*)$`)
	// <file>:<line>: error: <msg> (mypy, tsc-like)
	typecheckLine = regexp.MustCompile(`^(.+?):(\d+)(?::\d+)?:\s+error:\s+(.*)$`)
	// N passed, M failed in Ts (pytest summary)
	pytestPassed = regexp.MustCompile(`(\d+) passed`)
	pytestFailed = regexp.MustCompile(`(\d+) failed`)
	// --- FAIL: TestName (go test)
	goTestFail = regexp.MustCompile(`^--- FAIL: (\S+)`)
)

// pytest exits 5 when no tests were collected; an empty suite is not a
// build failure.
const pytestNoTestsExit = 5

// parseOutput turns raw gate output into a structured result. The base
// rule is passed = (exit code == 0); parsers refine findings, metrics,
// and soft-pass conditions.
func parseOutput(kind gate.Kind, ecosystem, output string, exitCode int) gate.Result {
	result := gate.Result{
		Kind:   kind,
		Passed: exitCode == 0,
		Output: output,
	}

	switch kind {
	case gate.KindLint, gate.KindSecurity:
		result.Errors = parseLintFindings(output)
	case gate.KindTypecheck:
		result.Errors = parseTypecheckFindings(output)
	case gate.KindTest:
		parseTestSummary(&result, ecosystem, output, exitCode)
	case gate.KindHumanReview:
		// never executed here
	}
	return result
}

func parseLintFindings(output string) []gate.Finding {
	var findings []gate.Finding
	for _, line := range strings.Split(output, "\n") {
		m := lintLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		lineNo, _ := strconv.Atoi(m[2])
		colNo, _ := strconv.Atoi(m[3])
		findings = append(findings, gate.Finding{
			File:    m[1],
			Line:    lineNo,
			Column:  colNo,
			Code:    m[4],
			Message: m[5],
		})
	}
	return findings
}

func parseTypecheckFindings(output string) []gate.Finding {
	var findings []gate.Finding
	for _, line := range strings.Split(output, "\n") {
		m := typecheckLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		lineNo, _ := strconv.Atoi(m[2])
		findings = append(findings, gate.Finding{
			File:    m[1],
			Line:    lineNo,
			Message: m[3],
		})
	}
	return findings
}

func parseTestSummary(result *gate.Result, ecosystem, output string, exitCode int) {
	result.Metrics = map[string]float64{}

	switch ecosystem {
	case "python":
		if m := pytestPassed.FindStringSubmatch(output); m != nil {
			n, _ := strconv.Atoi(m[1])
			result.Metrics["tests_passed"] = float64(n)
		}
		if m := pytestFailed.FindStringSubmatch(output); m != nil {
			n, _ := strconv.Atoi(m[1])
			result.Metrics["tests_failed"] = float64(n)
		}
		if exitCode == pytestNoTestsExit {
			result.Passed = true
			result.Reason = "no tests collected"
		}
	case "go":
		var failed int
		for _, line := range strings.Split(output, "\n") {
			if m := goTestFail.FindStringSubmatch(line); m != nil {
				failed++
				result.Errors = append(result.Errors, gate.Finding{Message: "test failed: " + m[1]})
			}
		}
		if failed > 0 {
			result.Metrics["tests_failed"] = float64(failed)
		}
	}
}
