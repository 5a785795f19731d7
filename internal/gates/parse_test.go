package gates

import (
	"testing"

	"github.com/sibyl-dev/sibyl/internal/domain/gate"
)

func TestParseLintFindings(t *testing.T) {
	output := "src/app.py:10:5: E501 line too long\n" +
		"some unrelated line\n" +
		"src/util.py:3:1: F401 'os' imported but unused\n"

	res := parseOutput(gate.KindLint, "python", output, 1)
	if res.Passed {
		t.Error("nonzero exit must fail the gate")
	}
	if len(res.Errors) != 2 {
		t.Fatalf("expected 2 findings, got %d", len(res.Errors))
	}
	f := res.Errors[0]
	if f.File != "src/app.py" || f.Line != 10 || f.Column != 5 || f.Code != "E501" {
		t.Errorf("unexpected finding: %+v", f)
	}
}

func TestParseTypecheckFindings(t *testing.T) {
	output := "src/app.py:12: error: Incompatible return value type\n" +
		"src/app.py:30:4: error: Missing argument\n"

	res := parseOutput(gate.KindTypecheck, "python", output, 1)
	if len(res.Errors) != 2 {
		t.Fatalf("expected 2 findings, got %d", len(res.Errors))
	}
	if res.Errors[0].Line != 12 {
		t.Errorf("expected line 12, got %d", res.Errors[0].Line)
	}
}

func TestParsePytestSummary(t *testing.T) {
	res := parseOutput(gate.KindTest, "python", "== 7 passed, 2 failed in 1.23s ==", 1)
	if res.Passed {
		t.Error("failed tests must fail the gate")
	}
	if res.Metrics["tests_passed"] != 7 || res.Metrics["tests_failed"] != 2 {
		t.Errorf("unexpected metrics: %v", res.Metrics)
	}
}

func TestParsePytestNoTestsCollected(t *testing.T) {
	res := parseOutput(gate.KindTest, "python", "no tests ran", pytestNoTestsExit)
	if !res.Passed {
		t.Error("an empty suite is a soft pass")
	}
	if res.Reason == "" {
		t.Error("soft pass should carry a reason")
	}
}

func TestParseGoTestFailures(t *testing.T) {
	output := "--- FAIL: TestRoute (0.01s)\n--- FAIL: TestScores (0.00s)\nFAIL\n"
	res := parseOutput(gate.KindTest, "go", output, 1)
	if res.Passed {
		t.Error("expected failure")
	}
	if res.Metrics["tests_failed"] != 2 {
		t.Errorf("expected 2 failed, got %v", res.Metrics)
	}
	if len(res.Errors) != 2 {
		t.Errorf("expected findings per failed test, got %v", res.Errors)
	}
}

func TestParsePassingOutput(t *testing.T) {
	res := parseOutput(gate.KindTest, "go", "ok  \tsibyl/internal/gates\t0.1s\n", 0)
	if !res.Passed {
		t.Error("zero exit must pass")
	}
	if len(res.Errors) != 0 {
		t.Errorf("expected no findings, got %v", res.Errors)
	}
}
