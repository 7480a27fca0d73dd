package evaluation

import (
	"fmt"
	"strings"
)

type TestResult struct {
	Score    float64
	Output   string
	ExitCode int
}

// ParseTestResults interprets test output and exit code into a pass rate.
func ParseTestResults(output string, exitCode int) *TestResult {
	if exitCode == 0 {
		return &TestResult{Score: 1.0, Output: output, ExitCode: exitCode}
	}
	return &TestResult{Score: parsePassRate(output), Output: output, ExitCode: exitCode}
}

func parsePassRate(output string) float64 {
	if strings.Contains(output, "<testsuite") {
		return parseJUnitXML(output)
	}

	for _, line := range strings.Split(output, "\n") {
		line = strings.Trim(strings.TrimSpace(line), "= ")
		var passed, failed int
		if n, _ := fmt.Sscanf(line, "%d passed", &passed); n == 1 {
			fmt.Sscanf(line, "%d passed, %d failed", &passed, &failed)
			total := passed + failed
			if total > 0 {
				return float64(passed) / float64(total)
			}
		}
	}
	return 0.0
}

func parseJUnitXML(output string) float64 {
	var tests, failures, errs int
	for _, line := range strings.Split(output, "\n") {
		if !strings.Contains(line, "<testsuite") {
			continue
		}
		fmt.Sscanf(extractAttr(line, "tests"), "%d", &tests)
		fmt.Sscanf(extractAttr(line, "failures"), "%d", &failures)
		fmt.Sscanf(extractAttr(line, "errors"), "%d", &errs)
		if tests > 0 {
			passed := tests - failures - errs
			if passed < 0 {
				passed = 0
			}
			return float64(passed) / float64(tests)
		}
	}
	return 0.0
}

func extractAttr(line, attr string) string {
	key := attr + `="`
	idx := strings.Index(line, key)
	if idx < 0 {
		return ""
	}
	start := idx + len(key)
	end := strings.Index(line[start:], `"`)
	if end < 0 {
		return ""
	}
	return line[start : start+end]
}
