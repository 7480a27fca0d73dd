package evaluation

import "strings"

type LintResult struct {
	Score        float64
	Output       string
	NetNewIssues int
	ExitCode     int
}

// ParseLintResults counts reported issues beyond a baseline. Each net new
// issue costs a tenth of the score.
func ParseLintResults(output string, exitCode int, baselineIssues int) *LintResult {
	if exitCode == 0 && strings.TrimSpace(output) == "" {
		return &LintResult{Score: 1.0, Output: output, ExitCode: exitCode}
	}
	totalIssues := 0
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && (strings.Contains(line, ": error") || strings.Contains(line, ": warning") || strings.Contains(line, "Error:") || strings.Contains(line, "Warning:")) {
			totalIssues++
		}
	}
	netNew := totalIssues - baselineIssues
	if netNew < 0 {
		netNew = 0
	}
	score := 1.0 - float64(netNew)*0.1
	if score < 0 {
		score = 0
	}
	return &LintResult{Score: score, Output: output, NetNewIssues: netNew, ExitCode: exitCode}
}
