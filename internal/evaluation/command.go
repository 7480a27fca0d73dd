package evaluation

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/signalnine/tourney/internal/errors"
	"github.com/signalnine/tourney/internal/result"
)

// Output parsers understood by CommandMetric.
const (
	ParserJSON  = "json"
	ParserTests = "tests"
	ParserLint  = "lint"
)

// CommandMetric pipes the submission into a shell command and scores it from
// the command's output. The query is exported as TOURNEY_QUERY.
type CommandMetric struct {
	name           string
	command        string
	dir            string
	parser         string
	baselineIssues int
}

type CommandOpts struct {
	Name           string
	Command        string
	Dir            string
	Parser         string // json (default), tests or lint
	BaselineIssues int
}

func NewCommandMetric(opts CommandOpts) (*CommandMetric, error) {
	if strings.TrimSpace(opts.Command) == "" {
		return nil, errors.NewInvalidRequestError("command metric %q: command is required", opts.Name)
	}
	parser := opts.Parser
	if parser == "" {
		parser = ParserJSON
	}
	switch parser {
	case ParserJSON, ParserTests, ParserLint:
	default:
		return nil, errors.NewInvalidRequestError("command metric %q: unknown parser %q", opts.Name, parser)
	}
	return &CommandMetric{
		name:           opts.Name,
		command:        opts.Command,
		dir:            opts.Dir,
		parser:         parser,
		baselineIssues: opts.BaselineIssues,
	}, nil
}

func (m *CommandMetric) Name() string { return m.name }

func (m *CommandMetric) Score(ctx context.Context, query string, sub result.Submission) (result.MetricScore, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", m.command)
	cmd.Dir = m.dir
	cmd.Env = append(os.Environ(), "TOURNEY_QUERY="+query, "TOURNEY_FORMAT="+sub.Format)
	cmd.Stdin = strings.NewReader(sub.Content)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	exitCode := 0
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return result.MetricScore{}, ctx.Err()
		}
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return result.MetricScore{}, errors.Wrap(err, "running scoring command")
		}
		exitCode = exitErr.ExitCode()
	}

	switch m.parser {
	case ParserTests:
		r := ParseTestResults(stdout.String()+stderr.String(), exitCode)
		return result.MetricScore{
			Value:       r.Score * MaxScore,
			Explanation: "test pass rate " + strconv.FormatFloat(r.Score, 'f', 2, 64),
		}, nil
	case ParserLint:
		r := ParseLintResults(stdout.String()+stderr.String(), exitCode, m.baselineIssues)
		return result.MetricScore{
			Value:       r.Score * MaxScore,
			Explanation: strconv.Itoa(r.NetNewIssues) + " net new lint issues",
		}, nil
	}

	if exitCode != 0 {
		return result.MetricScore{}, errors.Newf("scoring command exited %d: %s", exitCode, strings.TrimSpace(stderr.String()))
	}
	return parseCommandScore(stdout.String())
}

// parseCommandScore accepts {"score": n, "explanation": "..."} or a bare number.
func parseCommandScore(out string) (result.MetricScore, error) {
	out = strings.TrimSpace(out)
	if v, err := strconv.ParseFloat(out, 64); err == nil {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return result.MetricScore{}, errors.Newf("scoring command returned non-finite score %q", out)
		}
		return result.MetricScore{Value: v}, nil
	}
	var parsed struct {
		Score       *float64 `json:"score"`
		Explanation string   `json:"explanation"`
	}
	if err := json.Unmarshal([]byte(out), &parsed); err != nil {
		return result.MetricScore{}, errors.Wrapf(err, "parsing scoring command output %q", out)
	}
	if parsed.Score == nil {
		return result.MetricScore{}, errors.Newf("scoring command output has no score: %q", out)
	}
	return result.MetricScore{Value: *parsed.Score, Explanation: parsed.Explanation}, nil
}
