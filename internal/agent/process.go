package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"strings"
	"sync/atomic"

	"github.com/kballard/go-shellquote"
	"go.uber.org/zap"

	"github.com/signalnine/tourney/internal/config"
	"github.com/signalnine/tourney/internal/errors"
	"github.com/signalnine/tourney/internal/logging"
	"github.com/signalnine/tourney/internal/result"
)

// ProcessAgent runs a local adapter once per round. The adapter reads a JSON
// request on stdin and answers with a JSON submission on stdout.
type ProcessAgent struct {
	team     config.Team
	argv     []string
	logger   *zap.SugaredLogger
	canRetry atomic.Bool
}

func NewProcessAgent(team config.Team, deps Deps) (*ProcessAgent, error) {
	argv, err := shellquote.Split(team.Command)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing command %q", team.Command)
	}
	if len(argv) == 0 {
		return nil, errors.NewInvalidRequestError("custom agent needs a command")
	}
	a := &ProcessAgent{team: team, argv: argv, logger: logging.OrNop(deps.Logger).With("team", team.ID)}
	a.canRetry.Store(true)
	return a, nil
}

func (a *ProcessAgent) CanRetry() bool { return a.canRetry.Load() }

type processRound struct {
	Round   int                 `json:"round"`
	Content string              `json:"content"`
	Score   float64             `json:"score"`
	Details result.ScoreDetails `json:"details"`
}

type processRequest struct {
	ExecutionID string         `json:"execution_id"`
	TeamID      string         `json:"team_id"`
	Round       int            `json:"round"`
	Task        result.Task    `json:"task"`
	History     []processRound `json:"history"`
}

type processResponse struct {
	Content      string `json:"content"`
	Format       string `json:"format"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	CanRetry     *bool  `json:"can_retry"`
}

func (a *ProcessAgent) Submit(ctx context.Context, req SubmitRequest) (result.Submission, error) {
	in := processRequest{
		ExecutionID: req.ExecutionID.String(),
		TeamID:      req.TeamID,
		Round:       req.Round,
		Task:        req.Task,
		History:     []processRound{},
	}
	for _, r := range req.History.Records() {
		in.History = append(in.History, processRound{
			Round:   r.Round,
			Content: r.Submission.Content,
			Score:   r.Evaluation.Score,
			Details: r.Evaluation.Details,
		})
	}
	payload, err := json.Marshal(in)
	if err != nil {
		return result.Submission{}, errors.Wrap(err, "encoding adapter request")
	}

	cmd := exec.CommandContext(ctx, a.argv[0], a.argv[1:]...)
	cmd.Env = os.Environ()
	for k, v := range a.team.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return result.Submission{}, ctx.Err()
		}
		return result.Submission{}, errors.Wrapf(err, "adapter failed: %s", tail(stderr.String(), 500))
	}

	var out processResponse
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &out); err != nil {
		return result.Submission{}, errors.Wrapf(err, "decoding adapter output %q", tail(stdout.String(), 200))
	}
	if out.CanRetry != nil {
		a.canRetry.Store(*out.CanRetry)
	}
	if strings.TrimSpace(out.Content) == "" {
		return result.Submission{}, errors.New("adapter returned empty content")
	}
	format := out.Format
	if format == "" {
		format = req.Task.Format
	}
	a.logger.Debugw("Adapter answered", "round", req.Round, "bytes", len(out.Content), "can_retry", a.CanRetry())
	return result.Submission{
		Content:      out.Content,
		Format:       format,
		InputTokens:  out.InputTokens,
		OutputTokens: out.OutputTokens,
	}, nil
}
