package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kballard/go-shellquote"
	"go.uber.org/zap"

	"github.com/signalnine/tourney/internal/config"
	"github.com/signalnine/tourney/internal/docker"
	"github.com/signalnine/tourney/internal/errors"
	"github.com/signalnine/tourney/internal/gitops"
	"github.com/signalnine/tourney/internal/logging"
	"github.com/signalnine/tourney/internal/result"
)

// ExitGaveUp is the adapter exit code meaning "do not ask me again".
const ExitGaveUp = 2

// ContainerAgent runs the team's image against a scratch git workspace.
// The workspace persists across rounds and the cumulative diff against the
// baseline is the submission.
type ContainerAgent struct {
	team     config.Team
	command  []string
	run      ContainerRunner
	workRoot string
	gateway  string
	logger   *zap.SugaredLogger
	canRetry atomic.Bool
}

func NewContainerAgent(team config.Team, deps Deps) (*ContainerAgent, error) {
	if team.Image == "" {
		return nil, errors.NewInvalidRequestError("code-execution agent needs an image")
	}
	// An empty command keeps the image's entrypoint.
	command, err := shellquote.Split(team.Command)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing command %q", team.Command)
	}
	run := deps.Containers
	if run == nil {
		run = docker.RunContainer
	}
	root := deps.WorkRoot
	if root == "" {
		root = os.TempDir()
	}
	a := &ContainerAgent{
		team:     team,
		command:  command,
		run:      run,
		workRoot: root,
		gateway:  deps.GatewayURL,
		logger:   logging.OrNop(deps.Logger).With("team", team.ID),
	}
	a.canRetry.Store(true)
	return a, nil
}

func (a *ContainerAgent) CanRetry() bool { return a.canRetry.Load() }

func (a *ContainerAgent) teamDir(exec result.ExecutionID) string {
	return filepath.Join(a.workRoot, exec.String(), a.team.ID)
}

func (a *ContainerAgent) prepare(req SubmitRequest) (string, error) {
	workDir := filepath.Join(a.teamDir(req.ExecutionID), "workspace")
	if _, err := os.Stat(filepath.Join(workDir, ".git")); err == nil {
		return workDir, nil
	}
	if a.team.Repo != "" {
		if err := gitops.CloneAndCheckout(a.team.Repo, a.team.Tag, workDir); err != nil {
			return "", err
		}
		return workDir, nil
	}
	if err := gitops.InitWorkspace(workDir, map[string]string{"TASK.md": req.Task.Query + "\n"}); err != nil {
		return "", err
	}
	return workDir, nil
}

func (a *ContainerAgent) Submit(ctx context.Context, req SubmitRequest) (result.Submission, error) {
	workDir, err := a.prepare(req)
	if err != nil {
		return result.Submission{}, errors.Wrap(err, "preparing workspace")
	}

	roundDir := filepath.Join(a.teamDir(req.ExecutionID), fmt.Sprintf("round-%d", req.Round))
	if err := os.MkdirAll(roundDir, 0o755); err != nil {
		return result.Submission{}, errors.Wrap(err, "creating round dir")
	}
	taskPath := filepath.Join(roundDir, "task.md")
	feedbackPath := filepath.Join(roundDir, "feedback.md")
	if err := os.WriteFile(taskPath, []byte(req.Task.Query), 0o644); err != nil {
		return result.Submission{}, errors.Wrap(err, "writing task")
	}
	if err := os.WriteFile(feedbackPath, []byte(Feedback(req.History)), 0o644); err != nil {
		return result.Submission{}, errors.Wrap(err, "writing feedback")
	}

	// Containers reach a gateway on the host through host.docker.internal.
	proxyURL := strings.Replace(a.gateway, "localhost", "host.docker.internal", 1)
	env := map[string]string{
		"TASK_DIR":         "/workspace",
		"TASK_DESCRIPTION": "/task.md",
		"TASK_FEEDBACK":    "/feedback.md",
		"TOURNEY_ROUND":    strconv.Itoa(req.Round),
		"PROXY_URL":        proxyURL,
	}
	if a.team.Model != "" {
		env["MODEL"] = a.team.Model
	}
	for k, v := range a.team.Env {
		env[k] = v
	}

	var timeout time.Duration
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	res, err := a.run(ctx, &docker.RunOpts{
		Image:   a.team.Image,
		Command: a.command,
		WorkDir: workDir,
		Env:     env,
		Timeout: timeout,
		ExtraMounts: []docker.Mount{
			{Source: taskPath, Target: "/task.md", ReadOnly: true},
			{Source: feedbackPath, Target: "/feedback.md", ReadOnly: true},
		},
		UserID: fmt.Sprintf("%d:%d", os.Getuid(), os.Getgid()),
		Labels: map[string]string{
			"tourney.execution": req.ExecutionID.String(),
			"tourney.team":      a.team.ID,
		},
		Logger: a.logger,
	})
	if err != nil {
		return result.Submission{}, errors.Wrap(err, "running container")
	}
	if res.TimedOut {
		return result.Submission{}, errors.Newf("container timed out after %s", res.Duration.Round(time.Second))
	}
	switch res.ExitCode {
	case 0:
	case ExitGaveUp:
		a.canRetry.Store(false)
	default:
		return result.Submission{}, errors.Newf("container exited %d: %s", res.ExitCode, tail(res.Stderr, 500))
	}

	diff, err := gitops.CaptureChanges(workDir)
	if err != nil {
		return result.Submission{}, errors.Wrap(err, "capturing changes")
	}
	if err := os.WriteFile(filepath.Join(roundDir, "diff.patch"), diff, 0o644); err != nil {
		a.logger.Warnw("Writing diff.patch failed", "round", req.Round, "error", err)
	}

	sub := result.Submission{Content: string(diff), Format: "diff"}
	if len(diff) == 0 {
		sub = result.Submission{Content: res.Stdout, Format: req.Task.Format}
	}
	if strings.TrimSpace(sub.Content) == "" {
		return result.Submission{}, errors.New("container produced no changes and no output")
	}
	return sub, nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
