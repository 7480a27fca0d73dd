package runner

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/signalnine/tourney/internal/agent"
	"github.com/signalnine/tourney/internal/config"
	"github.com/signalnine/tourney/internal/errors"
	"github.com/signalnine/tourney/internal/logging"
	"github.com/signalnine/tourney/internal/result"
)

// Store is everything the orchestrator needs from the aggregation store.
type Store interface {
	RoundStore
	RegisterExecution(ctx context.Context, exec result.ExecutionID, task string, maxRounds int, teams []result.Team) error
	FinishExecution(ctx context.Context, exec result.ExecutionID) error
	QueryByExecution(ctx context.Context, exec result.ExecutionID) ([]result.LeaderBoardEntry, error)
	MarkEnded(ctx context.Context, exec result.ExecutionID, teamID string, status result.Status, reason string) error
}

// AgentFactory builds the submission capability of one team.
type AgentFactory func(team result.Team) (agent.Agent, error)

type OrchestratorOpts struct {
	Task      result.Task
	Store     Store
	Evaluator Evaluator
	Judge     Judge
	NewAgent  AgentFactory

	MaxRounds int
	RoundCap  int
	// Policy is config.PolicyParallel (default) or config.PolicySequential.
	Policy string
	// MaxParallel bounds concurrently running teams; 0 runs all at once.
	MaxParallel int

	SubmissionTimeout time.Duration
	JudgmentTimeout   time.Duration
	Logger            *zap.SugaredLogger
}

type Orchestrator struct {
	opts   OrchestratorOpts
	logger *zap.SugaredLogger
}

func NewOrchestrator(opts OrchestratorOpts) *Orchestrator {
	return &Orchestrator{opts: opts, logger: logging.OrNop(opts.Logger)}
}

func (o *Orchestrator) workers(teams int) int {
	if o.opts.Policy == config.PolicySequential {
		return 1
	}
	if o.opts.MaxParallel > 0 && o.opts.MaxParallel < teams {
		return o.opts.MaxParallel
	}
	return teams
}

func (o *Orchestrator) effectiveMaxRounds() int {
	if o.opts.RoundCap > 0 && o.opts.RoundCap < o.opts.MaxRounds {
		return o.opts.RoundCap
	}
	return o.opts.MaxRounds
}

// Run drives every team to a terminal state and summarizes the execution.
// An error is returned only when the execution cannot be registered; after
// that the caller always receives a summary, marked Aborted when a store
// outage or cancellation cut the run short.
func (o *Orchestrator) Run(ctx context.Context, exec result.ExecutionID, teams []result.Team) (*result.ExecutionSummary, error) {
	if len(teams) == 0 {
		return nil, errors.NewInvalidRequestError("no teams to run")
	}
	logger := o.logger.With("execution", exec)
	started := time.Now().UTC()

	if err := o.opts.Store.RegisterExecution(ctx, exec, o.opts.Task.Query, o.effectiveMaxRounds(), teams); err != nil {
		return nil, errors.Wrap(err, "registering execution")
	}
	logger.Infow("Execution started", "teams", len(teams), "max_rounds", o.effectiveMaxRounds(),
		"policy", o.opts.Policy, "workers", o.workers(len(teams)))

	runCtx, abort := context.WithCancelCause(ctx)
	defer abort(nil)

	var (
		mu       sync.Mutex
		abortErr error
	)
	outcomes := make([]result.TeamOutcome, len(teams))
	jobs := make([]Job, len(teams))
	for i, team := range teams {
		jobs[i] = func(ctx context.Context) error {
			out := o.runTeam(ctx, exec, team)
			outcomes[i] = out
			if !errors.IsStoreUnavailable(out.Err) {
				o.markEnded(ctx, exec, out)
				return out.Err
			}
			mu.Lock()
			if abortErr == nil {
				abortErr = out.Err
				logger.Errorw("Store unavailable, aborting execution", "team", team.ID, "error", out.Err)
				abort(out.Err)
			}
			mu.Unlock()
			return out.Err
		}
	}
	RunPool(runCtx, o.workers(len(teams)), jobs)

	// The summary is built even after cancellation.
	bg := context.WithoutCancel(ctx)
	summary := &result.ExecutionSummary{
		ExecutionID: exec,
		Task:        o.opts.Task.Query,
		Teams:       outcomes,
		StartedAt:   started,
	}
	switch {
	case abortErr != nil:
		summary.Aborted, summary.AbortReason = true, abortErr.Error()
	case ctx.Err() != nil:
		summary.Aborted, summary.AbortReason = true, result.ExitCancelled
	}

	rows, err := o.opts.Store.QueryByExecution(bg, exec)
	if err != nil {
		logger.Warnw("Could not read leaderboard for summary", "error", err)
		if !summary.Aborted {
			summary.Aborted, summary.AbortReason = true, err.Error()
		}
	}
	if winner, ok := SelectWinner(rows, teams); ok {
		summary.Winner = &winner
		summary.WinningTeam = winner.TeamID
		summary.WinningScore = winner.Score
	}

	if abortErr == nil {
		if err := o.opts.Store.FinishExecution(bg, exec); err != nil {
			logger.Warnw("Could not mark execution finished", "error", err)
		}
	}
	summary.FinishedAt = time.Now().UTC()
	logger.Infow("Execution finished", "winner", summary.WinningTeam, "score", summary.WinningScore,
		"aborted", summary.Aborted, "duration", summary.FinishedAt.Sub(started).Round(time.Millisecond))
	return summary, nil
}

func (o *Orchestrator) runTeam(ctx context.Context, exec result.ExecutionID, team result.Team) result.TeamOutcome {
	a, err := o.opts.NewAgent(team)
	if err != nil {
		o.logger.Warnw("Could not build agent", "team", team.ID, "error", err)
		return result.TeamOutcome{
			Team:       team,
			Status:     result.StatusFailed,
			ExitReason: "agent unavailable: " + err.Error(),
			Err:        err,
		}
	}
	c := NewController(ControllerOpts{
		ExecutionID:       exec,
		Team:              team,
		Task:              o.opts.Task,
		Agent:             a,
		Evaluator:         o.opts.Evaluator,
		Judge:             o.opts.Judge,
		Store:             o.opts.Store,
		MaxRounds:         o.opts.MaxRounds,
		RoundCap:          o.opts.RoundCap,
		SubmissionTimeout: o.opts.SubmissionTimeout,
		JudgmentTimeout:   o.opts.JudgmentTimeout,
		Logger:            o.logger,
	})
	return c.Run(ctx)
}

// markEnded closes the team's round-status snapshot. Status is best effort:
// the leaderboard rows stay authoritative.
func (o *Orchestrator) markEnded(ctx context.Context, exec result.ExecutionID, out result.TeamOutcome) {
	err := o.opts.Store.MarkEnded(context.WithoutCancel(ctx), exec, out.Team.ID, out.Status, out.ExitReason)
	if err != nil {
		o.logger.Warnw("Could not record team end", "execution", exec, "team", out.Team.ID, "error", err)
	}
}

// SelectWinner picks the final row with the highest score. Ties go to the
// team registered first; teams lists the registration order.
func SelectWinner(rows []result.LeaderBoardEntry, teams []result.Team) (result.LeaderBoardEntry, bool) {
	position := make(map[string]int, len(teams))
	for i, t := range teams {
		position[t.ID] = i
	}
	var (
		best  result.LeaderBoardEntry
		found bool
	)
	for _, r := range rows {
		if !r.FinalSubmission {
			continue
		}
		pos, known := position[r.TeamID]
		if !known {
			continue
		}
		if !found || r.Score > best.Score || (r.Score == best.Score && pos < position[best.TeamID]) {
			best, found = r, true
		}
	}
	return best, found
}
