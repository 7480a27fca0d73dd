// Package runner drives teams through their round loops and merges the
// results of one execution.
package runner

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/signalnine/tourney/internal/agent"
	"github.com/signalnine/tourney/internal/errors"
	"github.com/signalnine/tourney/internal/judgment"
	"github.com/signalnine/tourney/internal/logging"
	"github.com/signalnine/tourney/internal/result"
)

type Evaluator interface {
	Evaluate(ctx context.Context, query string, sub result.Submission) (result.EvaluationResult, error)
}

type Judge interface {
	Judge(ctx context.Context, req judgment.JudgeRequest) (result.Verdict, error)
}

// RoundStore is the write side of the aggregation store used by a controller.
type RoundStore interface {
	MarkProgress(ctx context.Context, exec result.ExecutionID, teamID string, round, totalRounds int) error
	Insert(ctx context.Context, entry result.LeaderBoardEntry) error
	Finalize(ctx context.Context, exec result.ExecutionID, teamID string, round int, reason string) error
}

type ControllerOpts struct {
	ExecutionID result.ExecutionID
	Team        result.Team
	Task        result.Task
	Agent       agent.Agent
	Evaluator   Evaluator
	Judge       Judge
	Store       RoundStore
	MaxRounds   int
	// RoundCap is an orchestrator-wide ceiling; 0 disables it.
	RoundCap int

	SubmissionTimeout time.Duration
	JudgmentTimeout   time.Duration
	Logger            *zap.SugaredLogger
}

// Controller runs one team through its rounds. It is not reusable.
type Controller struct {
	opts      ControllerOpts
	maxRounds int
	logger    *zap.SugaredLogger

	mu    sync.RWMutex
	state result.RoundState
	// persisted is the last round whose row is durably stored.
	persisted result.RoundRecord
}

func NewController(opts ControllerOpts) *Controller {
	maxRounds := opts.MaxRounds
	if opts.RoundCap > 0 && opts.RoundCap < maxRounds {
		maxRounds = opts.RoundCap
	}
	return &Controller{
		opts:      opts,
		maxRounds: maxRounds,
		logger: logging.OrNop(opts.Logger).With(
			"execution", opts.ExecutionID, "team", opts.Team.ID),
		state: result.RoundState{Status: result.StatusPending},
	}
}

// MaxRounds is the effective round limit after applying the cap.
func (c *Controller) MaxRounds() int { return c.maxRounds }

// State returns a snapshot of the team's cursor.
func (c *Controller) State() result.RoundState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Controller) transition(to result.Status) {
	c.mu.Lock()
	from := c.state.Status
	c.state.Status = to
	round := c.state.Round
	c.mu.Unlock()
	c.logger.Debugw("Round state changed", "round", round, "from", from, "to", to)
}

// Run drives the round loop until the team completes or fails. Failures are
// reported in the outcome; TeamOutcome.Err carries the cause.
func (c *Controller) Run(ctx context.Context) result.TeamOutcome {
	if c.maxRounds < 1 {
		return c.outcome(result.StatusFailed, "invalid round limit", errors.NewInvalidRequestError("max rounds must be at least 1"))
	}
	// Writes must never be torn by cancellation.
	writeCtx := context.WithoutCancel(ctx)

	for round := 1; ; round++ {
		if ctx.Err() != nil {
			return c.cancelled(ctx, writeCtx)
		}

		c.mu.Lock()
		c.state.Round = round
		c.mu.Unlock()
		c.transition(result.StatusRunning)

		if err := c.opts.Store.MarkProgress(writeCtx, c.opts.ExecutionID, c.opts.Team.ID, round, c.maxRounds); err != nil {
			return c.writeFailure(writeCtx, err)
		}

		sub, err := c.submit(ctx, round)
		if err != nil {
			if ctx.Err() != nil {
				return c.cancelled(ctx, writeCtx)
			}
			return c.failRound(writeCtx, "submission failed: "+err.Error(),
				errors.NewCapabilityError("submission", c.opts.Team.ID, err))
		}

		eval, err := c.opts.Evaluator.Evaluate(ctx, c.opts.Task.Query, sub)
		if err != nil {
			if ctx.Err() != nil {
				return c.cancelled(ctx, writeCtx)
			}
			return c.failRound(writeCtx, "evaluation failed: "+err.Error(), err)
		}

		rec := result.RoundRecord{Round: round, Submission: sub, Evaluation: eval}
		if err := c.opts.Store.Insert(writeCtx, result.NewEntry(c.opts.ExecutionID, c.opts.Team, rec)); err != nil {
			return c.writeFailure(writeCtx, err)
		}
		c.mu.Lock()
		c.state.History = c.state.History.Append(rec)
		c.persisted = rec
		c.mu.Unlock()
		c.logger.Infow("Round scored", "round", round, "score", eval.Score)

		if round >= c.maxRounds {
			return c.complete(writeCtx, result.ExitMaxRounds)
		}
		if rr, ok := c.opts.Agent.(agent.RetryReporter); ok && !rr.CanRetry() {
			return c.complete(writeCtx, result.ExitNoRetry)
		}

		c.transition(result.StatusAwaitingJudgment)
		verdict, err := c.judge(ctx, rec)
		if err != nil {
			if ctx.Err() != nil {
				return c.cancelled(ctx, writeCtx)
			}
			return c.failRound(writeCtx, judgmentReason(err), err)
		}
		c.logger.Infow("Judgment", "round", round, "continue", verdict.Continue, "reason", verdict.Reason)
		if !verdict.Continue {
			reason := verdict.Reason
			if reason == "" {
				reason = "judge stopped"
			}
			return c.complete(writeCtx, reason)
		}
	}
}

func (c *Controller) submit(ctx context.Context, round int) (result.Submission, error) {
	if c.opts.SubmissionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.SubmissionTimeout)
		defer cancel()
	}
	c.mu.RLock()
	history := c.state.History
	c.mu.RUnlock()

	sub, err := c.opts.Agent.Submit(ctx, agent.SubmitRequest{
		ExecutionID: c.opts.ExecutionID,
		TeamID:      c.opts.Team.ID,
		Round:       round,
		Task:        c.opts.Task,
		History:     history,
	})
	if err != nil {
		return result.Submission{}, err
	}
	if sub.Format == "" {
		sub.Format = c.opts.Task.Format
	}
	return sub, nil
}

func (c *Controller) judge(ctx context.Context, rec result.RoundRecord) (result.Verdict, error) {
	if c.opts.JudgmentTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.JudgmentTimeout)
		defer cancel()
	}
	c.mu.RLock()
	scores := c.state.History.Scores()
	c.mu.RUnlock()

	return c.opts.Judge.Judge(ctx, judgment.JudgeRequest{
		TeamID:    c.opts.Team.ID,
		Round:     rec.Round,
		MaxRounds: c.maxRounds,
		Scores:    scores,
		Latest:    rec,
	})
}

func judgmentReason(err error) string {
	var exhausted *errors.JudgmentExhaustedError
	if errors.As(err, &exhausted) {
		return exhausted.Error()
	}
	return "judgment failed: " + err.Error()
}

func (c *Controller) lastPersisted() (result.RoundRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.persisted, c.persisted.Round > 0
}

// finalize closes the team's latest persisted row with reason. Teams that
// never persisted a row have nothing to close.
func (c *Controller) finalize(ctx context.Context, reason string) error {
	rec, ok := c.lastPersisted()
	if !ok {
		return nil
	}
	return c.opts.Store.Finalize(ctx, c.opts.ExecutionID, c.opts.Team.ID, rec.Round, reason)
}

func (c *Controller) outcome(status result.Status, reason string, err error) result.TeamOutcome {
	c.transition(status)
	rec, _ := c.lastPersisted()
	return result.TeamOutcome{
		Team:       c.opts.Team,
		Status:     status,
		ExitReason: reason,
		Rounds:     rec.Round,
		FinalScore: rec.Evaluation.Score,
		Err:        err,
	}
}

func (c *Controller) complete(ctx context.Context, reason string) result.TeamOutcome {
	if err := c.finalize(ctx, reason); err != nil {
		return c.storeFailure(err)
	}
	c.logger.Infow("Team completed", "rounds", c.State().Round, "exit_reason", reason)
	return c.outcome(result.StatusCompleted, reason, nil)
}

// failRound ends the team after a round-local failure.
func (c *Controller) failRound(ctx context.Context, reason string, cause error) result.TeamOutcome {
	c.logger.Warnw("Team failed", "round", c.State().Round, "exit_reason", reason)
	if err := c.finalize(ctx, reason); err != nil {
		return c.storeFailure(err)
	}
	return c.outcome(result.StatusFailed, reason, cause)
}

// cancelled ends the team after ctx was cancelled. An orchestrator abort
// caused by a store outage is reported as that outage rather than "cancelled".
func (c *Controller) cancelled(ctx, writeCtx context.Context) result.TeamOutcome {
	reason, cause := result.ExitCancelled, errors.ErrCancelled
	if err := context.Cause(ctx); errors.IsStoreUnavailable(err) {
		reason, cause = err.Error(), err
	}
	c.logger.Infow("Team cancelled", "round", c.State().Round, "exit_reason", reason)
	if err := c.finalize(writeCtx, reason); err != nil {
		return c.storeFailure(err)
	}
	return c.outcome(result.StatusFailed, reason, cause)
}

// writeFailure ends the team after a write failed. Only an unavailable
// store escalates; a rejected write fails this team alone.
func (c *Controller) writeFailure(ctx context.Context, err error) result.TeamOutcome {
	if errors.IsStoreUnavailable(err) {
		return c.storeFailure(err)
	}
	return c.failRound(ctx, "persist failed: "+err.Error(), err)
}

// storeFailure ends the team after a write failed. Nothing more is written.
func (c *Controller) storeFailure(err error) result.TeamOutcome {
	reason := "persist failed: " + err.Error()
	if errors.IsStoreUnavailable(err) {
		reason = err.Error()
	}
	c.logger.Errorw("Team failed on store write", "round", c.State().Round, "error", err)
	return c.outcome(result.StatusFailed, reason, err)
}
