package runner_test

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalnine/tourney/internal/agent"
	"github.com/signalnine/tourney/internal/errors"
	"github.com/signalnine/tourney/internal/evaluation"
	"github.com/signalnine/tourney/internal/judgment"
	"github.com/signalnine/tourney/internal/result"
	"github.com/signalnine/tourney/internal/runner"
	"github.com/signalnine/tourney/internal/store"
)

type agentFunc func(ctx context.Context, req agent.SubmitRequest) (result.Submission, error)

func (f agentFunc) Submit(ctx context.Context, req agent.SubmitRequest) (result.Submission, error) {
	return f(ctx, req)
}

// lastTryAgent reports after its first submission that it cannot retry.
type lastTryAgent struct {
	agentFunc
	submitted atomic.Bool
}

func (a *lastTryAgent) Submit(ctx context.Context, req agent.SubmitRequest) (result.Submission, error) {
	defer a.submitted.Store(true)
	return a.agentFunc(ctx, req)
}

func (a *lastTryAgent) CanRetry() bool { return !a.submitted.Load() }

type judgeFunc func(ctx context.Context, req judgment.JudgeRequest) (result.Verdict, error)

func (f judgeFunc) Judge(ctx context.Context, req judgment.JudgeRequest) (result.Verdict, error) {
	return f(ctx, req)
}

func alwaysContinue() judgeFunc {
	return func(ctx context.Context, req judgment.JudgeRequest) (result.Verdict, error) {
		return result.Verdict{Continue: true, Reason: "keep going"}, nil
	}
}

// echoMetric scores a submission by parsing its content as a number.
type echoMetric struct{}

func (echoMetric) Name() string { return "echo" }

func (echoMetric) Score(ctx context.Context, query string, sub result.Submission) (result.MetricScore, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(sub.Content), 64)
	if err != nil {
		return result.MetricScore{}, err
	}
	return result.MetricScore{Value: v, Explanation: "echoed"}, nil
}

func echoEvaluator(t *testing.T) *evaluation.Evaluator {
	t.Helper()
	ev, err := evaluation.New([]evaluation.WeightedMetric{{Metric: echoMetric{}, Weight: 1}})
	require.NoError(t, err)
	return ev
}

// scores returns an agent submitting the given score per round.
func scores(values ...float64) agentFunc {
	return func(ctx context.Context, req agent.SubmitRequest) (result.Submission, error) {
		if req.Round > len(values) {
			return result.Submission{}, fmt.Errorf("no score scripted for round %d", req.Round)
		}
		return result.Submission{Content: strconv.FormatFloat(values[req.Round-1], 'f', -1, 64)}, nil
	}
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), store.Config{
		Driver: store.DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "tourney.db"),
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

var task = result.Task{Query: "name three primes", Format: "text"}

func newController(t *testing.T, s *store.Store, team string, a agent.Agent, j runner.Judge, maxRounds int) (*runner.Controller, result.ExecutionID) {
	t.Helper()
	exec := result.NewExecutionID()
	tm := result.Team{ID: team, Name: "Team " + team}
	require.NoError(t, s.RegisterExecution(context.Background(), exec, task.Query, maxRounds, []result.Team{tm}))
	return runner.NewController(runner.ControllerOpts{
		ExecutionID: exec,
		Team:        tm,
		Task:        task,
		Agent:       a,
		Evaluator:   echoEvaluator(t),
		Judge:       j,
		Store:       s,
		MaxRounds:   maxRounds,
	}), exec
}

func rows(t *testing.T, s *store.Store, exec result.ExecutionID, team string) []result.LeaderBoardEntry {
	t.Helper()
	all, err := s.QueryByExecution(context.Background(), exec)
	require.NoError(t, err)
	var out []result.LeaderBoardEntry
	for _, r := range all {
		if r.TeamID == team {
			out = append(out, r)
		}
	}
	return out
}

// assertClosed checks the per-team row invariants: contiguous rounds from
// 1 and exactly one final row, the last one, carrying reason.
func assertClosed(t *testing.T, rs []result.LeaderBoardEntry, reason string) {
	t.Helper()
	require.NotEmpty(t, rs)
	finals := 0
	for i, r := range rs {
		assert.Equal(t, i+1, r.RoundNumber)
		if r.FinalSubmission {
			finals++
			assert.Equal(t, len(rs), r.RoundNumber, "final row is the latest round")
			assert.Equal(t, reason, r.ExitReasonString())
		} else {
			assert.Nil(t, r.ExitReason)
		}
	}
	assert.Equal(t, 1, finals)
}

func TestMaxRoundsOne(t *testing.T) {
	s := openStore(t)
	judged := false
	j := judgeFunc(func(ctx context.Context, req judgment.JudgeRequest) (result.Verdict, error) {
		judged = true
		return result.Verdict{Continue: true}, nil
	})
	c, exec := newController(t, s, "solo", scores(40), j, 1)

	out := c.Run(context.Background())

	assert.Equal(t, result.StatusCompleted, out.Status)
	assert.Equal(t, result.ExitMaxRounds, out.ExitReason)
	assert.False(t, judged, "judge is not consulted at the round limit")
	rs := rows(t, s, exec, "solo")
	require.Len(t, rs, 1)
	assertClosed(t, rs, "max rounds reached")
}

func TestJudgeStopsEarly(t *testing.T) {
	s := openStore(t)
	j := judgeFunc(func(ctx context.Context, req judgment.JudgeRequest) (result.Verdict, error) {
		assert.Equal(t, []float64{95}, req.Scores)
		assert.Equal(t, 5, req.MaxRounds)
		return result.Verdict{Continue: false, Reason: "no further improvement expected"}, nil
	})
	var calls atomic.Int32
	a := agentFunc(func(ctx context.Context, req agent.SubmitRequest) (result.Submission, error) {
		calls.Add(1)
		return scores(95, 99)(ctx, req)
	})
	c, exec := newController(t, s, "solo", a, j, 5)

	out := c.Run(context.Background())

	assert.Equal(t, result.StatusCompleted, out.Status)
	assert.EqualValues(t, 1, calls.Load(), "no round after a stop verdict")
	rs := rows(t, s, exec, "solo")
	require.Len(t, rs, 1)
	assert.Equal(t, 95.0, rs[0].Score)
	assertClosed(t, rs, "no further improvement expected")
	assert.Equal(t, 95.0, out.FinalScore)
}

func TestRoundsRunUntilLimit(t *testing.T) {
	s := openStore(t)
	var seen []int
	a := agentFunc(func(ctx context.Context, req agent.SubmitRequest) (result.Submission, error) {
		seen = append(seen, req.History.Len())
		return scores(10, 20, 30)(ctx, req)
	})
	c, exec := newController(t, s, "solo", a, alwaysContinue(), 3)

	out := c.Run(context.Background())

	assert.Equal(t, []int{0, 1, 2}, seen, "each round sees the previous rounds")
	assert.Equal(t, 3, out.Rounds)
	assertClosed(t, rows(t, s, exec, "solo"), result.ExitMaxRounds)

	st := c.State()
	assert.Equal(t, result.StatusCompleted, st.Status)
	assert.Equal(t, []float64{10, 20, 30}, st.History.Scores())
}

func TestRoundCapLimitsRounds(t *testing.T) {
	s := openStore(t)
	exec := result.NewExecutionID()
	tm := result.Team{ID: "solo", Name: "Solo"}
	require.NoError(t, s.RegisterExecution(context.Background(), exec, task.Query, 2, []result.Team{tm}))
	c := runner.NewController(runner.ControllerOpts{
		ExecutionID: exec, Team: tm, Task: task,
		Agent: scores(1, 2, 3, 4), Evaluator: echoEvaluator(t), Judge: alwaysContinue(), Store: s,
		MaxRounds: 4, RoundCap: 2,
	})
	assert.Equal(t, 2, c.MaxRounds())

	out := c.Run(context.Background())
	assert.Equal(t, 2, out.Rounds)
	assertClosed(t, rows(t, s, exec, "solo"), result.ExitMaxRounds)
}

func TestCompositeIsClamped(t *testing.T) {
	s := openStore(t)
	c, exec := newController(t, s, "solo", scores(150), alwaysContinue(), 1)
	c.Run(context.Background())

	rs := rows(t, s, exec, "solo")
	require.Len(t, rs, 1)
	assert.Equal(t, 100.0, rs[0].Score)
	assert.Equal(t, 100.0, rs[0].ScoreDetails["echo"].Value)
}

func TestSubmissionFailureLeavesNoRows(t *testing.T) {
	s := openStore(t)
	a := agentFunc(func(ctx context.Context, req agent.SubmitRequest) (result.Submission, error) {
		return result.Submission{}, errors.New("adapter crashed")
	})
	c, exec := newController(t, s, "solo", a, alwaysContinue(), 3)

	out := c.Run(context.Background())

	assert.Equal(t, result.StatusFailed, out.Status)
	assert.Equal(t, "submission failed: adapter crashed", out.ExitReason)
	assert.Empty(t, rows(t, s, exec, "solo"))
	assert.Equal(t, 0, out.Rounds)

	var capErr *errors.CapabilityError
	require.True(t, errors.As(out.Err, &capErr), "%v", out.Err)
	assert.Equal(t, "submission", capErr.Capability)
	assert.Equal(t, "solo", capErr.Name)
	assert.False(t, errors.IsStoreUnavailable(out.Err))
}

func TestEvaluationFailureClosesLastRow(t *testing.T) {
	s := openStore(t)
	a := agentFunc(func(ctx context.Context, req agent.SubmitRequest) (result.Submission, error) {
		if req.Round == 2 {
			return result.Submission{Content: "not a number"}, nil
		}
		return result.Submission{Content: "60"}, nil
	})
	c, exec := newController(t, s, "solo", a, alwaysContinue(), 3)

	out := c.Run(context.Background())

	assert.Equal(t, result.StatusFailed, out.Status)
	assert.True(t, strings.HasPrefix(out.ExitReason, "evaluation failed: "), out.ExitReason)
	rs := rows(t, s, exec, "solo")
	require.Len(t, rs, 1, "the failed round is never persisted")
	assertClosed(t, rs, out.ExitReason)
}

func TestAgentThatCannotRetryStops(t *testing.T) {
	s := openStore(t)
	a := &lastTryAgent{agentFunc: scores(70, 80)}
	c, exec := newController(t, s, "solo", a, alwaysContinue(), 3)

	out := c.Run(context.Background())

	assert.Equal(t, result.StatusCompleted, out.Status)
	assertClosed(t, rows(t, s, exec, "solo"), result.ExitNoRetry)
}

func TestJudgmentExhaustionFailsTeam(t *testing.T) {
	s := openStore(t)
	var attempts atomic.Int32
	provider := &failingProvider{attempts: &attempts}
	j := judgment.NewClient(provider, judgment.WithMaxAttempts(3), judgment.WithBackoff(0))
	c, exec := newController(t, s, "solo", scores(50, 60), j, 3)

	out := c.Run(context.Background())

	assert.Equal(t, result.StatusFailed, out.Status)
	assert.Contains(t, out.ExitReason, "provider=flaky")
	assert.Contains(t, out.ExitReason, "retry_count=3")
	assert.EqualValues(t, 3, attempts.Load())

	var exhausted *errors.JudgmentExhaustedError
	require.True(t, errors.As(out.Err, &exhausted))
	assert.Equal(t, 3, exhausted.RetryCount)
	assertClosed(t, rows(t, s, exec, "solo"), out.ExitReason)
}

func TestCancelledBeforeStart(t *testing.T) {
	s := openStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c, exec := newController(t, s, "solo", scores(1), alwaysContinue(), 3)

	out := c.Run(ctx)

	assert.Equal(t, result.StatusFailed, out.Status)
	assert.Equal(t, result.ExitCancelled, out.ExitReason)
	assert.True(t, errors.IsCancelled(out.Err))
	assert.Empty(t, rows(t, s, exec, "solo"))
}

func TestCancelledDuringJudgmentKeepsRow(t *testing.T) {
	s := openStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	j := judgeFunc(func(ctx context.Context, req judgment.JudgeRequest) (result.Verdict, error) {
		cancel()
		<-ctx.Done()
		return result.Verdict{}, ctx.Err()
	})
	c, exec := newController(t, s, "solo", scores(30, 40), j, 3)

	out := c.Run(ctx)

	assert.Equal(t, result.StatusFailed, out.Status)
	assert.Equal(t, result.ExitCancelled, out.ExitReason)
	assertClosed(t, rows(t, s, exec, "solo"), result.ExitCancelled)
}

func TestSubmissionTimeoutIsAFailure(t *testing.T) {
	s := openStore(t)
	exec := result.NewExecutionID()
	tm := result.Team{ID: "slow", Name: "Slow"}
	require.NoError(t, s.RegisterExecution(context.Background(), exec, task.Query, 1, []result.Team{tm}))
	a := agentFunc(func(ctx context.Context, req agent.SubmitRequest) (result.Submission, error) {
		<-ctx.Done()
		return result.Submission{}, ctx.Err()
	})
	c := runner.NewController(runner.ControllerOpts{
		ExecutionID: exec, Team: tm, Task: task,
		Agent: a, Evaluator: echoEvaluator(t), Judge: alwaysContinue(), Store: s,
		MaxRounds: 1, SubmissionTimeout: 20 * time.Millisecond,
	})

	out := c.Run(context.Background())

	assert.Equal(t, result.StatusFailed, out.Status)
	assert.Contains(t, out.ExitReason, "submission failed")
	assert.Contains(t, out.ExitReason, "deadline exceeded")

	var capErr *errors.CapabilityError
	require.True(t, errors.As(out.Err, &capErr), "%v", out.Err)
	assert.Equal(t, "submission", capErr.Capability)
	assert.ErrorIs(t, out.Err, context.DeadlineExceeded)
}

type failingProvider struct {
	attempts *atomic.Int32
}

func (p *failingProvider) ID() string { return "flaky" }

func (p *failingProvider) Decide(ctx context.Context, req judgment.JudgeRequest) (result.Verdict, error) {
	p.attempts.Add(1)
	return result.Verdict{}, errors.New("upstream 503")
}

type evaluatorFunc func(ctx context.Context, query string, sub result.Submission) (result.EvaluationResult, error)

func (f evaluatorFunc) Evaluate(ctx context.Context, query string, sub result.Submission) (result.EvaluationResult, error) {
	return f(ctx, query, sub)
}

func TestRejectedInsertFailsTeamWithoutOutage(t *testing.T) {
	s := openStore(t)
	exec := result.NewExecutionID()
	tm := result.Team{ID: "solo", Name: "Solo"}
	require.NoError(t, s.RegisterExecution(context.Background(), exec, task.Query, 3, []result.Team{tm}))
	ev := evaluatorFunc(func(ctx context.Context, query string, sub result.Submission) (result.EvaluationResult, error) {
		v, _ := strconv.ParseFloat(sub.Content, 64)
		return result.EvaluationResult{Score: v}, nil
	})
	a := agentFunc(func(ctx context.Context, req agent.SubmitRequest) (result.Submission, error) {
		if req.Round == 1 {
			return result.Submission{Content: "55"}, nil
		}
		return result.Submission{Content: "NaN"}, nil
	})
	c := runner.NewController(runner.ControllerOpts{
		ExecutionID: exec, Team: tm, Task: task,
		Agent: a, Evaluator: ev, Judge: alwaysContinue(), Store: s,
		MaxRounds: 3,
	})

	out := c.Run(context.Background())

	assert.Equal(t, result.StatusFailed, out.Status)
	assert.True(t, strings.HasPrefix(out.ExitReason, "persist failed: "), out.ExitReason)
	assert.False(t, errors.IsStoreUnavailable(out.Err))
	assert.True(t, errors.IsInvalidRequestError(out.Err))
	assertClosed(t, rows(t, s, exec, "solo"), out.ExitReason)
	assert.Equal(t, 1, out.Rounds)
}
