// Package judgment decides whether a team should attempt another round.
package judgment

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/signalnine/tourney/internal/errors"
	"github.com/signalnine/tourney/internal/logging"
	"github.com/signalnine/tourney/internal/result"
)

// JudgeRequest carries everything a provider may base its verdict on.
type JudgeRequest struct {
	TeamID    string
	Round     int
	MaxRounds int
	// Scores holds the composite score of every round so far, oldest first.
	Scores []float64
	Latest result.RoundRecord
}

type Provider interface {
	ID() string
	Decide(ctx context.Context, req JudgeRequest) (result.Verdict, error)
}

const (
	DefaultMaxAttempts = 3
	DefaultBackoff     = time.Second
)

// Client wraps a Provider with a bounded retry budget.
type Client struct {
	provider    Provider
	maxAttempts int
	backoff     time.Duration
	logger      *zap.SugaredLogger
}

type Option func(*Client)

// WithMaxAttempts sets the total number of attempts, including the first.
func WithMaxAttempts(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithBackoff sets the base delay; attempt n waits n*d before retrying.
func WithBackoff(d time.Duration) Option {
	return func(c *Client) { c.backoff = d }
}

func WithLogger(l *zap.SugaredLogger) Option {
	return func(c *Client) { c.logger = logging.OrNop(l) }
}

func NewClient(p Provider, opts ...Option) *Client {
	c := &Client{
		provider:    p,
		maxAttempts: DefaultMaxAttempts,
		backoff:     DefaultBackoff,
		logger:      logging.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Provider() string { return c.provider.ID() }

// Judge asks the provider for a verdict, retrying failures until the budget
// is spent. Exhaustion yields a *errors.JudgmentExhaustedError; cancellation
// yields the context error.
func (c *Client) Judge(ctx context.Context, req JudgeRequest) (result.Verdict, error) {
	var lastErr error
	attempts := 0
	for attempts < c.maxAttempts {
		if attempts > 0 {
			if err := sleep(ctx, time.Duration(attempts)*c.backoff); err != nil {
				return result.Verdict{}, err
			}
		}
		if err := ctx.Err(); err != nil {
			return result.Verdict{}, err
		}

		attempts++
		v, err := c.provider.Decide(ctx, req)
		if err == nil {
			return v, nil
		}
		if ctx.Err() != nil {
			return result.Verdict{}, ctx.Err()
		}
		lastErr = err
		c.logger.Warnw("Judgment attempt failed",
			"provider", c.provider.ID(), "team", req.TeamID, "round", req.Round,
			"attempt", attempts, "max_attempts", c.maxAttempts, "error", err)
	}
	return result.Verdict{}, &errors.JudgmentExhaustedError{
		Provider:   c.provider.ID(),
		RetryCount: attempts,
		Cause:      lastErr,
	}
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
