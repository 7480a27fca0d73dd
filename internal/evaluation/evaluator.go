// Package evaluation scores submissions with weighted metrics.
package evaluation

import (
	"context"
	"math"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/signalnine/tourney/internal/errors"
	"github.com/signalnine/tourney/internal/logging"
	"github.com/signalnine/tourney/internal/result"
)

// Metric produces one named score in [0,100] for a submission.
type Metric interface {
	Name() string
	Score(ctx context.Context, query string, sub result.Submission) (result.MetricScore, error)
}

type WeightedMetric struct {
	Metric Metric
	Weight float64
}

// Evaluator runs all metrics for a submission and composes their scores.
type Evaluator struct {
	metrics []WeightedMetric
	timeout time.Duration
	logger  *zap.SugaredLogger
}

type Option func(*Evaluator)

// WithMetricTimeout bounds each individual metric call.
func WithMetricTimeout(d time.Duration) Option {
	return func(e *Evaluator) { e.timeout = d }
}

func WithLogger(l *zap.SugaredLogger) Option {
	return func(e *Evaluator) { e.logger = logging.OrNop(l) }
}

func New(metrics []WeightedMetric, opts ...Option) (*Evaluator, error) {
	if len(metrics) == 0 {
		return nil, errors.NewInvalidRequestError("at least one metric is required")
	}
	seen := make(map[string]bool, len(metrics))
	for i, m := range metrics {
		if m.Metric == nil {
			return nil, errors.NewInvalidRequestError("metric %d is nil", i)
		}
		name := m.Metric.Name()
		if m.Weight <= 0 {
			return nil, errors.NewInvalidRequestError("metric %q: weight must be positive, got %v", name, m.Weight)
		}
		if seen[name] {
			return nil, errors.NewInvalidRequestError("metric %q defined twice", name)
		}
		seen[name] = true
	}
	e := &Evaluator{
		metrics: append([]WeightedMetric(nil), metrics...),
		logger:  logging.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Metrics returns the metric names in configuration order.
func (e *Evaluator) Metrics() []string {
	names := make([]string, len(e.metrics))
	for i, m := range e.metrics {
		names[i] = m.Metric.Name()
	}
	return names
}

// Evaluate scores the submission with every metric concurrently. The first
// metric failure cancels the others and fails the whole evaluation.
func (e *Evaluator) Evaluate(ctx context.Context, query string, sub result.Submission) (result.EvaluationResult, error) {
	scores := make([]result.MetricScore, len(e.metrics))

	p := pool.New().WithContext(ctx).WithCancelOnError().WithFirstError()
	for i, wm := range e.metrics {
		p.Go(func(ctx context.Context) error {
			if e.timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, e.timeout)
				defer cancel()
			}
			start := time.Now()
			s, err := wm.Metric.Score(ctx, query, sub)
			if err != nil {
				return errors.NewCapabilityError("metric", wm.Metric.Name(), err)
			}
			if math.IsNaN(s.Value) || math.IsInf(s.Value, 0) {
				return errors.NewCapabilityError("metric", wm.Metric.Name(),
					errors.Newf("non-finite score %v", s.Value))
			}
			s.Value = Clamp(s.Value)
			scores[i] = s
			e.logger.Debugw("Metric scored", "metric", wm.Metric.Name(), "value", s.Value, "duration", time.Since(start))
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		if ctx.Err() != nil {
			return result.EvaluationResult{}, ctx.Err()
		}
		return result.EvaluationResult{}, err
	}

	weights := make([]float64, len(e.metrics))
	values := make([]float64, len(e.metrics))
	details := make(result.ScoreDetails, len(e.metrics))
	for i, wm := range e.metrics {
		weights[i] = wm.Weight
		values[i] = scores[i].Value
		details[wm.Metric.Name()] = scores[i]
	}
	return result.EvaluationResult{Score: Composite(weights, values), Details: details}, nil
}
