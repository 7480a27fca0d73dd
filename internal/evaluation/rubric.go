package evaluation

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/signalnine/tourney/internal/errors"
	"github.com/signalnine/tourney/internal/gateway"
	"github.com/signalnine/tourney/internal/logging"
	"github.com/signalnine/tourney/internal/result"
)

// Chatter is the slice of the gateway client the LLM-backed metrics need.
type Chatter interface {
	Chat(ctx context.Context, req gateway.ChatRequest) (*gateway.ChatResponse, error)
}

type Criterion struct {
	Name   string
	Weight float64
}

// ComputeRubricScore calculates a weighted average from per-criterion scores.
func ComputeRubricScore(criteria []Criterion, scores map[string]float64) float64 {
	if len(criteria) == 0 {
		return 0.0
	}
	var totalWeight, weightedSum float64
	for _, c := range criteria {
		score, ok := scores[c.Name]
		if !ok {
			continue
		}
		weightedSum += score * c.Weight
		totalWeight += c.Weight
	}
	if totalWeight == 0 {
		return 0.0
	}
	return weightedSum / totalWeight
}

// RubricMetric asks an LLM judge to grade a submission against weighted
// criteria. It samples the judge several times and keeps the median per
// criterion for reproducibility.
type RubricMetric struct {
	name     string
	client   Chatter
	model    string
	criteria []Criterion
	samples  int
	logger   *zap.SugaredLogger
}

type RubricOpts struct {
	Name     string
	Client   Chatter
	Model    string
	Criteria []Criterion
	Samples  int // 0 = 3
	Logger   *zap.SugaredLogger
}

func NewRubricMetric(opts RubricOpts) (*RubricMetric, error) {
	if opts.Client == nil {
		return nil, errors.NewInvalidRequestError("rubric metric %q: no gateway client", opts.Name)
	}
	criteria := opts.Criteria
	if len(criteria) == 0 {
		criteria = []Criterion{{Name: opts.Name, Weight: 1}}
	}
	samples := opts.Samples
	if samples <= 0 {
		samples = 3
	}
	return &RubricMetric{
		name:     opts.Name,
		client:   opts.Client,
		model:    opts.Model,
		criteria: criteria,
		samples:  samples,
		logger:   logging.OrNop(opts.Logger),
	}, nil
}

func (m *RubricMetric) Name() string { return m.name }

const maxSubmissionChars = 100_000

type rubricReply struct {
	Scores      map[string]float64 `json:"scores"`
	Explanation string             `json:"explanation"`
}

func (m *RubricMetric) prompt(query string, sub result.Submission) string {
	content := sub.Content
	if len(content) > maxSubmissionChars {
		content = content[:maxSubmissionChars] + fmt.Sprintf("\n\n... [submission truncated from %d to %d chars] ...", len(sub.Content), maxSubmissionChars)
	}
	var criteria strings.Builder
	for _, c := range m.criteria {
		fmt.Fprintf(&criteria, "- %s (weight: %g)\n", c.Name, c.Weight)
	}
	return fmt.Sprintf(`Score this submission against each criterion on a scale of 0.0 to 1.0.

Task:
%s

Criteria:
%s
Submission (%s):
%s

Respond with ONLY a JSON object of the form:
{"scores": {"<criterion>": 0.8}, "explanation": "<one or two sentences>"}`, query, criteria.String(), sub.Format, content)
}

func (m *RubricMetric) Score(ctx context.Context, query string, sub result.Submission) (result.MetricScore, error) {
	prompt := m.prompt(query, sub)
	zero := 0.0

	var replies []rubricReply
	var lastErr error
	for i := 0; i < m.samples; i++ {
		resp, err := m.client.Chat(ctx, gateway.ChatRequest{
			System:      "You are a strict, impartial grader.",
			User:        prompt,
			Model:       m.model,
			Temperature: &zero,
		})
		if err == nil {
			var reply rubricReply
			if err = gateway.DecodeJSON(resp.Content, &reply); err == nil {
				replies = append(replies, reply)
				continue
			}
		}
		if ctx.Err() != nil {
			return result.MetricScore{}, ctx.Err()
		}
		lastErr = err
		m.logger.Warnw("Rubric sample failed", "metric", m.name, "sample", i+1, "error", err)
	}
	if len(replies) == 0 {
		return result.MetricScore{}, errors.Wrapf(lastErr, "all %d rubric samples failed", m.samples)
	}

	perCriterion := make(map[string][]float64)
	for _, r := range replies {
		for k, v := range r.Scores {
			perCriterion[k] = append(perCriterion[k], v)
		}
	}
	medians := make(map[string]float64, len(perCriterion))
	for k, v := range perCriterion {
		medians[k] = MedianScore(v)
	}
	score := ComputeRubricScore(m.criteria, medians) * MaxScore

	// The explanation comes from the sample closest to the median overall.
	explanation := replies[0].Explanation
	best := -1.0
	for _, r := range replies {
		d := ComputeRubricScore(m.criteria, r.Scores)*MaxScore - score
		if d < 0 {
			d = -d
		}
		if best < 0 || d < best {
			best = d
			explanation = r.Explanation
		}
	}
	return result.MetricScore{Value: Clamp(score), Explanation: explanation}, nil
}

// MedianScore returns the median of a slice of scores.
func MedianScore(scores []float64) float64 {
	if len(scores) == 0 {
		return 0.0
	}
	sorted := make([]float64, len(scores))
	copy(sorted, scores)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}
