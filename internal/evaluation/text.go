package evaluation

import (
	"context"
	"fmt"
	"strings"

	"github.com/signalnine/tourney/internal/errors"
	"github.com/signalnine/tourney/internal/result"
)

// KeywordsMetric scores the share of required keywords present in the
// submission, case-insensitively.
type KeywordsMetric struct {
	name     string
	keywords []string
}

func NewKeywordsMetric(name string, keywords []string) (*KeywordsMetric, error) {
	var kw []string
	for _, k := range keywords {
		if k = strings.TrimSpace(k); k != "" {
			kw = append(kw, strings.ToLower(k))
		}
	}
	if len(kw) == 0 {
		return nil, errors.NewInvalidRequestError("keywords metric %q: no keywords", name)
	}
	return &KeywordsMetric{name: name, keywords: kw}, nil
}

func (m *KeywordsMetric) Name() string { return m.name }

func (m *KeywordsMetric) Score(ctx context.Context, query string, sub result.Submission) (result.MetricScore, error) {
	content := strings.ToLower(sub.Content)
	var missing []string
	for _, k := range m.keywords {
		if !strings.Contains(content, k) {
			missing = append(missing, k)
		}
	}
	found := len(m.keywords) - len(missing)
	explanation := fmt.Sprintf("%d/%d keywords present", found, len(m.keywords))
	if len(missing) > 0 {
		explanation += "; missing: " + strings.Join(missing, ", ")
	}
	return result.MetricScore{
		Value:       MaxScore * float64(found) / float64(len(m.keywords)),
		Explanation: explanation,
	}, nil
}

// LengthMetric rewards word counts inside [min, max] and decays linearly
// to zero at half the minimum or twice the maximum.
type LengthMetric struct {
	name     string
	minWords int
	maxWords int
}

func NewLengthMetric(name string, minWords, maxWords int) (*LengthMetric, error) {
	if minWords < 0 || (maxWords > 0 && maxWords < minWords) || (minWords == 0 && maxWords == 0) {
		return nil, errors.NewInvalidRequestError("length metric %q: invalid window [%d, %d]", name, minWords, maxWords)
	}
	return &LengthMetric{name: name, minWords: minWords, maxWords: maxWords}, nil
}

func (m *LengthMetric) Name() string { return m.name }

func (m *LengthMetric) Score(ctx context.Context, query string, sub result.Submission) (result.MetricScore, error) {
	n := len(strings.Fields(sub.Content))
	explanation := fmt.Sprintf("%d words, target %d-%d", n, m.minWords, m.maxWords)
	if m.maxWords == 0 {
		explanation = fmt.Sprintf("%d words, target at least %d", n, m.minWords)
	}

	var v float64
	switch {
	case n < m.minWords:
		floor := float64(m.minWords) / 2
		v = MaxScore * (float64(n) - floor) / (float64(m.minWords) - floor)
	case m.maxWords > 0 && n > m.maxWords:
		ceil := float64(m.maxWords) * 2
		v = MaxScore * (ceil - float64(n)) / (ceil - float64(m.maxWords))
	default:
		v = MaxScore
	}
	return result.MetricScore{Value: Clamp(v), Explanation: explanation}, nil
}
