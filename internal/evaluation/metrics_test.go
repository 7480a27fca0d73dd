package evaluation_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalnine/tourney/internal/config"
	"github.com/signalnine/tourney/internal/errors"
	"github.com/signalnine/tourney/internal/evaluation"
	"github.com/signalnine/tourney/internal/result"
)

func TestKeywordsMetric(t *testing.T) {
	m, err := evaluation.NewKeywordsMetric("coverage", []string{"Shard", "region", " ", "quorum"})
	require.NoError(t, err)

	s, err := m.Score(context.Background(), "q", result.Submission{Content: "We SHARD by region."})
	require.NoError(t, err)
	assert.InDelta(t, 200.0/3.0, s.Value, 0.001)
	assert.Contains(t, s.Explanation, "missing: quorum")

	_, err = evaluation.NewKeywordsMetric("empty", nil)
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestLengthMetric(t *testing.T) {
	m, err := evaluation.NewLengthMetric("length", 10, 20)
	require.NoError(t, err)

	words := func(n int) result.Submission {
		return result.Submission{Content: strings.TrimSpace(strings.Repeat("w ", n))}
	}
	tests := []struct {
		n    int
		want float64
	}{
		{15, 100},
		{10, 100},
		{20, 100},
		{5, 0},
		{0, 0},
		{30, 50},
		{40, 0},
		{60, 0},
	}
	for _, tt := range tests {
		s, err := m.Score(context.Background(), "q", words(tt.n))
		require.NoError(t, err)
		assert.InDelta(t, tt.want, s.Value, 0.001, "%d words", tt.n)
	}

	_, err = evaluation.NewLengthMetric("bad", 20, 10)
	assert.Error(t, err)
}

func TestCommandMetricJSON(t *testing.T) {
	m, err := evaluation.NewCommandMetric(evaluation.CommandOpts{
		Name:    "chars",
		Command: `n=$(wc -c); printf '{"score": %d, "explanation": "%s"}' "$n" "$TOURNEY_QUERY"`,
	})
	require.NoError(t, err)

	s, err := m.Score(context.Background(), "the query", result.Submission{Content: "12345"})
	require.NoError(t, err)
	assert.Equal(t, 5.0, s.Value)
	assert.Equal(t, "the query", s.Explanation)
}

func TestCommandMetricBareNumber(t *testing.T) {
	m, err := evaluation.NewCommandMetric(evaluation.CommandOpts{Name: "n", Command: "echo 73.5"})
	require.NoError(t, err)

	s, err := m.Score(context.Background(), "q", sub)
	require.NoError(t, err)
	assert.Equal(t, 73.5, s.Value)
}

func TestCommandMetricRejectsNonFinite(t *testing.T) {
	for _, out := range []string{"NaN", "+Inf", "-inf"} {
		m, err := evaluation.NewCommandMetric(evaluation.CommandOpts{Name: "n", Command: "echo " + out})
		require.NoError(t, err)

		_, err = m.Score(context.Background(), "q", sub)
		require.Error(t, err, out)
		assert.Contains(t, err.Error(), "non-finite", out)
	}
}

func TestCommandMetricFailure(t *testing.T) {
	m, err := evaluation.NewCommandMetric(evaluation.CommandOpts{Name: "n", Command: "echo nope >&2; exit 3"})
	require.NoError(t, err)

	_, err = m.Score(context.Background(), "q", sub)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope")
}

func TestCommandMetricTestsParser(t *testing.T) {
	m, err := evaluation.NewCommandMetric(evaluation.CommandOpts{
		Name:    "tests",
		Command: "echo '===== 8 passed, 2 failed ====='; exit 1",
		Parser:  evaluation.ParserTests,
	})
	require.NoError(t, err)

	s, err := m.Score(context.Background(), "q", sub)
	require.NoError(t, err)
	assert.InDelta(t, 80.0, s.Value, 0.001)
}

func TestCommandMetricUnknownParser(t *testing.T) {
	_, err := evaluation.NewCommandMetric(evaluation.CommandOpts{Name: "n", Command: "true", Parser: "xml"})
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestParseTestResults(t *testing.T) {
	assert.Equal(t, 1.0, evaluation.ParseTestResults("", 0).Score)
	assert.Equal(t, 0.0, evaluation.ParseTestResults("", 1).Score)

	junit := `<?xml version="1.0" encoding="UTF-8"?>
<testsuite name="tests" tests="10" failures="2" errors="1" time="1.234">
</testsuite>`
	assert.InDelta(t, 0.7, evaluation.ParseTestResults(junit, 1).Score, 0.001)
}

func TestParseLintResults(t *testing.T) {
	clean := evaluation.ParseLintResults("", 0, 0)
	assert.Equal(t, 1.0, clean.Score)

	out := "a.go:1: error x\nb.go:2: warning y\nc.go:3: warning z\n"
	r := evaluation.ParseLintResults(out, 1, 1)
	assert.Equal(t, 2, r.NetNewIssues)
	assert.InDelta(t, 0.8, r.Score, 0.001)
}

func TestDefaultRegistryBuild(t *testing.T) {
	reg := evaluation.DefaultRegistry()
	assert.Equal(t, []string{"command", "keywords", "length", "rubric"}, reg.Kinds())

	metrics, err := reg.Build([]config.Metric{
		{Name: "quality", Kind: "rubric", Weight: 2, Criteria: []config.RubricCriterion{{Criterion: "Correct", Weight: 1}}},
		{Name: "coverage", Kind: "keywords", Weight: 1, Keywords: []string{"x"}},
	}, evaluation.Deps{Chat: &scriptedChat{replies: []string{`{"scores": {"Correct": 1}}`}}})
	require.NoError(t, err)
	require.Len(t, metrics, 2)
	assert.Equal(t, "quality", metrics[0].Metric.Name())
	assert.Equal(t, 2.0, metrics[0].Weight)

	_, err = reg.Build([]config.Metric{{Name: "x", Kind: "vibes", Weight: 1}}, evaluation.Deps{})
	assert.True(t, errors.IsInvalidRequestError(err))

	_, err = reg.Build([]config.Metric{{Name: "q", Kind: "rubric", Weight: 1}}, evaluation.Deps{})
	assert.Error(t, err, "rubric without a gateway client")
}
