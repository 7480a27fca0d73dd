package judgment_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalnine/tourney/internal/config"
	"github.com/signalnine/tourney/internal/errors"
	"github.com/signalnine/tourney/internal/gateway"
	"github.com/signalnine/tourney/internal/judgment"
	"github.com/signalnine/tourney/internal/result"
)

type flakyProvider struct {
	failures int
	verdict  result.Verdict
	calls    atomic.Int32
}

func (p *flakyProvider) ID() string { return "flaky" }

func (p *flakyProvider) Decide(ctx context.Context, req judgment.JudgeRequest) (result.Verdict, error) {
	n := int(p.calls.Add(1))
	if n <= p.failures {
		return result.Verdict{}, errors.Newf("provider down (call %d)", n)
	}
	return p.verdict, nil
}

func TestJudgeSucceedsAfterRetries(t *testing.T) {
	p := &flakyProvider{failures: 2, verdict: result.Verdict{Reason: "good enough"}}
	c := judgment.NewClient(p, judgment.WithBackoff(time.Millisecond))

	v, err := c.Judge(context.Background(), judgment.JudgeRequest{Scores: []float64{50}})
	require.NoError(t, err)
	assert.False(t, v.Continue)
	assert.Equal(t, "good enough", v.Reason)
	assert.Equal(t, int32(3), p.calls.Load())
}

func TestJudgeExhaustion(t *testing.T) {
	p := &flakyProvider{failures: 100}
	c := judgment.NewClient(p, judgment.WithBackoff(time.Millisecond))

	_, err := c.Judge(context.Background(), judgment.JudgeRequest{Scores: []float64{50}})
	require.Error(t, err)

	var exhausted *errors.JudgmentExhaustedError
	require.True(t, errors.As(err, &exhausted))
	assert.Equal(t, "flaky", exhausted.Provider)
	assert.Equal(t, 3, exhausted.RetryCount)
	assert.Equal(t, int32(3), p.calls.Load())
	assert.Contains(t, err.Error(), "provider=flaky retry_count=3")
}

func TestJudgeCustomBudget(t *testing.T) {
	p := &flakyProvider{failures: 100}
	c := judgment.NewClient(p, judgment.WithMaxAttempts(5), judgment.WithBackoff(0))

	_, err := c.Judge(context.Background(), judgment.JudgeRequest{})
	var exhausted *errors.JudgmentExhaustedError
	require.True(t, errors.As(err, &exhausted))
	assert.Equal(t, 5, exhausted.RetryCount)
}

func TestJudgeBackoffIsLinear(t *testing.T) {
	p := &flakyProvider{failures: 2}
	c := judgment.NewClient(p, judgment.WithBackoff(10*time.Millisecond))

	start := time.Now()
	_, err := c.Judge(context.Background(), judgment.JudgeRequest{})
	require.NoError(t, err)
	// 1×10ms before the second attempt, 2×10ms before the third.
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Equal(t, int32(3), p.calls.Load())
}

func TestJudgeCancelledDuringBackoff(t *testing.T) {
	p := &flakyProvider{failures: 100}
	c := judgment.NewClient(p, judgment.WithBackoff(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for p.calls.Load() == 0 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()

	_, err := c.Judge(ctx, judgment.JudgeRequest{})
	require.Error(t, err)
	assert.True(t, errors.IsCancelled(err))
	var exhausted *errors.JudgmentExhaustedError
	assert.False(t, errors.As(err, &exhausted))
}

func TestPlateauProvider(t *testing.T) {
	p := &judgment.PlateauProvider{Window: 2, MinImprovement: 5, TargetScore: 90}
	ctx := context.Background()

	tests := []struct {
		name         string
		scores       []float64
		wantContinue bool
	}{
		{"first round", []float64{40}, true},
		{"within window", []float64{40, 41}, true},
		{"improving", []float64{40, 45, 52}, true},
		{"plateau", []float64{40, 60, 61, 62}, false},
		{"regression", []float64{70, 50, 55}, false},
		{"target reached", []float64{95}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := p.Decide(ctx, judgment.JudgeRequest{Scores: tt.scores})
			require.NoError(t, err)
			assert.Equal(t, tt.wantContinue, v.Continue, v.Reason)
			assert.NotEmpty(t, v.Reason)
		})
	}

	_, err := p.Decide(ctx, judgment.JudgeRequest{})
	assert.Error(t, err)
}

type stubChat struct {
	content string
	err     error
	req     gateway.ChatRequest
}

func (s *stubChat) Chat(ctx context.Context, req gateway.ChatRequest) (*gateway.ChatResponse, error) {
	s.req = req
	if s.err != nil {
		return nil, s.err
	}
	return &gateway.ChatResponse{Content: s.content}, nil
}

func TestGatewayProvider(t *testing.T) {
	chat := &stubChat{content: "```json\n{\"continue\": false, \"reason\": \"diminishing returns\"}\n```"}
	p := judgment.NewGatewayProvider(chat, "judge-model", "write a haiku")

	v, err := p.Decide(context.Background(), judgment.JudgeRequest{
		Round: 2, MaxRounds: 5, Scores: []float64{60, 61},
		Latest: result.RoundRecord{Evaluation: result.EvaluationResult{
			Details: result.ScoreDetails{"quality": {Value: 61, Explanation: "flat"}},
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, result.Verdict{Continue: false, Reason: "diminishing returns"}, v)
	assert.Equal(t, "judge-model", chat.req.Model)
	assert.Contains(t, chat.req.User, "round 2: 61.0")
	assert.Contains(t, chat.req.User, "write a haiku")
}

func TestGatewayProviderRejectsMalformedVerdict(t *testing.T) {
	for _, content := range []string{"keep going!", `{"reason": "x"}`} {
		p := judgment.NewGatewayProvider(&stubChat{content: content}, "", "task")
		_, err := p.Decide(context.Background(), judgment.JudgeRequest{Scores: []float64{1}})
		assert.Error(t, err, content)
	}
}

func TestFromConfig(t *testing.T) {
	c, err := judgment.FromConfig(config.Judgment{Provider: "plateau", MaxAttempts: 2}, "task", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "plateau", c.Provider())

	_, err = judgment.FromConfig(config.Judgment{Provider: "gateway"}, "task", nil, nil)
	assert.True(t, errors.IsInvalidRequestError(err))

	_, err = judgment.FromConfig(config.Judgment{Provider: "oracle"}, "task", nil, nil)
	assert.True(t, errors.IsInvalidRequestError(err))
}
