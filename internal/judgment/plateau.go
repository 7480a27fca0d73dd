package judgment

import (
	"context"
	"fmt"

	"github.com/signalnine/tourney/internal/errors"
	"github.com/signalnine/tourney/internal/result"
)

// PlateauProvider stops a team once it reaches the target score or once the
// best score has not improved by MinImprovement over the last Window rounds.
type PlateauProvider struct {
	Window         int
	MinImprovement float64
	TargetScore    float64 // 0 disables the target
}

func (p *PlateauProvider) ID() string { return "plateau" }

func (p *PlateauProvider) Decide(ctx context.Context, req JudgeRequest) (result.Verdict, error) {
	if len(req.Scores) == 0 {
		return result.Verdict{}, errors.NewInvalidRequestError("no scores to judge")
	}
	latest := req.Scores[len(req.Scores)-1]
	if p.TargetScore > 0 && latest >= p.TargetScore {
		return result.Verdict{Reason: fmt.Sprintf("target score %.1f reached", p.TargetScore)}, nil
	}

	window := p.Window
	if window < 1 {
		window = 1
	}
	if len(req.Scores) <= window {
		return result.Verdict{Continue: true, Reason: "warming up"}, nil
	}
	before := best(req.Scores[:len(req.Scores)-window])
	after := best(req.Scores)
	if after-before < p.MinImprovement || after <= before {
		return result.Verdict{Reason: fmt.Sprintf("score plateaued at %.1f", after)}, nil
	}
	return result.Verdict{Continue: true, Reason: fmt.Sprintf("improved by %.1f", after-before)}, nil
}

func best(scores []float64) float64 {
	m := scores[0]
	for _, s := range scores[1:] {
		if s > m {
			m = s
		}
	}
	return m
}
