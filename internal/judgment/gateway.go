package judgment

import (
	"context"
	"fmt"
	"strings"

	"github.com/signalnine/tourney/internal/errors"
	"github.com/signalnine/tourney/internal/gateway"
	"github.com/signalnine/tourney/internal/result"
)

type Chatter interface {
	Chat(ctx context.Context, req gateway.ChatRequest) (*gateway.ChatResponse, error)
}

// GatewayProvider asks an LLM whether another round is worthwhile.
type GatewayProvider struct {
	client Chatter
	model  string
	task   string
}

func NewGatewayProvider(client Chatter, model, task string) *GatewayProvider {
	return &GatewayProvider{client: client, model: model, task: task}
}

func (p *GatewayProvider) ID() string { return "gateway" }

type verdictReply struct {
	Continue *bool  `json:"continue"`
	Reason   string `json:"reason"`
}

func (p *GatewayProvider) Decide(ctx context.Context, req JudgeRequest) (result.Verdict, error) {
	scores := make([]string, len(req.Scores))
	for i, s := range req.Scores {
		scores[i] = fmt.Sprintf("round %d: %.1f", i+1, s)
	}
	prompt := fmt.Sprintf(`A team is iterating on this task:
%s

Composite scores so far (0-100):
%s

Round %d of at most %d has just been scored. Latest evaluation notes:
%s

Should the team attempt another round? Respond with ONLY a JSON object:
{"continue": true|false, "reason": "<short reason>"}`,
		p.task, strings.Join(scores, "\n"), req.Round, req.MaxRounds, explain(req.Latest))

	zero := 0.0
	resp, err := p.client.Chat(ctx, gateway.ChatRequest{
		System:      "You decide when iterative work has stopped improving.",
		User:        prompt,
		Model:       p.model,
		Temperature: &zero,
		MaxTokens:   256,
	})
	if err != nil {
		return result.Verdict{}, err
	}
	var reply verdictReply
	if err := gateway.DecodeJSON(resp.Content, &reply); err != nil {
		return result.Verdict{}, err
	}
	if reply.Continue == nil {
		return result.Verdict{}, errors.Newf("verdict missing \"continue\": %q", resp.Content)
	}
	reason := strings.TrimSpace(reply.Reason)
	if reason == "" && !*reply.Continue {
		reason = "judge stopped"
	}
	return result.Verdict{Continue: *reply.Continue, Reason: reason}, nil
}

func explain(rec result.RoundRecord) string {
	if len(rec.Evaluation.Details) == 0 {
		return "(none)"
	}
	var b strings.Builder
	for name, s := range rec.Evaluation.Details {
		fmt.Fprintf(&b, "- %s: %.1f %s\n", name, s.Value, s.Explanation)
	}
	return b.String()
}
