package agent

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/signalnine/tourney/internal/config"
	"github.com/signalnine/tourney/internal/errors"
	"github.com/signalnine/tourney/internal/gateway"
	"github.com/signalnine/tourney/internal/logging"
	"github.com/signalnine/tourney/internal/result"
)

// ContextSource gathers reference material folded into an LLM agent's prompt.
type ContextSource interface {
	Name() string
	Gather(ctx context.Context, req SubmitRequest) (string, error)
}

// LLMAgent answers the task with a single chat completion per round,
// feeding back the scores of earlier rounds.
type LLMAgent struct {
	team   config.Team
	chat   Chatter
	source ContextSource
	logger *zap.SugaredLogger
}

func NewLLMAgent(team config.Team, deps Deps, source ContextSource) (*LLMAgent, error) {
	if deps.Chat == nil {
		return nil, errors.NewInvalidRequestError("%s agent needs a gateway client", team.Agent)
	}
	return &LLMAgent{
		team:   team,
		chat:   deps.Chat,
		source: source,
		logger: logging.OrNop(deps.Logger).With("team", team.ID),
	}, nil
}

const maxPreviousChars = 8000

func (a *LLMAgent) Submit(ctx context.Context, req SubmitRequest) (result.Submission, error) {
	var reference string
	if a.source != nil {
		var err error
		reference, err = a.source.Gather(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return result.Submission{}, ctx.Err()
			}
			// Reference material is best effort.
			a.logger.Warnw("Context source failed", "source", a.source.Name(), "round", req.Round, "error", err)
		}
	}

	resp, err := a.chat.Chat(ctx, gateway.ChatRequest{
		System: fmt.Sprintf("You are %s, competing to produce the best answer. Reply with the answer only, formatted as %s.", a.team.Name, req.Task.Format),
		User:   BuildPrompt(req, reference),
		Model:  a.team.Model,
	})
	if err != nil {
		return result.Submission{}, err
	}
	if strings.TrimSpace(resp.Content) == "" {
		return result.Submission{}, errors.New("model returned an empty answer")
	}
	return result.Submission{
		Content:      resp.Content,
		Format:       req.Task.Format,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}, nil
}

// BuildPrompt renders the task, any reference material and the feedback
// from earlier rounds.
func BuildPrompt(req SubmitRequest, reference string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task:\n%s\n", req.Task.Query)
	if reference != "" {
		fmt.Fprintf(&b, "\nReference material:\n%s\n", reference)
	}
	b.WriteString(Feedback(req.History))
	fmt.Fprintf(&b, "\nThis is attempt %d.", req.Round)
	if req.History.Len() > 0 {
		b.WriteString(" Improve on your previous answer using the feedback.")
	}
	return b.String()
}

// Feedback summarises earlier rounds: every score, then the latest answer
// and its per-metric notes.
func Feedback(h result.History) string {
	last, ok := h.Last()
	if !ok {
		return ""
	}
	var b strings.Builder
	b.WriteString("\nPrevious scores (0-100):\n")
	for _, r := range h.Records() {
		fmt.Fprintf(&b, "- attempt %d: %.1f\n", r.Round, r.Evaluation.Score)
	}

	prev := last.Submission.Content
	if len(prev) > maxPreviousChars {
		prev = prev[:maxPreviousChars] + "\n[truncated]"
	}
	fmt.Fprintf(&b, "\nYour previous answer:\n%s\n", prev)

	names := make([]string, 0, len(last.Evaluation.Details))
	for name := range last.Evaluation.Details {
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) > 0 {
		b.WriteString("\nEvaluator notes:\n")
		for _, name := range names {
			d := last.Evaluation.Details[name]
			fmt.Fprintf(&b, "- %s: %.1f %s\n", name, d.Value, d.Explanation)
		}
	}
	return b.String()
}
