// Package agent provides the submission capabilities teams compete with.
package agent

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/signalnine/tourney/internal/config"
	"github.com/signalnine/tourney/internal/docker"
	"github.com/signalnine/tourney/internal/errors"
	"github.com/signalnine/tourney/internal/gateway"
	"github.com/signalnine/tourney/internal/result"
)

// SubmitRequest is everything an agent sees when producing round Round.
type SubmitRequest struct {
	ExecutionID result.ExecutionID
	TeamID      string
	Round       int
	Task        result.Task
	History     result.History
}

type Agent interface {
	Submit(ctx context.Context, req SubmitRequest) (result.Submission, error)
}

// RetryReporter is implemented by agents that can declare, after a
// submission, that another attempt would be pointless.
type RetryReporter interface {
	CanRetry() bool
}

type Chatter interface {
	Chat(ctx context.Context, req gateway.ChatRequest) (*gateway.ChatResponse, error)
}

// ContainerRunner runs a sandbox container; docker.RunContainer in production.
type ContainerRunner func(ctx context.Context, opts *docker.RunOpts) (*docker.RunResult, error)

// Deps are the shared collaborators handed to agent factories.
type Deps struct {
	Chat       Chatter
	GatewayURL string
	WorkRoot   string
	Containers ContainerRunner
	Logger     *zap.SugaredLogger
}

type Factory func(team config.Team, deps Deps) (Agent, error)

type Registry struct {
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

func (r *Registry) Register(kind string, f Factory) {
	r.factories[kind] = f
}

func (r *Registry) Kinds() []string {
	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// New builds the agent configured for team.
func (r *Registry) New(team config.Team, deps Deps) (Agent, error) {
	f, ok := r.factories[team.Agent]
	if !ok {
		return nil, errors.NewInvalidRequestError("team %q: unknown agent %q (known: %v)", team.ID, team.Agent, r.Kinds())
	}
	a, err := f(team, deps)
	if err != nil {
		return nil, errors.Wrapf(err, "team %q", team.ID)
	}
	return a, nil
}

func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("plain", func(team config.Team, deps Deps) (Agent, error) {
		return NewLLMAgent(team, deps, nil)
	})
	r.Register("web-search", func(team config.Team, deps Deps) (Agent, error) {
		if team.SearchURL == "" {
			return nil, errors.NewInvalidRequestError("web-search agent needs search_url")
		}
		return NewLLMAgent(team, deps, NewSearchSource(team.SearchURL, deps.Logger))
	})
	r.Register("web-fetch", func(team config.Team, deps Deps) (Agent, error) {
		return NewLLMAgent(team, deps, NewFetchSource(deps.Logger))
	})
	r.Register("code-execution", func(team config.Team, deps Deps) (Agent, error) {
		return NewContainerAgent(team, deps)
	})
	r.Register("custom", func(team config.Team, deps Deps) (Agent, error) {
		return NewProcessAgent(team, deps)
	})
	return r
}
