package evaluation

import (
	"sort"

	"go.uber.org/zap"

	"github.com/signalnine/tourney/internal/config"
	"github.com/signalnine/tourney/internal/errors"
)

// Deps are the shared collaborators handed to metric factories.
type Deps struct {
	Chat   Chatter
	Logger *zap.SugaredLogger
}

type Factory func(cfg config.Metric, deps Deps) (Metric, error)

// Registry maps metric kinds to factories.
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

// Build constructs weighted metrics in configuration order.
func (r *Registry) Build(cfgs []config.Metric, deps Deps) ([]WeightedMetric, error) {
	out := make([]WeightedMetric, 0, len(cfgs))
	for _, c := range cfgs {
		f, ok := r.factories[c.Kind]
		if !ok {
			return nil, errors.NewInvalidRequestError("metric %q: unknown kind %q (known: %v)", c.Name, c.Kind, r.Kinds())
		}
		m, err := f(c, deps)
		if err != nil {
			return nil, errors.Wrapf(err, "building metric %q", c.Name)
		}
		out = append(out, WeightedMetric{Metric: m, Weight: c.Weight})
	}
	return out, nil
}

// DefaultRegistry knows the rubric, command, keywords and length kinds.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("rubric", func(c config.Metric, deps Deps) (Metric, error) {
		criteria := make([]Criterion, len(c.Criteria))
		for i, rc := range c.Criteria {
			criteria[i] = Criterion{Name: rc.Criterion, Weight: rc.Weight}
		}
		return NewRubricMetric(RubricOpts{
			Name:     c.Name,
			Client:   deps.Chat,
			Model:    c.Model,
			Criteria: criteria,
			Samples:  c.Samples,
			Logger:   deps.Logger,
		})
	})
	r.Register("command", func(c config.Metric, deps Deps) (Metric, error) {
		return NewCommandMetric(CommandOpts{
			Name:           c.Name,
			Command:        c.Command,
			Parser:         c.Parser,
			BaselineIssues: c.BaselineIssues,
		})
	})
	r.Register("keywords", func(c config.Metric, deps Deps) (Metric, error) {
		return NewKeywordsMetric(c.Name, c.Keywords)
	})
	r.Register("length", func(c config.Metric, deps Deps) (Metric, error) {
		return NewLengthMetric(c.Name, c.MinWords, c.MaxWords)
	})
	return r
}
