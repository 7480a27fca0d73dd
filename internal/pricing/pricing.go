// Package pricing converts token counts into spend.
package pricing

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/signalnine/tourney/internal/errors"
)

type ModelPricing struct {
	InputPer1K  float64 `yaml:"input_per_1k"`
	OutputPer1K float64 `yaml:"output_per_1k"`
}

type Table struct {
	Models map[string]ModelPricing `yaml:"models"`
}

func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading pricing file")
	}
	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, errors.Wrap(err, "parsing pricing file")
	}
	for model, p := range t.Models {
		if p.InputPer1K < 0 || p.OutputPer1K < 0 {
			return nil, errors.NewInvalidRequestError("pricing for %q must not be negative", model)
		}
	}
	return &t, nil
}

// Known reports whether the table has a price for model.
func (t *Table) Known(model string) bool {
	if t == nil {
		return false
	}
	_, ok := t.Models[model]
	return ok
}

// Cost calculates the cost of a call. Unknown models cost nothing.
func (t *Table) Cost(model string, inputTokens, outputTokens int) float64 {
	if t == nil || t.Models == nil {
		return 0
	}
	p, ok := t.Models[model]
	if !ok {
		return 0
	}
	return (float64(inputTokens)/1000.0)*p.InputPer1K + (float64(outputTokens)/1000.0)*p.OutputPer1K
}
