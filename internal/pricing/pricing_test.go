package pricing_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalnine/tourney/internal/pricing"
)

func TestLoadPricing(t *testing.T) {
	table, err := pricing.Load("../../testdata/pricing.yaml")
	require.NoError(t, err)

	assert.True(t, table.Known("gpt-4o"))
	assert.InDelta(t, 0.0075, table.Cost("gpt-4o", 1000, 500), 1e-9)
}

func TestLoadRejectsNegativePrice(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pricing.yaml")
	require.NoError(t, os.WriteFile(path, []byte("models:\n  m:\n    input_per_1k: -1\n"), 0o644))

	_, err := pricing.Load(path)
	assert.Error(t, err)
}

func TestCostUnknownModel(t *testing.T) {
	table := &pricing.Table{}
	assert.Zero(t, table.Cost("unknown", 1000, 500))
	assert.False(t, table.Known("unknown"))

	var nilTable *pricing.Table
	assert.Zero(t, nilTable.Cost("gpt-4o", 1000, 500))
}
