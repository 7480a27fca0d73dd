package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalnine/tourney/internal/config"
	"github.com/signalnine/tourney/internal/errors"
)

func TestLoadMinimal(t *testing.T) {
	cfg, err := config.Load("../../testdata/minimal.yaml")
	require.NoError(t, err)

	require.Len(t, cfg.Teams, 1)
	assert.Equal(t, "solo", cfg.Teams[0].ID)
	assert.Equal(t, "solo", cfg.Teams[0].Name, "name defaults to id")
	assert.Equal(t, "text", cfg.Task.Format)
	assert.Equal(t, config.PolicyParallel, cfg.Concurrency.Policy)
	assert.Equal(t, 3, cfg.Judgment.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Judgment.Backoff)
	assert.Equal(t, 10*time.Minute, cfg.Timeouts.Submission)
	assert.Equal(t, "sqlite3", cfg.Store.Driver)
	assert.Equal(t, "tourney.db", cfg.Store.DSN)
	assert.Equal(t, "results", cfg.Results.Dir)
	assert.Equal(t, 2, cfg.EffectiveMaxRounds())
}

func TestLoadFull(t *testing.T) {
	cfg, err := config.Load("../../testdata/full.yaml")
	require.NoError(t, err)

	assert.Len(t, cfg.Teams, 4)
	assert.Equal(t, "markdown", cfg.Task.Format)
	assert.Equal(t, 4, cfg.EffectiveMaxRounds(), "cap below max wins")
	assert.Equal(t, 2, cfg.Concurrency.MaxParallel)
	assert.Equal(t, 90*time.Second, cfg.Timeouts.Metric)
	assert.Equal(t, 2*time.Second, cfg.Judgment.Backoff)
	assert.Equal(t, 4, cfg.Judgment.MaxAttempts)
	assert.NotEmpty(t, cfg.Secrets.EnvFile)

	charlie, ok := cfg.Team("charlie")
	require.True(t, ok)
	assert.Equal(t, "1", charlie.Env["PYTHONUNBUFFERED"])
	assert.Equal(t, "plain", cfg.Teams[0].Agent)

	require.Len(t, cfg.Evaluation.Metrics, 4)
	assert.Len(t, cfg.Evaluation.Metrics[0].Criteria, 2)
}

func TestLoadMissing(t *testing.T) {
	_, err := config.Load("nonexistent.yaml")
	assert.Error(t, err)
}

func TestLoadInvalid(t *testing.T) {
	_, err := config.Load("../../testdata/invalid.yaml")
	assert.Error(t, err)
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tourney.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const validBase = `
task: {query: "q"}
rounds: {max: 3}
teams: [{id: a, agent: custom, command: x}]
evaluation:
  metrics: [{name: k, kind: keywords, weight: 1, keywords: [x]}]
judgment: {provider: plateau}
`

func TestValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"no query", `rounds: {max: 1}`},
		{"zero rounds", `
task: {query: q}
rounds: {max: 0}`},
		{"bad policy", validBase + "concurrency: {policy: random}\n"},
		{"duplicate team", `
task: {query: q}
rounds: {max: 1}
teams: [{id: a}, {id: a}]`},
		{"zero weight", `
task: {query: q}
rounds: {max: 1}
teams: [{id: a, agent: custom, command: x}]
evaluation:
  metrics: [{name: k, kind: keywords, weight: 0}]`},
		{"gateway required", `
task: {query: q}
rounds: {max: 1}
teams: [{id: a}]
evaluation:
  metrics: [{name: k, kind: keywords, weight: 1}]`},
		{"postgres without dsn", validBase + "store: {driver: pgx}\n"},
		{"custom without command", `
task: {query: q}
rounds: {max: 1}
teams: [{id: a, agent: custom}]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Load(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.True(t, errors.IsInvalidRequestError(err), "got %v", err)
		})
	}
}

func TestCapAboveMaxIsIgnored(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, validBase+"\n"))
	require.NoError(t, err)
	cfg.Rounds.Cap = 10
	assert.Equal(t, 3, cfg.EffectiveMaxRounds())
}
