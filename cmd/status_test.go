package cmd

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalnine/tourney/internal/result"
	"github.com/signalnine/tourney/internal/store"
)

func TestStatusShowsEndedTeams(t *testing.T) {
	ctx := context.Background()
	cfg := store.Config{Driver: store.DriverSQLite, DSN: filepath.Join(t.TempDir(), "tourney.db")}
	s, err := store.Open(ctx, cfg, nil)
	require.NoError(t, err)

	exec := result.NewExecutionID()
	alpha := result.Team{ID: "alpha", Name: "Alpha"}
	beta := result.Team{ID: "beta", Name: "Beta"}
	gamma := result.Team{ID: "gamma", Name: "Gamma"}
	require.NoError(t, s.RegisterExecution(ctx, exec, "task", 2, []result.Team{alpha, beta, gamma}))

	require.NoError(t, s.MarkProgress(ctx, exec, "alpha", 1, 2))
	require.NoError(t, s.Insert(ctx, result.NewEntry(exec, alpha, result.RoundRecord{
		Round:      1,
		Submission: result.Submission{Content: "answer"},
		Evaluation: result.EvaluationResult{Score: 64},
	})))
	require.NoError(t, s.Finalize(ctx, exec, "alpha", 1, "plateau"))
	require.NoError(t, s.MarkEnded(ctx, exec, "alpha", result.StatusCompleted, "plateau"))

	require.NoError(t, s.MarkProgress(ctx, exec, "beta", 1, 2))
	require.NoError(t, s.MarkEnded(ctx, exec, "beta", result.StatusFailed, "submission failed: adapter crashed"))

	require.NoError(t, s.MarkProgress(ctx, exec, "gamma", 1, 2))
	require.NoError(t, s.Close())

	r, err := store.OpenReader(ctx, cfg, nil)
	require.NoError(t, err)
	defer r.Close()

	var out bytes.Buffer
	require.NoError(t, printStatus(ctx, r, exec, &out))

	lines := map[string]string{}
	for _, line := range bytes.Split(out.Bytes(), []byte("\n")) {
		if f := bytes.Fields(line); len(f) > 0 {
			lines[string(f[0])] = string(line)
		}
	}
	assert.Contains(t, lines["alpha"], "done (64.0, plateau)")
	assert.Contains(t, lines["beta"], "failed (submission failed: adapter crashed)")
	assert.NotContains(t, lines["beta"], "running")
	assert.Contains(t, lines["gamma"], "running")
}
