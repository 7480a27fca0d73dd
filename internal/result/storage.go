package result

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/signalnine/tourney/internal/errors"
)

func CreateRunDir(baseDir string) (string, error) {
	runsDir := filepath.Join(baseDir, "runs")
	stamp := time.Now().UTC().Format("2006-01-02T15-04-05")
	runDir := filepath.Join(runsDir, stamp)
	runDir, err := filepath.Abs(runDir)
	if err != nil {
		return "", errors.Wrap(err, "resolving run dir")
	}
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", errors.Wrap(err, "creating run dir")
	}
	latest := filepath.Join(baseDir, "latest")
	os.Remove(latest)
	if err := os.Symlink(runDir, latest); err != nil {
		return "", errors.Wrap(err, "creating latest symlink")
	}
	return runDir, nil
}

// TeamDir is where per-team artifacts of a run are kept.
func TeamDir(runDir, teamID string) string {
	return filepath.Join(runDir, "teams", teamID)
}

func WriteSummary(runDir string, summary *ExecutionSummary) error {
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return errors.Wrap(err, "creating run dir")
	}
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshaling summary")
	}
	return os.WriteFile(filepath.Join(runDir, "summary.json"), data, 0o644)
}

func ReadSummary(path string) (*ExecutionSummary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading summary")
	}
	var summary ExecutionSummary
	if err := json.Unmarshal(data, &summary); err != nil {
		return nil, errors.Wrap(err, "parsing summary")
	}
	return &summary, nil
}

// WriteEntries dumps a team's rows next to the summary for offline review.
func WriteEntries(dir string, entries []LeaderBoardEntry) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "creating team dir")
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshaling entries")
	}
	return os.WriteFile(filepath.Join(dir, "rounds.json"), data, 0o644)
}
