package result_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/signalnine/tourney/internal/result"
)

func TestWriteAndReadSummary(t *testing.T) {
	dir := t.TempDir()
	summary := &result.ExecutionSummary{
		ExecutionID:  "exec-1",
		Task:         "write a haiku",
		WinningTeam:  "alpha",
		WinningScore: 91.5,
		Teams: []result.TeamOutcome{
			{Team: result.Team{ID: "alpha", Name: "Alpha"}, Status: result.StatusCompleted, ExitReason: "max rounds reached", Rounds: 2},
			{Team: result.Team{ID: "beta", Name: "Beta"}, Status: result.StatusFailed, ExitReason: "cancelled"},
		},
	}
	if err := result.WriteSummary(dir, summary); err != nil {
		t.Fatalf("WriteSummary: %v", err)
	}
	got, err := result.ReadSummary(filepath.Join(dir, "summary.json"))
	if err != nil {
		t.Fatalf("ReadSummary: %v", err)
	}
	if got.WinningTeam != "alpha" {
		t.Errorf("winning_team: got %q, want %q", got.WinningTeam, "alpha")
	}
	o, ok := got.Outcome("beta")
	if !ok {
		t.Fatal("expected outcome for beta")
	}
	if o.Status != result.StatusFailed || o.ExitReason != "cancelled" {
		t.Errorf("beta outcome: got %+v", o)
	}
}

func TestCreateRunDir(t *testing.T) {
	base := t.TempDir()
	runDir, err := result.CreateRunDir(base)
	if err != nil {
		t.Fatalf("CreateRunDir: %v", err)
	}
	if _, err := os.Stat(runDir); os.IsNotExist(err) {
		t.Errorf("run directory not created: %s", runDir)
	}
	latest := filepath.Join(base, "latest")
	target, err := os.Readlink(latest)
	if err != nil {
		t.Fatalf("reading latest symlink: %v", err)
	}
	if target != runDir {
		t.Errorf("latest symlink: got %q, want %q", target, runDir)
	}
}

func TestTeamDir(t *testing.T) {
	base := t.TempDir()
	dir := result.TeamDir(base, "alpha")
	expected := filepath.Join(base, "teams", "alpha")
	if dir != expected {
		t.Errorf("got %q, want %q", dir, expected)
	}
}

func TestWriteEntries(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "teams", "alpha")
	reason := "max rounds reached"
	entries := []result.LeaderBoardEntry{
		{ID: "r1", TeamID: "alpha", RoundNumber: 1, Score: 40},
		{ID: "r2", TeamID: "alpha", RoundNumber: 2, Score: 70, FinalSubmission: true, ExitReason: &reason},
	}
	if err := result.WriteEntries(dir, entries); err != nil {
		t.Fatalf("WriteEntries: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "rounds.json")); err != nil {
		t.Errorf("rounds.json not written: %v", err)
	}
}
