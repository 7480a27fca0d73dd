// Package report renders leaderboards and execution summaries.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/signalnine/tourney/internal/errors"
	"github.com/signalnine/tourney/internal/pricing"
	"github.com/signalnine/tourney/internal/result"
)

const (
	FormatTable    = "table"
	FormatMarkdown = "markdown"
	FormatJSON     = "json"
)

type TeamStanding struct {
	Rank         int     `json:"rank"`
	TeamID       string  `json:"team_id"`
	TeamName     string  `json:"team_name"`
	Rounds       int     `json:"rounds"`
	FinalScore   float64 `json:"final_score"`
	BestScore    float64 `json:"best_score"`
	Finished     bool    `json:"finished"`
	ExitReason   string  `json:"exit_reason"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// Options tune cost estimation. Models maps team id to the model it used.
type Options struct {
	Pricing *pricing.Table
	Models  map[string]string
}

// Standings folds leaderboard rows into one ranked line per team. Teams are
// ordered by final score; ties keep the order teams first appear in rows.
func Standings(rows []result.LeaderBoardEntry, opts Options) []TeamStanding {
	byTeam := map[string]*TeamStanding{}
	var order []string
	for _, r := range rows {
		s, ok := byTeam[r.TeamID]
		if !ok {
			s = &TeamStanding{TeamID: r.TeamID, TeamName: r.TeamName}
			byTeam[r.TeamID] = s
			order = append(order, r.TeamID)
		}
		s.Rounds++
		s.InputTokens += r.InputTokens
		s.OutputTokens += r.OutputTokens
		if r.Score > s.BestScore {
			s.BestScore = r.Score
		}
		if r.FinalSubmission {
			s.Finished = true
			s.FinalScore = r.Score
			s.ExitReason = r.ExitReasonString()
		}
	}

	standings := make([]TeamStanding, 0, len(order))
	for _, id := range order {
		s := byTeam[id]
		s.CostUSD = opts.Pricing.Cost(opts.Models[id], s.InputTokens, s.OutputTokens)
		standings = append(standings, *s)
	}
	sort.SliceStable(standings, func(i, j int) bool {
		return standings[i].FinalScore > standings[j].FinalScore
	})
	for i := range standings {
		standings[i].Rank = i + 1
	}
	return standings
}

// Leaderboard renders the standings of rows in the given format.
func Leaderboard(rows []result.LeaderBoardEntry, format string, w io.Writer, opts Options) error {
	standings := Standings(rows, opts)
	switch format {
	case FormatMarkdown:
		return writeMarkdown(standings, w)
	case FormatJSON:
		return writeJSON(standings, w)
	case FormatTable, "":
		return writeTable(standings, w)
	default:
		return errors.NewInvalidRequestError("unknown report format %q", format)
	}
}

func writeTable(standings []TeamStanding, w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RANK\tTEAM\tROUNDS\tFINAL\tBEST\tTOKENS\tCOST\tEXIT REASON")
	fmt.Fprintln(tw, strings.Repeat("-", 80))
	for _, s := range standings {
		fmt.Fprintf(tw, "%d\t%s\t%d\t%s\t%.1f\t%d\t$%.4f\t%s\n",
			s.Rank, s.TeamName, s.Rounds, finalScore(s), s.BestScore,
			s.InputTokens+s.OutputTokens, s.CostUSD, exitReason(s))
	}
	return tw.Flush()
}

func writeMarkdown(standings []TeamStanding, w io.Writer) error {
	fmt.Fprintln(w, "| Rank | Team | Rounds | Final | Best | Tokens | Cost | Exit Reason |")
	fmt.Fprintln(w, "|---|---|---|---|---|---|---|---|")
	for _, s := range standings {
		fmt.Fprintf(w, "| %d | %s | %d | %s | %.1f | %d | $%.4f | %s |\n",
			s.Rank, s.TeamName, s.Rounds, finalScore(s), s.BestScore,
			s.InputTokens+s.OutputTokens, s.CostUSD, exitReason(s))
	}
	return nil
}

func writeJSON(v any, w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func finalScore(s TeamStanding) string {
	if !s.Finished {
		return "-"
	}
	return fmt.Sprintf("%.1f", s.FinalScore)
}

func exitReason(s TeamStanding) string {
	if !s.Finished {
		return "(running)"
	}
	return s.ExitReason
}

// Summary renders an execution summary: the winner and how every team ended.
func Summary(summary *result.ExecutionSummary, format string, w io.Writer) error {
	switch format {
	case FormatJSON:
		return writeJSON(summary, w)
	case FormatMarkdown:
		fmt.Fprintf(w, "## Execution %s\n\n", summary.ExecutionID)
		fmt.Fprintf(w, "**Winner:** %s\n\n", winnerLine(summary))
		if summary.Aborted {
			fmt.Fprintf(w, "**Aborted:** %s\n\n", summary.AbortReason)
		}
		fmt.Fprintln(w, "| Team | Status | Rounds | Final | Exit Reason |")
		fmt.Fprintln(w, "|---|---|---|---|---|")
		for _, o := range summary.Teams {
			fmt.Fprintf(w, "| %s | %s | %d | %.1f | %s |\n", o.Team.Name, o.Status, o.Rounds, o.FinalScore, o.ExitReason)
		}
		return nil
	case FormatTable, "":
		fmt.Fprintf(w, "Execution: %s\n", summary.ExecutionID)
		fmt.Fprintf(w, "Winner:    %s\n", winnerLine(summary))
		if summary.Aborted {
			fmt.Fprintf(w, "Aborted:   %s\n", summary.AbortReason)
		}
		fmt.Fprintln(w)
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "TEAM\tSTATUS\tROUNDS\tFINAL\tEXIT REASON")
		for _, o := range summary.Teams {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%.1f\t%s\n", o.Team.Name, o.Status, o.Rounds, o.FinalScore, o.ExitReason)
		}
		return tw.Flush()
	default:
		return errors.NewInvalidRequestError("unknown report format %q", format)
	}
}

func winnerLine(s *result.ExecutionSummary) string {
	if s.WinningTeam == "" {
		return "none"
	}
	return fmt.Sprintf("%s (%.1f)", s.WinningTeam, s.WinningScore)
}

// FromRunDir loads the artifacts a run left on disk: summary.json and every
// team's rounds.json.
func FromRunDir(runDir string) (*result.ExecutionSummary, []result.LeaderBoardEntry, error) {
	summary, err := result.ReadSummary(filepath.Join(runDir, "summary.json"))
	if err != nil {
		return nil, nil, err
	}
	var rows []result.LeaderBoardEntry
	err = filepath.Walk(runDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Name() != "rounds.json" {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		var entries []result.LeaderBoardEntry
		if err := json.Unmarshal(data, &entries); err != nil {
			return errors.Wrapf(err, "parsing %s", path)
		}
		rows = append(rows, entries...)
		return nil
	})
	if err != nil {
		return nil, nil, errors.Wrap(err, "collecting rounds")
	}
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].CreatedAt.Before(rows[j].CreatedAt)
	})
	return summary, rows, nil
}
