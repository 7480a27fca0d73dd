package result

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ExecutionID identifies one top-level run: all teams and rounds of a task.
type ExecutionID string

func NewExecutionID() ExecutionID {
	return ExecutionID(uuid.NewString())
}

func (id ExecutionID) String() string { return string(id) }

// Team is a participant's identity. All mutable state lives in RoundState.
type Team struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Status is a position in the per-team round lifecycle.
type Status string

const (
	StatusPending          Status = "pending"
	StatusRunning          Status = "running"
	StatusAwaitingJudgment Status = "awaiting_judgment"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Exit reasons recorded on the final row of a team.
const (
	ExitMaxRounds = "max rounds reached"
	ExitNoRetry   = "agent cannot retry"
	ExitCancelled = "cancelled"
)

// Task is the shared problem every team works on.
type Task struct {
	Query  string `json:"query"`
	Format string `json:"format"`
}

// Submission is what a team produced in one round.
type Submission struct {
	Content      string `json:"content"`
	Format       string `json:"format"`
	InputTokens  int    `json:"input_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`
}

type MetricScore struct {
	Value       float64 `json:"value"`
	Explanation string  `json:"explanation"`
}

// ScoreDetails maps metric name to its sub-score. It is stored as JSON text.
type ScoreDetails map[string]MetricScore

func (d ScoreDetails) Value() (driver.Value, error) {
	if d == nil {
		return "{}", nil
	}
	data, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (d *ScoreDetails) Scan(src any) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*d = ScoreDetails{}
		return nil
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("score_details: unsupported type %T", src)
	}
	out := ScoreDetails{}
	if err := json.Unmarshal(data, &out); err != nil {
		return fmt.Errorf("score_details: %w", err)
	}
	*d = out
	return nil
}

// EvaluationResult is the immutable outcome of scoring one submission.
type EvaluationResult struct {
	Score   float64      `json:"score"`
	Details ScoreDetails `json:"details"`
}

type Verdict struct {
	Continue bool   `json:"continue"`
	Reason   string `json:"reason"`
}

// RoundRecord is one completed round in a team's history.
type RoundRecord struct {
	Round      int              `json:"round"`
	Submission Submission       `json:"submission"`
	Evaluation EvaluationResult `json:"evaluation"`
}

// History is the ordered record of a team's completed rounds. Append never
// modifies what existing holders of a History observe.
type History struct {
	records []RoundRecord
}

func (h History) Append(r RoundRecord) History {
	next := make([]RoundRecord, len(h.records), len(h.records)+1)
	copy(next, h.records)
	return History{records: append(next, r)}
}

func (h History) Len() int { return len(h.records) }

// Records returns a copy of the rounds in order.
func (h History) Records() []RoundRecord {
	out := make([]RoundRecord, len(h.records))
	copy(out, h.records)
	return out
}

// Scores returns the composite score of every round in order.
func (h History) Scores() []float64 {
	out := make([]float64, len(h.records))
	for i, r := range h.records {
		out[i] = r.Evaluation.Score
	}
	return out
}

// Last returns the most recent round, if any.
func (h History) Last() (RoundRecord, bool) {
	if len(h.records) == 0 {
		return RoundRecord{}, false
	}
	return h.records[len(h.records)-1], true
}

// RoundState is the per-team cursor owned by one round controller.
type RoundState struct {
	Round   int
	Status  Status
	History History
}

// LeaderBoardEntry is the durable record of one (execution, team, round).
type LeaderBoardEntry struct {
	ID                string       `db:"id" json:"id"`
	ExecutionID       ExecutionID  `db:"execution_id" json:"execution_id"`
	TeamID            string       `db:"team_id" json:"team_id"`
	TeamName          string       `db:"team_name" json:"team_name"`
	RoundNumber       int          `db:"round_number" json:"round_number"`
	SubmissionContent string       `db:"submission_content" json:"submission_content"`
	SubmissionFormat  string       `db:"submission_format" json:"submission_format"`
	Score             float64      `db:"score" json:"score"`
	ScoreDetails      ScoreDetails `db:"score_details" json:"score_details"`
	FinalSubmission   bool         `db:"final_submission" json:"final_submission"`
	ExitReason        *string      `db:"exit_reason" json:"exit_reason"`
	InputTokens       int          `db:"input_tokens" json:"input_tokens"`
	OutputTokens      int          `db:"output_tokens" json:"output_tokens"`
	CreatedAt         time.Time    `db:"created_at" json:"created_at"`
}

// NewEntry builds the row for a scored round. Final flag and exit reason
// are left unset; they are decided when the team terminates.
func NewEntry(exec ExecutionID, team Team, rec RoundRecord) LeaderBoardEntry {
	return LeaderBoardEntry{
		ID:                uuid.NewString(),
		ExecutionID:       exec,
		TeamID:            team.ID,
		TeamName:          team.Name,
		RoundNumber:       rec.Round,
		SubmissionContent: rec.Submission.Content,
		SubmissionFormat:  rec.Submission.Format,
		Score:             rec.Evaluation.Score,
		ScoreDetails:      rec.Evaluation.Details,
		InputTokens:       rec.Submission.InputTokens,
		OutputTokens:      rec.Submission.OutputTokens,
		CreatedAt:         time.Now().UTC(),
	}
}

// ExitReasonString returns the exit reason or "" when unset.
func (e LeaderBoardEntry) ExitReasonString() string {
	if e.ExitReason == nil {
		return ""
	}
	return *e.ExitReason
}

// RoundStatus is the live-progress snapshot for one team.
type RoundStatus struct {
	ExecutionID  ExecutionID `db:"execution_id" json:"execution_id"`
	TeamID       string      `db:"team_id" json:"team_id"`
	CurrentRound int         `db:"current_round" json:"current_round"`
	TotalRounds  int         `db:"total_rounds" json:"total_rounds,omitempty"`
	UpdatedAt    time.Time   `db:"updated_at" json:"updated_at"`
	State        Status      `db:"state" json:"state"` // running until the loop ends
	ExitReason   *string     `db:"exit_reason" json:"exit_reason,omitempty"`
}

// Ended reports whether the team's loop has finished.
func (s RoundStatus) Ended() bool {
	return s.State == StatusCompleted || s.State == StatusFailed
}

func (s RoundStatus) ExitReasonString() string {
	if s.ExitReason == nil {
		return ""
	}
	return *s.ExitReason
}

// TeamOutcome is how one team's round loop ended.
type TeamOutcome struct {
	Team       Team    `json:"team"`
	Status     Status  `json:"status"`
	ExitReason string  `json:"exit_reason"`
	Rounds     int     `json:"rounds"`
	FinalScore float64 `json:"final_score"`
	Err        error   `json:"-"`
}

// ExecutionSummary is the read-only view over an execution's rows.
type ExecutionSummary struct {
	ExecutionID  ExecutionID       `json:"execution_id"`
	Task         string            `json:"task"`
	WinningTeam  string            `json:"winning_team,omitempty"`
	WinningScore float64           `json:"winning_score"`
	Winner       *LeaderBoardEntry `json:"winner,omitempty"`
	Teams        []TeamOutcome     `json:"teams"`
	Aborted      bool              `json:"aborted,omitempty"`
	AbortReason  string            `json:"abort_reason,omitempty"`
	StartedAt    time.Time         `json:"started_at"`
	FinishedAt   time.Time         `json:"finished_at"`
}

// Outcome returns the outcome recorded for teamID.
func (s *ExecutionSummary) Outcome(teamID string) (TeamOutcome, bool) {
	for _, o := range s.Teams {
		if o.Team.ID == teamID {
			return o, true
		}
	}
	return TeamOutcome{}, false
}
