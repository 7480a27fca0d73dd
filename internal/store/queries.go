package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/signalnine/tourney/internal/errors"
	"github.com/signalnine/tourney/internal/result"
)

const entryColumns = `id, execution_id, team_id, team_name, round_number,
	submission_content, submission_format, score, score_details,
	final_submission, exit_reason, input_tokens, output_tokens, created_at`

// Execution is one registered run.
type Execution struct {
	ID         result.ExecutionID `db:"id" json:"id"`
	Task       string             `db:"task" json:"task"`
	MaxRounds  int                `db:"max_rounds" json:"max_rounds"`
	StartedAt  time.Time          `db:"started_at" json:"started_at"`
	FinishedAt *time.Time         `db:"finished_at" json:"finished_at,omitempty"`
}

// queries holds the read statements shared by the writer-side Store and
// the read-only Reader.
type queries struct {
	db *sqlx.DB
}

func (q queries) entries(ctx context.Context, exec result.ExecutionID) ([]result.LeaderBoardEntry, error) {
	var rows []result.LeaderBoardEntry
	err := q.db.SelectContext(ctx, &rows, q.db.Rebind(
		`SELECT `+entryColumns+` FROM leaderboard WHERE execution_id = ? ORDER BY seq`), exec)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (q queries) currentRound(ctx context.Context, exec result.ExecutionID, teamID string) (result.RoundStatus, bool, error) {
	var status result.RoundStatus
	err := q.db.GetContext(ctx, &status, q.db.Rebind(
		`SELECT execution_id, team_id, current_round, total_rounds, updated_at, state, exit_reason
		 FROM round_status WHERE execution_id = ? AND team_id = ?`), exec, teamID)
	if errors.Is(err, sql.ErrNoRows) {
		return result.RoundStatus{}, false, nil
	}
	if err != nil {
		return result.RoundStatus{}, false, err
	}
	return status, true, nil
}

func (q queries) progress(ctx context.Context, exec result.ExecutionID) ([]result.RoundStatus, error) {
	var rows []result.RoundStatus
	err := q.db.SelectContext(ctx, &rows, q.db.Rebind(
		`SELECT rs.execution_id, rs.team_id, rs.current_round, rs.total_rounds, rs.updated_at,
		        rs.state, rs.exit_reason
		 FROM round_status rs
		 LEFT JOIN execution_teams et ON et.execution_id = rs.execution_id AND et.team_id = rs.team_id
		 WHERE rs.execution_id = ?
		 ORDER BY et.position, rs.team_id`), exec)
	return rows, err
}

func (q queries) teams(ctx context.Context, exec result.ExecutionID) ([]result.Team, error) {
	var rows []result.Team
	err := q.db.SelectContext(ctx, &rows, q.db.Rebind(
		`SELECT team_id AS id, team_name AS name FROM execution_teams
		 WHERE execution_id = ? ORDER BY position`), exec)
	return rows, err
}

func (q queries) executions(ctx context.Context) ([]Execution, error) {
	var rows []Execution
	err := q.db.SelectContext(ctx, &rows,
		`SELECT id, task, max_rounds, started_at, finished_at FROM executions ORDER BY started_at DESC`)
	return rows, err
}

func (q queries) execution(ctx context.Context, exec result.ExecutionID) (Execution, error) {
	var row Execution
	err := q.db.GetContext(ctx, &row, q.db.Rebind(
		`SELECT id, task, max_rounds, started_at, finished_at FROM executions WHERE id = ?`), exec)
	if errors.Is(err, sql.ErrNoRows) {
		return Execution{}, errors.Wrapf(errors.ErrNotFound, "execution %s", exec)
	}
	return row, err
}
