package store

import (
	"context"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/signalnine/tourney/internal/errors"
	"github.com/signalnine/tourney/internal/logging"
	"github.com/signalnine/tourney/internal/result"
)

// ReadState tells a read-only client whether data could be read.
type ReadState string

const (
	ReadAvailable   ReadState = "available"
	ReadNoData      ReadState = "no_data"
	ReadUnavailable ReadState = "unavailable"
)

// Reader is a read-only client for dashboards and status commands. A
// writer holding the database lock is reported as ReadUnavailable rather
// than as an error.
type Reader struct {
	queries
	logger *zap.SugaredLogger
}

// OpenReader opens the store read-only. A short busy timeout keeps reads
// from stalling behind the writer.
func OpenReader(ctx context.Context, cfg Config, logger *zap.SugaredLogger) (*Reader, error) {
	cfg.applyDefaults()
	dsn := cfg.DSN
	if cfg.Driver == DriverSQLite {
		busy := cfg.BusyTimeoutMS
		if busy > 250 {
			busy = 250
		}
		dsn = sqliteDSN(dsn, true, busy)
	}
	db, err := sqlx.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open reader")
	}
	return NewReader(db, logger), nil
}

// NewReader wraps an open database handle.
func NewReader(db *sqlx.DB, logger *zap.SugaredLogger) *Reader {
	return &Reader{queries: queries{db: db}, logger: logging.OrNop(logger)}
}

func (r *Reader) Close() error { return r.db.Close() }

// state maps a read error onto a ReadState; only unexpected failures
// survive as errors.
func (r *Reader) state(op string, err error) (ReadState, error) {
	switch {
	case err == nil:
		return ReadAvailable, nil
	case isUnavailable(err):
		r.logger.Debugw("Store currently unavailable", "op", op, "error", err)
		return ReadUnavailable, nil
	case isMissingSchema(err):
		return ReadNoData, nil
	default:
		return "", errors.Wrap(err, op)
	}
}

// Leaderboard returns the execution's rows in insertion order.
func (r *Reader) Leaderboard(ctx context.Context, exec result.ExecutionID) ([]result.LeaderBoardEntry, ReadState, error) {
	rows, err := r.entries(ctx, exec)
	state, err := r.state("read leaderboard", err)
	if err != nil || state != ReadAvailable {
		return nil, state, err
	}
	if len(rows) == 0 {
		return nil, ReadNoData, nil
	}
	return rows, ReadAvailable, nil
}

// CurrentRound returns the live round-status snapshot for one team.
func (r *Reader) CurrentRound(ctx context.Context, exec result.ExecutionID, teamID string) (result.RoundStatus, ReadState, error) {
	status, found, err := r.currentRound(ctx, exec, teamID)
	state, err := r.state("read round status", err)
	if err != nil || state != ReadAvailable {
		return result.RoundStatus{}, state, err
	}
	if !found {
		return result.RoundStatus{}, ReadNoData, nil
	}
	return status, ReadAvailable, nil
}

// Progress returns the snapshots of every team in the execution.
func (r *Reader) Progress(ctx context.Context, exec result.ExecutionID) ([]result.RoundStatus, ReadState, error) {
	rows, err := r.progress(ctx, exec)
	state, err := r.state("read progress", err)
	if err != nil || state != ReadAvailable {
		return nil, state, err
	}
	if len(rows) == 0 {
		return nil, ReadNoData, nil
	}
	return rows, ReadAvailable, nil
}

// LatestExecution returns the most recently started execution.
func (r *Reader) LatestExecution(ctx context.Context) (Execution, ReadState, error) {
	execs, err := r.executions(ctx)
	state, err := r.state("read executions", err)
	if err != nil || state != ReadAvailable {
		return Execution{}, state, err
	}
	if len(execs) == 0 {
		return Execution{}, ReadNoData, nil
	}
	return execs[0], ReadAvailable, nil
}

// Executions lists every execution, newest first.
func (r *Reader) Executions(ctx context.Context) ([]Execution, ReadState, error) {
	execs, err := r.executions(ctx)
	state, err := r.state("read executions", err)
	if err != nil || state != ReadAvailable {
		return nil, state, err
	}
	if len(execs) == 0 {
		return nil, ReadNoData, nil
	}
	return execs, ReadAvailable, nil
}

// Teams returns the execution's teams in registration order.
func (r *Reader) Teams(ctx context.Context, exec result.ExecutionID) ([]result.Team, ReadState, error) {
	teams, err := r.teams(ctx, exec)
	state, err := r.state("read teams", err)
	if err != nil || state != ReadAvailable {
		return nil, state, err
	}
	if len(teams) == 0 {
		return nil, ReadNoData, nil
	}
	return teams, ReadAvailable, nil
}
