// Package store persists leaderboard rows and live round progress.
//
// All writes go through one writer goroutine that applies each request in
// its own transaction, so the underlying engine only ever sees a single
// writer. Reads go straight to the connection pool and may run
// concurrently with the writer.
package store

import (
	"context"
	"math"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/signalnine/tourney/internal/errors"
	"github.com/signalnine/tourney/internal/logging"
	"github.com/signalnine/tourney/internal/result"
)

// Config selects and tunes the backing database.
type Config struct {
	Driver        string // "sqlite3" (default) or "pgx"
	DSN           string
	BusyTimeoutMS int // sqlite only; default 5000
	QueueSize     int // pending writes buffered ahead of the writer
}

func (c *Config) applyDefaults() {
	if c.Driver == "" {
		c.Driver = DriverSQLite
	}
	if c.BusyTimeoutMS <= 0 {
		c.BusyTimeoutMS = 5000
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
}

type writeOp struct {
	name string
	fn   func(ctx context.Context, tx *sqlx.Tx) error
	done chan error
}

// Store is the single-writer aggregation store for one process.
type Store struct {
	queries
	driver string
	logger *zap.SugaredLogger

	mu      sync.RWMutex
	closed  bool
	ops     chan writeOp
	stopped chan struct{}
}

// Open connects, migrates and starts the writer. Any failure here means
// the run cannot begin and is reported as a StoreUnavailableError.
func Open(ctx context.Context, cfg Config, logger *zap.SugaredLogger) (*Store, error) {
	cfg.applyDefaults()
	logger = logging.OrNop(logger)

	dsn := cfg.DSN
	switch cfg.Driver {
	case DriverSQLite:
		if dsn == "" {
			return nil, errors.NewInvalidRequestError("store dsn is required")
		}
		dsn = sqliteDSN(dsn, false, cfg.BusyTimeoutMS)
	case DriverPostgres:
	default:
		return nil, errors.NewInvalidRequestError("unsupported store driver %q", cfg.Driver)
	}

	logger.Debugw("Opening store", "driver", cfg.Driver)
	db, err := sqlx.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, errors.NewStoreUnavailableError("open", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.NewStoreUnavailableError("ping", err)
	}
	if err := Migrate(cfg.Driver, dsn, logger); err != nil {
		db.Close()
		return nil, errors.NewStoreUnavailableError("migrate", err)
	}

	s := New(db, cfg.Driver, cfg.QueueSize, logger)
	logger.Infow("Store opened", "driver", cfg.Driver)
	return s, nil
}

// New wraps an already-migrated database and starts the writer goroutine.
func New(db *sqlx.DB, driver string, queueSize int, logger *zap.SugaredLogger) *Store {
	if queueSize <= 0 {
		queueSize = 64
	}
	s := &Store{
		queries: queries{db: db},
		driver:  driver,
		logger:  logging.OrNop(logger),
		ops:     make(chan writeOp, queueSize),
		stopped: make(chan struct{}),
	}
	go s.writer()
	return s
}

func (s *Store) writer() {
	defer close(s.stopped)
	for op := range s.ops {
		op.done <- s.apply(op)
	}
}

// apply runs one write in its own transaction. The write is not bound to
// the caller's context: once dequeued it either commits or rolls back.
func (s *Store) apply(op writeOp) error {
	ctx := context.Background()
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return s.unavailable(op.name, err)
	}
	if err := op.fn(ctx, tx); err != nil {
		tx.Rollback()
		return s.classify(op.name, err)
	}
	if err := tx.Commit(); err != nil {
		return s.unavailable(op.name, err)
	}
	return nil
}

// classify separates failures of the database, which make the store
// unavailable, from statements the database rejected, which only concern
// the caller.
func (s *Store) classify(op string, err error) error {
	switch {
	case isUniqueViolation(err):
		return errors.Wrapf(errors.ErrConflict, "%s: %v", op, err)
	case errors.Is(err, errors.ErrConflict), errors.Is(err, errors.ErrNotFound):
		return err
	case isStorageFault(err):
		return s.unavailable(op, err)
	default:
		s.logger.Warnw("Store write rejected", "op", op, "error", err)
		return errors.Wrap(err, op)
	}
}

func (s *Store) unavailable(op string, err error) error {
	s.logger.Errorw("Store write failed", "op", op, "error", err)
	return errors.NewStoreUnavailableError(op, err)
}

// submit hands op to the writer and waits for its outcome. ctx only bounds
// the wait for a queue slot; an enqueued write always runs to completion.
func (s *Store) submit(ctx context.Context, name string, fn func(ctx context.Context, tx *sqlx.Tx) error) error {
	op := writeOp{name: name, fn: fn, done: make(chan error, 1)}

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return errors.NewStoreUnavailableError(name, errors.New("store closed"))
	}
	select {
	case s.ops <- op:
		s.mu.RUnlock()
	case <-ctx.Done():
		s.mu.RUnlock()
		return errors.Wrapf(ctx.Err(), "%s: waiting for writer", name)
	}
	return <-op.done
}

// Close drains pending writes, stops the writer and closes the pool.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.ops)
	s.mu.Unlock()

	<-s.stopped
	return s.db.Close()
}

// Driver returns the database driver name.
func (s *Store) Driver() string { return s.driver }

// RegisterExecution records an execution and its teams in registration order.
func (s *Store) RegisterExecution(ctx context.Context, exec result.ExecutionID, task string, maxRounds int, teams []result.Team) error {
	return s.submit(ctx, "register execution", func(ctx context.Context, tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, tx.Rebind(
			`INSERT INTO executions (id, task, max_rounds, started_at) VALUES (?, ?, ?, ?)`),
			exec, task, maxRounds, time.Now().UTC()); err != nil {
			return err
		}
		for i, team := range teams {
			if _, err := tx.ExecContext(ctx, tx.Rebind(
				`INSERT INTO execution_teams (execution_id, team_id, team_name, position) VALUES (?, ?, ?, ?)`),
				exec, team.ID, team.Name, i); err != nil {
				return err
			}
		}
		return nil
	})
}

// FinishExecution stamps the execution's completion time.
func (s *Store) FinishExecution(ctx context.Context, exec result.ExecutionID) error {
	return s.submit(ctx, "finish execution", func(ctx context.Context, tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, tx.Rebind(
			`UPDATE executions SET finished_at = ? WHERE id = ?`), time.Now().UTC(), exec)
		return err
	})
}

// MarkProgress upserts the live round-status snapshot for a team.
func (s *Store) MarkProgress(ctx context.Context, exec result.ExecutionID, teamID string, round, totalRounds int) error {
	return s.submit(ctx, "mark progress", func(ctx context.Context, tx *sqlx.Tx) error {
		return upsertStatus(ctx, tx, exec, teamID, round, totalRounds)
	})
}

// MarkEnded records how a team's round loop ended on its round-status
// snapshot. Teams that never reached a round get a row at round 0.
func (s *Store) MarkEnded(ctx context.Context, exec result.ExecutionID, teamID string, status result.Status, reason string) error {
	return s.submit(ctx, "mark ended", func(ctx context.Context, tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, tx.Rebind(
			`INSERT INTO round_status (execution_id, team_id, current_round, total_rounds, updated_at, state, exit_reason)
			 VALUES (?, ?, 0, 0, ?, ?, ?)
			 ON CONFLICT (execution_id, team_id) DO UPDATE SET
			   state = excluded.state,
			   exit_reason = excluded.exit_reason,
			   updated_at = excluded.updated_at`),
			exec, teamID, time.Now().UTC(), string(status), reason)
		return err
	})
}

func upsertStatus(ctx context.Context, tx *sqlx.Tx, exec result.ExecutionID, teamID string, round, totalRounds int) error {
	_, err := tx.ExecContext(ctx, tx.Rebind(
		`INSERT INTO round_status (execution_id, team_id, current_round, total_rounds, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (execution_id, team_id) DO UPDATE SET
		   current_round = excluded.current_round,
		   total_rounds = CASE WHEN excluded.total_rounds > 0 THEN excluded.total_rounds ELSE round_status.total_rounds END,
		   updated_at = excluded.updated_at`),
		exec, teamID, round, totalRounds, time.Now().UTC())
	return err
}

// Insert appends an immutable leaderboard row and advances the team's
// round-status snapshot in the same transaction.
func (s *Store) Insert(ctx context.Context, entry result.LeaderBoardEntry) error {
	if entry.RoundNumber < 1 {
		return errors.NewInvalidRequestError("round number must be >= 1, got %d", entry.RoundNumber)
	}
	if !finite(entry.Score) {
		return errors.NewInvalidRequestError("score must be finite, got %v", entry.Score)
	}
	for name, d := range entry.ScoreDetails {
		if !finite(d.Value) {
			return errors.NewInvalidRequestError("metric %q: score must be finite, got %v", name, d.Value)
		}
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	return s.submit(ctx, "insert", func(ctx context.Context, tx *sqlx.Tx) error {
		if _, err := tx.NamedExecContext(ctx,
			`INSERT INTO leaderboard (`+entryColumns+`) VALUES (
				:id, :execution_id, :team_id, :team_name, :round_number,
				:submission_content, :submission_format, :score, :score_details,
				:final_submission, :exit_reason, :input_tokens, :output_tokens, :created_at)`,
			entry); err != nil {
			return err
		}
		return upsertStatus(ctx, tx, entry.ExecutionID, entry.TeamID, entry.RoundNumber, 0)
	})
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

// Finalize marks round as the team's final submission with the given exit
// reason. It succeeds at most once per team: a team that already has a
// final row yields ErrConflict, a missing row yields ErrNotFound.
func (s *Store) Finalize(ctx context.Context, exec result.ExecutionID, teamID string, round int, reason string) error {
	return s.submit(ctx, "finalize", func(ctx context.Context, tx *sqlx.Tx) error {
		var finals int
		if err := tx.GetContext(ctx, &finals, tx.Rebind(
			`SELECT COUNT(*) FROM leaderboard WHERE execution_id = ? AND team_id = ? AND final_submission = ?`),
			exec, teamID, true); err != nil {
			return err
		}
		if finals > 0 {
			return errors.Wrapf(errors.ErrConflict, "team %s already has a final submission", teamID)
		}
		res, err := tx.ExecContext(ctx, tx.Rebind(
			`UPDATE leaderboard SET final_submission = ?, exit_reason = ?
			 WHERE execution_id = ? AND team_id = ? AND round_number = ?`),
			true, reason, exec, teamID, round)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return errors.Wrapf(errors.ErrNotFound, "team %s round %d", teamID, round)
		}
		return nil
	})
}

// QueryByExecution returns every row of the execution in insertion order.
func (s *Store) QueryByExecution(ctx context.Context, exec result.ExecutionID) ([]result.LeaderBoardEntry, error) {
	rows, err := s.entries(ctx, exec)
	if err != nil {
		return nil, errors.Wrap(err, "query leaderboard")
	}
	return rows, nil
}

// QueryCurrentRound returns the latest known round for a team; found is
// false when nothing has been recorded yet.
func (s *Store) QueryCurrentRound(ctx context.Context, exec result.ExecutionID, teamID string) (result.RoundStatus, bool, error) {
	status, found, err := s.currentRound(ctx, exec, teamID)
	if err != nil {
		return result.RoundStatus{}, false, errors.Wrap(err, "query round status")
	}
	return status, found, nil
}

// Teams returns the execution's teams in registration order.
func (s *Store) Teams(ctx context.Context, exec result.ExecutionID) ([]result.Team, error) {
	teams, err := s.teams(ctx, exec)
	return teams, errors.Wrap(err, "query teams")
}

// Executions lists registered executions, newest first.
func (s *Store) Executions(ctx context.Context) ([]Execution, error) {
	execs, err := s.executions(ctx)
	return execs, errors.Wrap(err, "query executions")
}

// Execution returns one registered execution.
func (s *Store) Execution(ctx context.Context, exec result.ExecutionID) (Execution, error) {
	return s.execution(ctx, exec)
}
