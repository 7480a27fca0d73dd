package store

import (
	"database/sql"
	"database/sql/driver"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"

	"github.com/signalnine/tourney/internal/errors"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

// sqliteDSN adds the connection parameters every sqlite connection needs.
// WAL lets readers proceed while the writer holds its lock.
func sqliteDSN(dsn string, readOnly bool, busyTimeoutMS int) string {
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	params := []string{
		"_busy_timeout=" + strconv.Itoa(busyTimeoutMS),
		"_foreign_keys=on",
	}
	if readOnly {
		params = append(params, "mode=ro")
	} else {
		params = append(params, "_journal_mode=WAL")
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join(params, "&")
}

// isUniqueViolation reports a duplicate (execution, team, round) or id.
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// isUnavailable reports transient unavailability: another process holds
// the write lock, or the server cannot be reached right now.
func isUnavailable(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// lock_not_available, cannot_connect_now
		return pgErr.Code == "55P03" || pgErr.Code == "57P03"
	}
	return errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone)
}

// isStorageFault reports a failure of the database itself rather than of
// the statement: unavailability, I/O, a full or corrupt file, a read-only
// database, a dropped connection or a server-side resource problem.
// Anything else (constraint violations, argument encoding) is the caller's.
func isStorageFault(err error) bool {
	if isUnavailable(err) {
		return true
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrIoErr, sqlite3.ErrFull, sqlite3.ErrCantOpen, sqlite3.ErrCorrupt,
			sqlite3.ErrNotADB, sqlite3.ErrReadonly, sqlite3.ErrNomem, sqlite3.ErrProtocol:
			return true
		}
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// connection_exception, insufficient_resources, operator_intervention,
		// system_error
		class := pgErr.Code
		if len(class) > 2 {
			class = class[:2]
		}
		switch class {
		case "08", "53", "57", "58":
			return true
		}
		return false
	}
	if pgconn.Timeout(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

// isMissingSchema reports a read against a database that was never created
// or never migrated.
func isMissingSchema(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrCantOpen {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "42P01"
	}
	return strings.Contains(err.Error(), "no such table")
}
