package store

import (
	"database/sql"
	"embed"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"

	"github.com/signalnine/tourney/internal/errors"
)

//go:embed migrations/sqlite3/*.sql migrations/pgx/*.sql
var migrations embed.FS

// Migrate applies all pending up migrations for the driver's dialect.
// It uses its own connection so closing the migrator leaves the store's
// pool untouched.
func Migrate(driverName, dsn string, logger *zap.SugaredLogger) error {
	src, err := iofs.New(migrations, "migrations/"+driverName)
	if err != nil {
		return errors.Wrapf(err, "load %s migrations", driverName)
	}

	conn, err := sql.Open(driverName, dsn)
	if err != nil {
		return errors.Wrap(err, "open migration connection")
	}

	var dbDriver database.Driver
	switch driverName {
	case DriverSQLite:
		dbDriver, err = migratesqlite.WithInstance(conn, &migratesqlite.Config{})
	case DriverPostgres:
		dbDriver, err = migratepgx.WithInstance(conn, &migratepgx.Config{})
	default:
		err = errors.NewInvalidRequestError("unsupported store driver %q", driverName)
	}
	if err != nil {
		conn.Close()
		return errors.Wrap(err, "migration driver")
	}

	m, err := migrate.NewWithInstance("iofs", src, driverName, dbDriver)
	if err != nil {
		dbDriver.Close()
		return errors.Wrap(err, "create migrator")
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return errors.Wrap(err, "migrate up")
	}

	version, dirty, _ := m.Version()
	logger.Debugw("Migrations complete", "driver", driverName, "version", version, "dirty", dirty)
	return nil
}
