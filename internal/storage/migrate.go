package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/sirupsen/logrus"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationFS embed.FS

// Migrate applies pending migrations for the store's dialect. It is
// idempotent; only pending migrations run.
func (s *SQLStore) Migrate(ctx context.Context) error {
	src, err := iofs.New(migrationFS, "migrations/"+string(s.dialect))
	if err != nil {
		return fmt.Errorf("failed to open migration source: %w", err)
	}

	var (
		driver  database.Driver
		closeDB func() error
	)
	switch s.dialect {
	case DialectSQLite:
		// The sqlite driver wraps the store's own handle; closing it would
		// close the store, so it is left open.
		driver, err = sqlite3.WithInstance(s.db.DB, &sqlite3.Config{})
	case DialectPostgres:
		// A dedicated handle, closed with the migration instance.
		var mdb *sql.DB
		mdb, err = sql.Open("pgx", s.dsn)
		if err != nil {
			return fmt.Errorf("failed to open migration connection: %w", err)
		}
		closeDB = mdb.Close
		driver, err = migratepgx.WithInstance(mdb, &migratepgx.Config{})
	default:
		return fmt.Errorf("%w: %s", ErrUnknownDialect, s.dialect)
	}
	if err != nil {
		if closeDB != nil {
			closeDB()
		}
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, string(s.dialect), driver)
	if err != nil {
		if closeDB != nil {
			closeDB()
		}
		return fmt.Errorf("failed to create migration instance: %w", err)
	}
	if closeDB != nil {
		defer func() {
			srcErr, dbErr := m.Close()
			if srcErr != nil {
				s.logger.WithError(srcErr).Warn("Failed to close migration source")
			}
			if dbErr != nil {
				s.logger.WithError(dbErr).Warn("Failed to close migration database")
			}
		}()
	}

	done := make(chan error, 1)
	go func() { done <- m.Up() }()
	select {
	case err = <-done:
	case <-ctx.Done():
		m.GracefulStop <- true
		err = <-done
	}

	if errors.Is(err, migrate.ErrNoChange) {
		s.logger.Debug("No migrations to apply (database up-to-date)")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	version, _, _ := m.Version()
	s.logger.WithFields(logrus.Fields{
		"dialect": s.dialect,
		"version": version,
	}).Info("Applied migrations successfully")
	return nil
}
