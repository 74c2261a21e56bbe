// Package db embeds the SQL migrations for the Postgres result backend and
// the periodic-task schedule.
package db

import (
	"embed"
	"errors"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
)

//go:embed migrations/*.sql
var Migrations embed.FS

// MigrateUp applies all pending migrations against the database named by the
// migration URI. An already up-to-date schema is not an error.
func MigrateUp(migrationURI string) error {
	d, err := iofs.New(Migrations, "migrations")
	if err != nil {
		return err
	}

	m, err := migrate.NewWithSourceInstance("iofs", d, migrationURI)
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}
