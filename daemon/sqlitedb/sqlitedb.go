// Package sqlitedb opens the relay database and applies its embedded,
// forward-only schema migrations.
package sqlitedb

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3" // for "sqlite3" driver
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// schemaVersion is the newest migration this binary knows about.
// Bump it when adding a migration file.
const schemaVersion = 2

// Open opens (creating if necessary) the sqlite database at path and
// migrates it to the current schema. A database written by a newer
// binary is refused.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?cache=shared&_journal_mode=WAL&_busy_timeout=5000", path))
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	if err := Migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Migrate brings db up to the current schema version.
func Migrate(db *sql.DB) error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return errors.Wrap(err, "load migrations")
	}
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{
		MigrationsTable: "schema_migrations",
	})
	if err != nil {
		return errors.Wrap(err, "init migration driver")
	}
	m, err := migrate.NewWithInstance("iofs", src, "relay", driver)
	if err != nil {
		return errors.Wrap(err, "init migrator")
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return errors.Wrap(err, "read schema version")
	}
	if dirty {
		return errors.Newf("database schema version %d is dirty; refusing to start", version)
	}
	if version > schemaVersion {
		return errors.Newf("database schema version %d is newer than this binary supports (%d)", version, schemaVersion)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return errors.Wrap(err, "apply migrations")
	}
	return nil
}
