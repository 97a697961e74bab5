package database

import (
	"database/sql"
	"embed"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/samber/oops"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Open opens (creating if necessary) the sqlite database at path and applies
// all pending migrations. The returned handle is safe for concurrent use; a
// single writer connection avoids SQLITE_BUSY under concurrent commits.
func Open(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, oops.With("path", dir, "context", "creating database directory").Wrap(err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, oops.With("database_path", path).Wrap(err)
	}

	// modernc sqlite serializes writes; cap the pool so transactions from the
	// event loop and the flush timers never contend for a second writer.
	db.SetMaxOpenConns(1)

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

func runMigrations(db *sql.DB) error {
	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return oops.With("context", "creating sqlite migrate driver").Wrap(err)
	}

	source, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return oops.With("context", "creating iofs migration source").Wrap(err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return oops.With("context", "creating migrate instance").Wrap(err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return oops.With("context", "running migrations").Wrap(err)
	}

	return nil
}
