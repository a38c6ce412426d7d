// Package sqlite owns the stats index: a WAL sqlite database under
// .monoco/ fed by bus events and session transitions, queried by the
// dashboard. Schema changes ship as embedded migrations; an existing
// database is backed up to <path>.bak before any migration runs.
package sqlite

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/monoco-io/monoco/internal/fault"
	"github.com/monoco-io/monoco/internal/log"
)

//go:embed migrations
var migrationsFS embed.FS

// DB wraps the sqlite handle.
type DB struct {
	*sql.DB
	path string
}

// Open opens (creating if absent) the stats database at path, applies the
// pragmas, and migrates to the latest schema.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fault.Wrapf(fault.TransientIO, err, "creating %s", filepath.Dir(path))
	}
	if err := backup(path); err != nil {
		return nil, err
	}
	return open("file:" + path)
}

// OpenMemory opens a private in-memory database, migrated. Used by tests
// and by the daemon when the stats index is disabled but queried.
func OpenMemory() (*DB, error) {
	return open("file::memory:")
}

func open(dsn string) (*DB, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fault.Wrap(fault.Fatal, err, "opening stats db")
	}
	// The WASM driver serializes per connection; a single connection also
	// makes the in-memory DSN safe.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fault.Wrapf(fault.Fatal, err, "applying %s", pragma)
		}
	}

	if err := migrateUp(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	log.Debug(log.CatStats, "stats db ready", "dsn", dsn)
	return &DB{DB: db, path: strings.TrimPrefix(dsn, "file:")}, nil
}

// backup copies an existing database aside before migrations touch it.
func backup(path string) error {
	src, err := os.Open(path) //nolint:gosec // G304: configured stats db path
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fault.Wrapf(fault.TransientIO, err, "opening %s", path)
	}
	defer src.Close() //nolint:errcheck

	dst, err := os.Create(path + ".bak") //nolint:gosec // G304: sibling of the stats db
	if err != nil {
		return fault.Wrapf(fault.TransientIO, err, "creating %s.bak", path)
	}
	defer dst.Close() //nolint:errcheck

	if _, err := io.Copy(dst, src); err != nil {
		return fault.Wrapf(fault.TransientIO, err, "backing up %s", path)
	}
	return nil
}

func migrateUp(db *sql.DB) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fault.Wrap(fault.Fatal, err, "loading embedded migrations")
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite", &migrateDriver{db: db})
	if err != nil {
		return fault.Wrap(fault.Fatal, err, "initializing migrations")
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fault.Wrap(fault.Fatal, err, "applying migrations")
	}
	return nil
}

// migrateDriver adapts our *sql.DB (ncruces driver) to the migrate
// database.Driver interface. The stock sqlite drivers in golang-migrate
// pin their own driver imports; this keeps the module on a single sqlite
// implementation.
type migrateDriver struct {
	db *sql.DB
}

var _ database.Driver = (*migrateDriver)(nil)

func (d *migrateDriver) Open(string) (database.Driver, error) { return d, nil }
func (d *migrateDriver) Close() error                         { return nil }

// Lock is a no-op: the connection pool is capped at one connection and
// busy_timeout covers cross-process contention.
func (d *migrateDriver) Lock() error   { return nil }
func (d *migrateDriver) Unlock() error { return nil }

func (d *migrateDriver) Run(migration io.Reader) error {
	stmts, err := io.ReadAll(migration)
	if err != nil {
		return err
	}
	if _, err := d.db.Exec(string(stmts)); err != nil {
		return fmt.Errorf("executing migration: %w", err)
	}
	return nil
}

func (d *migrateDriver) SetVersion(version int, dirty bool) error {
	if err := d.ensureVersionTable(); err != nil {
		return err
	}
	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM schema_migrations"); err != nil {
		_ = tx.Rollback()
		return err
	}
	if version >= 0 {
		if _, err := tx.Exec("INSERT INTO schema_migrations (version, dirty) VALUES (?, ?)", version, dirty); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (d *migrateDriver) Version() (int, bool, error) {
	if err := d.ensureVersionTable(); err != nil {
		return database.NilVersion, false, err
	}
	var version int
	var dirty bool
	err := d.db.QueryRow("SELECT version, dirty FROM schema_migrations LIMIT 1").Scan(&version, &dirty)
	if errors.Is(err, sql.ErrNoRows) {
		return database.NilVersion, false, nil
	}
	if err != nil {
		return database.NilVersion, false, err
	}
	return version, dirty, nil
}

func (d *migrateDriver) Drop() error {
	rows, err := d.db.Query(`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%'`)
	if err != nil {
		return err
	}
	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			_ = rows.Close()
			return err
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	_ = rows.Close()
	for _, table := range tables {
		if _, err := d.db.Exec("DROP TABLE IF EXISTS " + table); err != nil {
			return err
		}
	}
	return nil
}

func (d *migrateDriver) ensureVersionTable() error {
	_, err := d.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER NOT NULL, dirty BOOLEAN NOT NULL)`)
	return err
}
