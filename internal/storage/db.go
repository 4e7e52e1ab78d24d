package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"fleetd/internal/config"
	"fleetd/internal/storage/migrations"

	_ "modernc.org/sqlite"
)

// busyTimeoutMS bounds how long a writer waits on the sqlite lock. The
// two API surfaces and the retention janitor share one file.
const busyTimeoutMS = 5000

// DB is the sqlite-backed fleet store. Robots and missions live in a
// single file; WAL keeps watch-stream reads from blocking status writes.
type DB struct {
	*sql.DB
	path string
}

// Open resolves path (a leading ~ expands to the home directory),
// creates the parent directory and brings the schema up to date.
func Open(path string) (*DB, error) {
	resolved, err := config.ExpandPath(path)
	if err != nil {
		return nil, fmt.Errorf("resolve db path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	conn, err := sql.Open("sqlite", resolved)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", resolved, err)
	}
	db := &DB{DB: conn, path: resolved}
	if err := db.prepare(); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

// prepare applies the connection pragmas and any pending migrations.
func (db *DB) prepare() error {
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		fmt.Sprintf("PRAGMA busy_timeout=%d", busyTimeoutMS),
	} {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if err := migrations.Run(db.DB); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// Path returns the resolved database file path.
func (db *DB) Path() string {
	return db.path
}

// Tx is a transaction over the fleet store.
type Tx struct {
	*sql.Tx
}

// Begin starts a transaction.
func (db *DB) Begin() (*Tx, error) {
	tx, err := db.DB.Begin()
	if err != nil {
		return nil, err
	}
	return &Tx{Tx: tx}, nil
}

// WithTx runs fn in a transaction, committing when fn returns nil and
// rolling back otherwise.
func (db *DB) WithTx(fn func(*Tx) error) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
