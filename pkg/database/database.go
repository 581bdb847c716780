// Package database opens the governor's SQL backends and hides the few places where
// Postgres and SQLite disagree.
//
// Every store in this repository speaks `$N` placeholders and stores timestamps as
// INTEGER unix nanoseconds, so one schema serves both the production Postgres
// deployment and the single-file Lite Mode.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Dialect identifies the SQL engine behind a *sql.DB.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// DB bundles a connection pool with its dialect.
type DB struct {
	*sql.DB
	Dialect Dialect
}

// ForUpdate returns the row-locking suffix for SELECTs that must serialize writers.
// SQLite has no row locks; Lite Mode opens immediate transactions instead.
func (d *DB) ForUpdate() string {
	if d.Dialect == Postgres {
		return " FOR UPDATE"
	}
	return ""
}

// LockTable blocks other writers of table until tx ends. Readers are not blocked.
// SQLite transactions are already immediate, so it does nothing there.
func (d *DB) LockTable(ctx context.Context, tx *sql.Tx, table string) error {
	if d.Dialect != Postgres {
		return nil
	}
	_, err := tx.ExecContext(ctx, "LOCK TABLE "+table+" IN SHARE ROW EXCLUSIVE MODE")
	return err
}

// OpenPostgres connects to Postgres and verifies the connection.
func OpenPostgres(ctx context.Context, dsn string) (*DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &DB{DB: db, Dialect: Postgres}, nil
}

// OpenSQLite opens (or creates) a SQLite database at path. Use ":memory:" for an
// ephemeral database. The pool is pinned to one connection: SQLite serializes writers
// anyway, and a single connection keeps in-memory databases shared and makes every
// transaction effectively immediate.
func OpenSQLite(ctx context.Context, path string) (*DB, error) {
	dsn := "file::memory:"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
			return nil, fmt.Errorf("failed to create data dir: %w", err)
		}
		dsn = "file:" + path
	}
	dsn += "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_txlock=immediate"
	if path != ":memory:" {
		dsn += "&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite ping failed: %w", err)
	}
	return &DB{DB: db, Dialect: SQLite}, nil
}

// Open picks the backend from a URL: postgres:// URLs go to Postgres, anything else
// is treated as a SQLite file path.
func Open(ctx context.Context, url string) (*DB, error) {
	if strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://") {
		return OpenPostgres(ctx, url)
	}
	return OpenSQLite(ctx, strings.TrimPrefix(url, "sqlite://"))
}

// IsUniqueViolation reports whether err is a unique or primary-key constraint failure
// from either supported driver.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
	}
	return false
}

// InTx runs fn inside a transaction, committing on success and rolling back on error
// or panic.
func InTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Nanos converts a time to the persisted representation.
func Nanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

// FromNanos converts a persisted timestamp back to UTC time.
func FromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

// NullNanos maps an optional timestamp column.
func NullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := FromNanos(n.Int64)
	return &t
}
