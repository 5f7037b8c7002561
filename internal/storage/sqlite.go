// Package storage provides persistence for Quants Café.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/quantscafe/quantscafe/internal/core"
)

// DB wraps the SQLite database connection
type DB struct {
	conn     *sql.DB
	path     string
	isMemory bool
}

// DefaultBusyTimeout is how long a write waits for another process's lock
const DefaultBusyTimeout = 5 * time.Second

// Config for database initialization
type Config struct {
	Path        string        // Path to database file
	InMemory    bool          // Use in-memory database (for testing)
	BusyTimeout time.Duration // Lock wait across processes; 0 means DefaultBusyTimeout
}

// Querier is satisfied by both *sql.DB and *sql.Tx
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Open opens or creates a SQLite database
func Open(cfg Config) (*DB, error) {
	var dsn string
	var isMemory bool

	if cfg.InMemory {
		// Private to this *sql.DB; the single pooled connection keeps it alive
		dsn = ":memory:"
		isMemory = true
	} else {
		dir := filepath.Dir(cfg.Path)
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
		dsn = fileDSN(cfg.Path, cfg.BusyTimeout)
	}

	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One writer at a time; transactions queue on the pool instead of hitting SQLITE_BUSY
	conn.SetMaxOpenConns(1)
	conn.SetConnMaxLifetime(0)

	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return &DB{
		conn:     conn,
		path:     cfg.Path,
		isMemory: isMemory,
	}, nil
}

// fileDSN sets WAL, a busy timeout and BEGIN IMMEDIATE on every connection.
// The file may be shared by serve and worker processes.
func fileDSN(path string, busy time.Duration) string {
	if busy <= 0 {
		busy = DefaultBusyTimeout
	}
	return fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_txlock=immediate",
		path, busy.Milliseconds())
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// Conn returns the underlying sql.DB for direct access
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// Transaction executes fn within a transaction. Errors returned by fn are passed
// through untouched after rollback; failures to begin or commit are marked retryable.
func (db *DB) Transaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return Wrap("begin transaction", err)
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return Wrap("commit transaction", err)
	}
	return nil
}

// Wrap marks err as a retryable storage failure. Nil stays nil, and errors already
// carrying a core sentinel are returned with context but not re-marked.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, core.ErrStorage) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, core.ErrStorage, err)
}

// IsNoRows reports whether err is sql.ErrNoRows
func IsNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
