// Package db provides the durable local ledger: the transaction store, the
// sync queue, stored conflicts, the audit trail and pull state, all in one
// embedded SQLite file.
//
// The database runs in WAL mode with synchronous=FULL so that a returned
// commit survives a crash. Every write path that touches more than one row
// (edit + enqueue, ack + status update, conflict + queue drop) runs inside a
// single immediate transaction; a committed PENDING row together with its
// queued operation is the checkpoint the reconciler resumes from.
//
// Architecture:
//   - transactions: ledger rows tagged with a sync status
//   - sync_queue:   ordered CREATE/UPDATE/DELETE operations (seq = enqueue order)
//   - conflicts:    local and remote payloads awaiting resolution
//   - audit_log:    dropped operations, discarded copies, merge losers
//   - sync_state:   pull cursor
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// ErrNotFound is returned when a transaction, operation or conflict does not exist.
var ErrNotFound = errors.New("not found")

// ErrStaleRevision is returned when a write would move a local revision backwards.
var ErrStaleRevision = errors.New("stale revision")

// ErrNotQueued is returned by MarkSending when the operation is already in flight.
var ErrNotQueued = errors.New("operation not queued")

// StorageError wraps a failure of the local store. A StorageError means the
// operation did not take effect.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("failed to %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrStaleRevision) || errors.Is(err, ErrNotQueued) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// DB wraps the SQLite connection pool.
type DB struct {
	conn *sql.DB
	path string

	mu    sync.RWMutex
	retry RetryPolicy
}

// Open creates a database connection at the specified path and initializes
// the schema. The caller MUST call Close() when done.
//
// Example:
//
//	store, err := db.Open("~/.local/share/ledgersync/ledger.db")
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
func Open(path string) (*DB, error) {
	return OpenContext(context.Background(), path)
}

// OpenContext is Open with context support.
func OpenContext(ctx context.Context, path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Pragmas in the DSN apply to every pooled connection.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)"+
		"&_pragma=synchronous(full)&_pragma=foreign_keys(on)&_txlock=immediate", path)
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(4)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{
		conn:  conn,
		path:  path,
		retry: DefaultRetryPolicy(),
	}

	if err := db.InitSchemaContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close checkpoints the WAL and closes the database.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the database schema if it doesn't exist.
// Safe to call multiple times.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the database schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		amount_minor INTEGER NOT NULL,
		currency TEXT NOT NULL,
		date TEXT NOT NULL,
		category TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		revision INTEGER NOT NULL DEFAULT 0,
		remote_revision INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		deleted INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		base_payload TEXT,  -- JSON of the last payload both sides agreed on
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sync_queue (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		op_id TEXT NOT NULL UNIQUE,
		transaction_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		revision INTEGER NOT NULL,
		base_revision INTEGER NOT NULL,
		payload TEXT NOT NULL,
		state TEXT NOT NULL DEFAULT 'QUEUED',
		attempts INTEGER NOT NULL DEFAULT 0,
		next_attempt_at TEXT NOT NULL,
		last_error TEXT NOT NULL DEFAULT '',
		enqueued_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS conflicts (
		transaction_id TEXT PRIMARY KEY,
		local_payload TEXT NOT NULL,
		local_revision INTEGER NOT NULL,
		remote_payload TEXT NOT NULL,
		remote_revision INTEGER NOT NULL,
		remote_deleted INTEGER NOT NULL DEFAULT 0,
		reason TEXT NOT NULL DEFAULT '',
		detected_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		transaction_id TEXT NOT NULL,
		action TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		payload TEXT,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sync_state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_status ON transactions(status);
	CREATE INDEX IF NOT EXISTS idx_queue_transaction ON sync_queue(transaction_id, seq);
	CREATE INDEX IF NOT EXISTS idx_queue_state ON sync_queue(state, next_attempt_at);
	CREATE INDEX IF NOT EXISTS idx_audit_transaction ON audit_log(transaction_id, id);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// RecoverResult reports what Recover repaired.
type RecoverResult struct {
	RequeuedOps  int
	ResetSyncing int
}

// Recover repairs state left by a crash: operations that were in flight go
// back to QUEUED (the gateway deduplicates by op id if the first attempt
// landed) and SYNCING rows go back to PENDING.
func (db *DB) Recover(ctx context.Context) (RecoverResult, error) {
	var res RecoverResult
	err := db.withTx(ctx, "recover sync state", func(tx *sql.Tx) error {
		r, err := tx.ExecContext(ctx, `UPDATE sync_queue SET state = 'QUEUED' WHERE state = 'SENDING'`)
		if err != nil {
			return storageErr("requeue in-flight operations", err)
		}
		n, _ := r.RowsAffected()
		res.RequeuedOps = int(n)

		r, err = tx.ExecContext(ctx, `UPDATE transactions SET status = 'PENDING' WHERE status = 'SYNCING'`)
		if err != nil {
			return storageErr("reset syncing transactions", err)
		}
		n, _ = r.RowsAffected()
		res.ResetSyncing = int(n)
		return nil
	})
	return res, err
}

// withTx runs fn inside one immediate SQLite transaction.
func (db *DB) withTx(ctx context.Context, op string, fn func(*sql.Tx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return storageErr(op, err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return storageErr(op, err)
	}

	if err := tx.Commit(); err != nil {
		return storageErr(op, err)
	}
	return nil
}

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		if t2, err2 := time.Parse(time.RFC3339Nano, s); err2 == nil {
			return t2.UTC()
		}
		return time.Time{}
	}
	return t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
