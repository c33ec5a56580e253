package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
)

const cursorKey = "pull_cursor"

// Cursor returns the position of the last remote change pulled, 0 if none.
func (db *DB) Cursor(ctx context.Context) (int64, error) {
	var v string
	err := db.conn.QueryRowContext(ctx, `SELECT value FROM sync_state WHERE key = ?`, cursorKey).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read pull cursor: %w", err)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt pull cursor %q: %w", v, err)
	}
	return n, nil
}

// SetCursor stores the pull cursor.
func (db *DB) SetCursor(ctx context.Context, cursor int64) error {
	_, err := db.conn.ExecContext(ctx, `
	INSERT INTO sync_state (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		cursorKey, strconv.FormatInt(cursor, 10))
	return storageErr("store pull cursor", err)
}
