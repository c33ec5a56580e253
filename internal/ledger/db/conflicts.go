package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bookkeeper/ledgersync/internal/ledger/schema"
)

// Conflict keeps both sides of a rejected mutation until a user, or the
// configured merge policy, resolves it.
type Conflict struct {
	TransactionID  string          `json:"transaction_id" yaml:"transaction_id"`
	Local          schema.Payload  `json:"local" yaml:"-"`
	LocalRevision  int64           `json:"local_revision" yaml:"local_revision"`
	Remote         schema.Payload  `json:"remote" yaml:"-"`
	RemoteRevision int64           `json:"remote_revision" yaml:"remote_revision"`
	RemoteDeleted  bool            `json:"remote_deleted" yaml:"remote_deleted"`
	Reason         string          `json:"reason,omitempty" yaml:"reason,omitempty"`
	DetectedAt     time.Time       `json:"detected_at" yaml:"detected_at"`
	Base           *schema.Payload `json:"base,omitempty" yaml:"-"` // last agreed payload, if any
}

const conflictColumns = `c.transaction_id, c.local_payload, c.local_revision, c.remote_payload,
	c.remote_revision, c.remote_deleted, c.reason, c.detected_at, t.base_payload`

func scanConflict(s rowScanner) (*Conflict, error) {
	var c Conflict
	var local, remote, detectedAt string
	var remoteDeleted int
	var base sql.NullString

	if err := s.Scan(&c.TransactionID, &local, &c.LocalRevision, &remote,
		&c.RemoteRevision, &remoteDeleted, &c.Reason, &detectedAt, &base); err != nil {
		return nil, err
	}

	var err error
	if c.Local, err = schema.UnmarshalPayload([]byte(local)); err != nil {
		return nil, err
	}
	if c.Remote, err = schema.UnmarshalPayload([]byte(remote)); err != nil {
		return nil, err
	}
	if base.Valid && base.String != "" {
		p, err := schema.UnmarshalPayload([]byte(base.String))
		if err != nil {
			return nil, err
		}
		c.Base = &p
	}
	c.RemoteDeleted = remoteDeleted != 0
	c.DetectedAt = parseTime(detectedAt)
	return &c, nil
}

// SaveConflict records a conflict and moves the transaction to CONFLICT in
// one SQLite transaction. Queued operations of the transaction are dropped
// to the audit trail; nothing is retried until the conflict is resolved.
// It returns the status the transaction had before.
func (db *DB) SaveConflict(ctx context.Context, c Conflict) (schema.Status, error) {
	if c.DetectedAt.IsZero() {
		c.DetectedAt = time.Now().UTC()
	}
	local, err := c.Local.Marshal()
	if err != nil {
		return "", err
	}
	remote, err := c.Remote.Marshal()
	if err != nil {
		return "", err
	}

	var from schema.Status
	err = db.withTx(ctx, "save conflict", func(tx *sql.Tx) error {
		t, err := getTransaction(ctx, tx, c.TransactionID)
		if err != nil {
			return err
		}
		from = t.Status

		if _, err := dropOperations(ctx, tx, t.ID, "conflict: "+c.Reason); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
		INSERT INTO conflicts (
			transaction_id, local_payload, local_revision, remote_payload,
			remote_revision, remote_deleted, reason, detected_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(transaction_id) DO UPDATE SET
			local_payload = excluded.local_payload,
			local_revision = excluded.local_revision,
			remote_payload = excluded.remote_payload,
			remote_revision = excluded.remote_revision,
			remote_deleted = excluded.remote_deleted,
			reason = excluded.reason,
			detected_at = excluded.detected_at`,
			c.TransactionID, string(local), c.LocalRevision, string(remote),
			c.RemoteRevision, boolToInt(c.RemoteDeleted), c.Reason, formatTime(c.DetectedAt),
		); err != nil {
			return fmt.Errorf("failed to store conflict for %s: %w", c.TransactionID, err)
		}

		if err := setStatus(ctx, tx, t.ID, schema.StatusConflict, c.Reason); err != nil {
			return err
		}

		rp := c.Remote
		return appendAudit(ctx, tx, AuditEntry{
			TransactionID: t.ID,
			Action:        AuditConflictDetected,
			Detail:        fmt.Sprintf("local revision %d vs remote revision %d: %s", c.LocalRevision, c.RemoteRevision, c.Reason),
			Payload:       &rp,
		})
	})
	return from, err
}

// GetConflict returns the stored conflict of a transaction, or ErrNotFound.
func (db *DB) GetConflict(ctx context.Context, txID string) (*Conflict, error) {
	row := db.conn.QueryRowContext(ctx, `
		SELECT `+conflictColumns+`
		FROM conflicts c LEFT JOIN transactions t ON t.id = c.transaction_id
		WHERE c.transaction_id = ?`, txID)
	c, err := scanConflict(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conflict %s: %w", txID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conflict %s: %w", txID, err)
	}
	return c, nil
}

// ListConflicts returns every stored conflict, oldest first.
func (db *DB) ListConflicts(ctx context.Context) ([]*Conflict, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT `+conflictColumns+`
		FROM conflicts c LEFT JOIN transactions t ON t.id = c.transaction_id
		ORDER BY c.detected_at, c.transaction_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicts: %w", err)
	}
	defer rows.Close()

	var out []*Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conflict: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteConflict removes a stored conflict without touching the transaction.
func (db *DB) DeleteConflict(ctx context.Context, txID string) error {
	_, err := db.conn.ExecContext(ctx, `DELETE FROM conflicts WHERE transaction_id = ?`, txID)
	return storageErr("delete conflict", err)
}

// Resolution is the outcome of resolving a conflict, committed atomically by
// CommitResolution.
type Resolution struct {
	TransactionID string
	// Transaction is the resolved row; nil hard-deletes it.
	Transaction *schema.Transaction
	// Op is enqueued when the resolution must still reach the remote.
	Op *schema.SyncOperation
	// Base replaces the last agreed payload when set.
	Base  *schema.Payload
	Audit []AuditEntry
}

// CommitResolution applies r and clears the stored conflict. It fails with
// ErrNotFound when the conflict was already resolved.
func (db *DB) CommitResolution(ctx context.Context, r Resolution) error {
	return db.withTx(ctx, "commit resolution", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM conflicts WHERE transaction_id = ?`, r.TransactionID)
		if err != nil {
			return fmt.Errorf("failed to clear conflict %s: %w", r.TransactionID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("conflict %s: %w", r.TransactionID, ErrNotFound)
		}

		for _, e := range r.Audit {
			if e.TransactionID == "" {
				e.TransactionID = r.TransactionID
			}
			if err := appendAudit(ctx, tx, e); err != nil {
				return err
			}
		}

		if r.Transaction == nil {
			return deleteTransaction(ctx, tx, r.TransactionID)
		}
		if err := putTransaction(ctx, tx, r.Transaction); err != nil {
			return err
		}
		if r.Base != nil {
			if err := setBasePayload(ctx, tx, r.TransactionID, *r.Base); err != nil {
				return err
			}
		}
		if r.Op != nil {
			return enqueue(ctx, tx, r.Op)
		}
		return nil
	})
}
