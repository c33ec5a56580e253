package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bookkeeper/ledgersync/internal/ledger/schema"
)

const operationColumns = `seq, op_id, transaction_id, kind, revision, base_revision, payload,
	state, attempts, next_attempt_at, last_error, enqueued_at`

func scanOperation(s rowScanner) (*schema.SyncOperation, error) {
	var op schema.SyncOperation
	var kind, state, payload, nextAt, enqueuedAt string

	if err := s.Scan(
		&op.Seq,
		&op.OpID,
		&op.TransactionID,
		&kind,
		&op.Revision,
		&op.BaseRevision,
		&payload,
		&state,
		&op.Attempts,
		&nextAt,
		&op.LastError,
		&enqueuedAt,
	); err != nil {
		return nil, err
	}

	p, err := schema.UnmarshalPayload([]byte(payload))
	if err != nil {
		return nil, fmt.Errorf("operation %s: %w", op.OpID, err)
	}
	op.Payload = p
	op.Kind = schema.OpKind(kind)
	op.State = schema.OpState(state)
	op.NextAttemptAt = parseTime(nextAt)
	op.EnqueuedAt = parseTime(enqueuedAt)
	return &op, nil
}

func scanOperations(rows *sql.Rows) ([]*schema.SyncOperation, error) {
	var out []*schema.SyncOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		out = append(out, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating operations: %w", err)
	}
	return out, nil
}

func enqueue(ctx context.Context, q querier, op *schema.SyncOperation) error {
	if err := op.Validate(); err != nil {
		return fmt.Errorf("invalid operation: %w", err)
	}
	if op.EnqueuedAt.IsZero() {
		op.EnqueuedAt = time.Now().UTC()
	}
	if op.NextAttemptAt.IsZero() {
		op.NextAttemptAt = op.EnqueuedAt
	}
	op.State = schema.OpQueued

	payload, err := op.Payload.Marshal()
	if err != nil {
		return err
	}

	res, err := q.ExecContext(ctx, `
	INSERT INTO sync_queue (
		op_id, transaction_id, kind, revision, base_revision, payload,
		state, attempts, next_attempt_at, last_error, enqueued_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		op.OpID,
		op.TransactionID,
		string(op.Kind),
		op.Revision,
		op.BaseRevision,
		string(payload),
		string(op.State),
		op.Attempts,
		formatTime(op.NextAttemptAt),
		op.LastError,
		formatTime(op.EnqueuedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue operation %s: %w", op.OpID, err)
	}
	if seq, err := res.LastInsertId(); err == nil {
		op.Seq = seq
	}
	return nil
}

func getOperation(ctx context.Context, q querier, opID string) (*schema.SyncOperation, error) {
	row := q.QueryRowContext(ctx, `SELECT `+operationColumns+` FROM sync_queue WHERE op_id = ?`, opID)
	op, err := scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("operation %s: %w", opID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get operation %s: %w", opID, err)
	}
	return op, nil
}

func countLaterOperations(ctx context.Context, q querier, txID string, seq int64) (int, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_queue WHERE transaction_id = ? AND seq > ?`, txID, seq).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count queued operations for %s: %w", txID, err)
	}
	return n, nil
}

// dropOperations removes every queued operation of a transaction and keeps a
// copy of each in the audit trail.
func dropOperations(ctx context.Context, q querier, txID, reason string) (int, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+operationColumns+` FROM sync_queue WHERE transaction_id = ? ORDER BY seq`, txID)
	if err != nil {
		return 0, fmt.Errorf("failed to list operations for %s: %w", txID, err)
	}
	ops, err := scanOperations(rows)
	rows.Close()
	if err != nil {
		return 0, err
	}

	for _, op := range ops {
		p := op.Payload
		if err := appendAudit(ctx, q, AuditEntry{
			TransactionID: txID,
			Action:        AuditOperationDropped,
			Detail:        fmt.Sprintf("%s op %s (revision %d, %d attempts): %s", op.Kind, op.OpID, op.Revision, op.Attempts, reason),
			Payload:       &p,
		}); err != nil {
			return 0, err
		}
	}

	if _, err := q.ExecContext(ctx, `DELETE FROM sync_queue WHERE transaction_id = ?`, txID); err != nil {
		return 0, fmt.Errorf("failed to drop operations for %s: %w", txID, err)
	}
	return len(ops), nil
}

// Enqueue appends op to the sync queue. Operations of one transaction are
// delivered strictly in enqueue order.
func (db *DB) Enqueue(ctx context.Context, op *schema.SyncOperation) error {
	return storageErr("enqueue operation", enqueue(ctx, db.conn, op))
}

// GetOperation returns a queued operation by op id.
func (db *DB) GetOperation(ctx context.Context, opID string) (*schema.SyncOperation, error) {
	return getOperation(ctx, db.conn, opID)
}

// ListOperations returns the queued operations of a transaction in order.
func (db *DB) ListOperations(ctx context.Context, txID string) ([]*schema.SyncOperation, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+operationColumns+` FROM sync_queue WHERE transaction_id = ? ORDER BY seq`, txID)
	if err != nil {
		return nil, fmt.Errorf("failed to list operations for %s: %w", txID, err)
	}
	defer rows.Close()
	return scanOperations(rows)
}

// QueueLen returns the number of queued operations.
func (db *DB) QueueLen(ctx context.Context) (int, error) {
	var n int
	if err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_queue`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count queue: %w", err)
	}
	return n, nil
}

// PeekBatch returns up to limit operations ready for delivery at now, in
// global enqueue order. Only the oldest operation of each transaction is
// eligible, and only while it is QUEUED and past its backoff; transactions
// in CONFLICT or FAILED are skipped. Nothing is removed.
func (db *DB) PeekBatch(ctx context.Context, limit int, now time.Time) ([]*schema.SyncOperation, error) {
	if limit <= 0 {
		return nil, nil
	}
	query := `
	SELECT ` + prefixed("q.", operationColumns) + `
	FROM sync_queue q
	JOIN transactions t ON t.id = q.transaction_id
	WHERE q.seq = (SELECT MIN(seq) FROM sync_queue WHERE transaction_id = q.transaction_id)
	  AND q.state = 'QUEUED'
	  AND q.next_attempt_at <= ?
	  AND t.status NOT IN ('CONFLICT', 'FAILED')
	ORDER BY q.seq
	LIMIT ?`

	rows, err := db.conn.QueryContext(ctx, query, formatTime(now), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to peek queue: %w", err)
	}
	defer rows.Close()
	return scanOperations(rows)
}

// NextAttemptAt returns the earliest time a queued operation becomes
// eligible, or the zero time when nothing is waiting.
func (db *DB) NextAttemptAt(ctx context.Context) (time.Time, error) {
	var next sql.NullString
	err := db.conn.QueryRowContext(ctx,
		`SELECT MIN(next_attempt_at) FROM sync_queue WHERE state = 'QUEUED'`).Scan(&next)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read next attempt: %w", err)
	}
	return parseTime(next.String), nil
}

// MarkSending moves a queued operation to SENDING and its transaction to
// SYNCING. It returns the operation and the transaction's previous status.
func (db *DB) MarkSending(ctx context.Context, opID string) (*schema.SyncOperation, schema.Status, error) {
	var op *schema.SyncOperation
	var from schema.Status
	err := db.withTx(ctx, "mark operation sending", func(tx *sql.Tx) error {
		var err error
		op, err = getOperation(ctx, tx, opID)
		if err != nil {
			return err
		}
		if op.State != schema.OpQueued {
			return fmt.Errorf("operation %s is %s: %w", opID, op.State, ErrNotQueued)
		}
		t, err := getTransaction(ctx, tx, op.TransactionID)
		if err != nil {
			return err
		}
		from = t.Status

		if _, err := tx.ExecContext(ctx, `UPDATE sync_queue SET state = 'SENDING' WHERE op_id = ?`, opID); err != nil {
			return err
		}
		op.State = schema.OpSending
		return setStatus(ctx, tx, t.ID, schema.StatusSyncing, t.LastError)
	})
	if err != nil {
		return nil, "", err
	}
	return op, from, nil
}

// Ack removes delivered operations. Unknown op ids are ignored, so repeated
// acks are no-ops. It returns how many operations were removed.
func (db *DB) Ack(ctx context.Context, opIDs ...string) (int, error) {
	if len(opIDs) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(opIDs)), ",")
	args := make([]any, len(opIDs))
	for i, id := range opIDs {
		args[i] = id
	}
	res, err := db.conn.ExecContext(ctx, `DELETE FROM sync_queue WHERE op_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return 0, storageErr("ack operations", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// AckResult describes the effect of AckApplied.
type AckResult struct {
	Duplicate   bool                // the op was already acknowledged
	Removed     bool                // a DELETE was confirmed and the row hard-removed
	From        schema.Status       // status before the ack
	Transaction *schema.Transaction // state after the ack; nil when Removed or Duplicate
}

// AckApplied records that the remote applied opID at newRevision. In one
// SQLite transaction it removes the operation, rebases later operations of
// the same transaction onto newRevision, and either marks the row SYNCED
// (nothing else queued), keeps it PENDING (more edits queued) or hard-removes
// it (confirmed DELETE). Acking an unknown op id is a no-op.
func (db *DB) AckApplied(ctx context.Context, opID string, newRevision int64) (AckResult, error) {
	var res AckResult
	err := db.withTx(ctx, "ack operation", func(tx *sql.Tx) error {
		op, err := getOperation(ctx, tx, opID)
		if errors.Is(err, ErrNotFound) {
			res.Duplicate = true
			return nil
		}
		if err != nil {
			return err
		}

		t, err := getTransaction(ctx, tx, op.TransactionID)
		if errors.Is(err, ErrNotFound) {
			// Row purged while the op was in flight.
			_, err = tx.ExecContext(ctx, `DELETE FROM sync_queue WHERE op_id = ?`, opID)
			res.Removed = true
			return err
		}
		if err != nil {
			return err
		}
		res.From = t.Status

		if _, err := tx.ExecContext(ctx, `DELETE FROM sync_queue WHERE op_id = ?`, opID); err != nil {
			return fmt.Errorf("failed to remove operation %s: %w", opID, err)
		}

		if op.Kind == schema.OpDelete {
			res.Removed = true
			return deleteTransaction(ctx, tx, t.ID)
		}

		later, err := countLaterOperations(ctx, tx, t.ID, op.Seq)
		if err != nil {
			return err
		}
		if later > 0 {
			if _, err := tx.ExecContext(ctx,
				`UPDATE sync_queue SET base_revision = ? WHERE transaction_id = ? AND seq > ?`,
				newRevision, t.ID, op.Seq); err != nil {
				return fmt.Errorf("failed to rebase operations for %s: %w", t.ID, err)
			}
		}

		t.RemoteRevision = newRevision
		t.LastError = ""
		switch {
		case t.Status == schema.StatusConflict || t.Status == schema.StatusFailed:
			// Leave the surfaced state alone.
		case later > 0:
			t.Status = schema.StatusPending
		default:
			// The remote never assigns less than the op's local revision.
			t.Status = schema.StatusSynced
			t.Revision = newRevision
		}
		if err := putTransaction(ctx, tx, t); err != nil {
			return err
		}
		if err := setBasePayload(ctx, tx, t.ID, op.Payload); err != nil {
			return err
		}
		res.Transaction = t
		return nil
	})
	return res, err
}

// Rebase puts an in-flight operation back in the queue against base, the
// remote revision that already holds the operation's content. The
// transaction's remote revision and agreed payload move to base so the
// resend raises the remote revision to the local one. Rebasing an unknown
// op id returns ErrNotFound.
func (db *DB) Rebase(ctx context.Context, opID string, base int64) error {
	return db.withTx(ctx, "rebase operation", func(tx *sql.Tx) error {
		op, err := getOperation(ctx, tx, opID)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE sync_queue SET state = 'QUEUED', base_revision = ? WHERE op_id = ?`,
			base, opID); err != nil {
			return fmt.Errorf("failed to rebase operation %s: %w", opID, err)
		}

		t, err := getTransaction(ctx, tx, op.TransactionID)
		if err != nil {
			return err
		}
		t.RemoteRevision = base
		if t.Status == schema.StatusSyncing {
			t.Status = schema.StatusPending
		}
		if err := putTransaction(ctx, tx, t); err != nil {
			return err
		}
		return setBasePayload(ctx, tx, t.ID, op.Payload)
	})
}

// NackResult describes the effect of Nack on one operation.
type NackResult struct {
	OpID          string
	TransactionID string
	Attempts      int
	Failed        bool // retries exhausted; transaction moved to FAILED
	NextAttemptAt time.Time
}

// Nack records a failed delivery attempt for each op id. The attempt count
// grows and the operation waits out an exponential backoff; once the retry
// policy's MaxAttempts is reached the transaction becomes FAILED and all of
// its queued operations are removed to the audit trail.
func (db *DB) Nack(ctx context.Context, opIDs []string, reason string, now time.Time) ([]NackResult, error) {
	policy := db.RetryPolicy()
	var results []NackResult

	err := db.withTx(ctx, "nack operations", func(tx *sql.Tx) error {
		results = results[:0]
		for _, opID := range opIDs {
			op, err := getOperation(ctx, tx, opID)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}

			attempts := op.Attempts + 1
			r := NackResult{OpID: opID, TransactionID: op.TransactionID, Attempts: attempts}

			if attempts >= policy.MaxAttempts {
				r.Failed = true
				msg := fmt.Sprintf("gave up after %d attempts: %s", attempts, reason)
				if _, err := dropOperations(ctx, tx, op.TransactionID, msg); err != nil {
					return err
				}
				if err := setStatus(ctx, tx, op.TransactionID, schema.StatusFailed, msg); err != nil {
					return err
				}
				if err := appendAudit(ctx, tx, AuditEntry{
					TransactionID: op.TransactionID,
					Action:        AuditOperationFailed,
					Detail:        msg,
				}); err != nil {
					return err
				}
				results = append(results, r)
				continue
			}

			r.NextAttemptAt = now.Add(policy.Backoff(attempts))
			if _, err := tx.ExecContext(ctx, `
				UPDATE sync_queue
				SET state = 'QUEUED', attempts = ?, next_attempt_at = ?, last_error = ?
				WHERE op_id = ?`,
				attempts, formatTime(r.NextAttemptAt), reason, opID); err != nil {
				return fmt.Errorf("failed to reschedule operation %s: %w", opID, err)
			}

			t, err := getTransaction(ctx, tx, op.TransactionID)
			if err != nil {
				return err
			}
			status := t.Status
			if status == schema.StatusSyncing {
				status = schema.StatusPending
			}
			if err := setStatus(ctx, tx, t.ID, status, reason); err != nil {
				return err
			}
			results = append(results, r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// Fail moves the transaction owning opID to FAILED at once (permanent
// rejection) and removes its queued operations to the audit trail.
// It returns the transaction id, or "" when the op was already gone.
func (db *DB) Fail(ctx context.Context, opID, reason string) (string, error) {
	var txID string
	err := db.withTx(ctx, "fail operation", func(tx *sql.Tx) error {
		op, err := getOperation(ctx, tx, opID)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		txID = op.TransactionID

		if _, err := dropOperations(ctx, tx, txID, reason); err != nil {
			return err
		}
		if err := setStatus(ctx, tx, txID, schema.StatusFailed, reason); err != nil {
			return err
		}
		return appendAudit(ctx, tx, AuditEntry{
			TransactionID: txID,
			Action:        AuditOperationFailed,
			Detail:        reason,
		})
	})
	return txID, err
}

// DropForTransaction removes every queued operation of a transaction,
// recording each in the audit trail.
func (db *DB) DropForTransaction(ctx context.Context, txID, reason string) (int, error) {
	var n int
	err := db.withTx(ctx, "drop operations", func(tx *sql.Tx) error {
		var err error
		n, err = dropOperations(ctx, tx, txID, reason)
		return err
	})
	return n, err
}
