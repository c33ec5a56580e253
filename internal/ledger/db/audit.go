package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/bookkeeper/ledgersync/internal/ledger/schema"
)

// Audit actions.
const (
	AuditOperationDropped = "operation_dropped"
	AuditOperationFailed  = "operation_failed"
	AuditConflictDetected = "conflict_detected"
	AuditConflictResolved = "conflict_resolved"
	AuditLocalDiscarded   = "local_discarded"
	AuditRemoteDiscarded  = "remote_discarded"
	AuditMergeLoser       = "merge_loser"
	AuditPurged           = "purged"
	AuditRetried          = "retried"
)

// AuditEntry is one append-only record of something the sync engine
// discarded or decided on a user's behalf.
type AuditEntry struct {
	ID            int64           `json:"id" yaml:"id"`
	TransactionID string          `json:"transaction_id" yaml:"transaction_id"`
	Action        string          `json:"action" yaml:"action"`
	Detail        string          `json:"detail,omitempty" yaml:"detail,omitempty"`
	Payload       *schema.Payload `json:"payload,omitempty" yaml:"-"`
	At            time.Time       `json:"at" yaml:"at"`
}

func appendAudit(ctx context.Context, q querier, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	var payload sql.NullString
	if e.Payload != nil {
		data, err := e.Payload.Marshal()
		if err != nil {
			return err
		}
		payload = sql.NullString{String: string(data), Valid: true}
	}
	_, err := q.ExecContext(ctx,
		`INSERT INTO audit_log (transaction_id, action, detail, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		e.TransactionID, e.Action, e.Detail, payload, formatTime(e.At))
	if err != nil {
		return fmt.Errorf("failed to append audit entry for %s: %w", e.TransactionID, err)
	}
	return nil
}

// AppendAudit records an audit entry.
func (db *DB) AppendAudit(ctx context.Context, e AuditEntry) error {
	return storageErr("append audit entry", appendAudit(ctx, db.conn, e))
}

// ListAudit returns audit entries for a transaction in insertion order, or
// for every transaction when txID is empty.
func (db *DB) ListAudit(ctx context.Context, txID string) ([]AuditEntry, error) {
	query := `SELECT id, transaction_id, action, detail, payload, created_at FROM audit_log`
	var args []any
	if txID != "" {
		query += ` WHERE transaction_id = ?`
		args = append(args, txID)
	}
	query += ` ORDER BY id`

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var payload sql.NullString
		var at string
		if err := rows.Scan(&e.ID, &e.TransactionID, &e.Action, &e.Detail, &payload, &at); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		if payload.Valid {
			p, err := schema.UnmarshalPayload([]byte(payload.String))
			if err != nil {
				return nil, err
			}
			e.Payload = &p
		}
		e.At = parseTime(at)
		out = append(out, e)
	}
	return out, rows.Err()
}
