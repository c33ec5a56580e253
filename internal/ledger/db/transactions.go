package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/bookkeeper/ledgersync/internal/ledger/schema"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const transactionColumns = `id, amount_minor, currency, date, category, description,
	revision, remote_revision, status, deleted, last_error, created_at, updated_at`

// pendingPageSize bounds how many rows ListPending reads per query.
const pendingPageSize = 100

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(s rowScanner) (*schema.Transaction, error) {
	var t schema.Transaction
	var date, status, createdAt, updatedAt string
	var deleted int

	if err := s.Scan(
		&t.ID,
		&t.AmountMinor,
		&t.Currency,
		&date,
		&t.Category,
		&t.Description,
		&t.Revision,
		&t.RemoteRevision,
		&status,
		&deleted,
		&t.LastError,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}

	d, err := schema.ParseDate(date)
	if err != nil {
		return nil, fmt.Errorf("transaction %s: %w", t.ID, err)
	}
	t.Date = d
	t.Status = schema.Status(status)
	t.Deleted = deleted != 0
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	return &t, nil
}

func scanTransactions(rows *sql.Rows) ([]*schema.Transaction, error) {
	var out []*schema.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transactions: %w", err)
	}
	return out, nil
}

func getTransaction(ctx context.Context, q querier, id string) (*schema.Transaction, error) {
	row := q.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = ?`, id)
	t, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("transaction %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction %s: %w", id, err)
	}
	return t, nil
}

// putTransaction upserts t. A write whose revision is lower than the stored
// one is refused with ErrStaleRevision.
func putTransaction(ctx context.Context, q querier, t *schema.Transaction) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("invalid transaction: %w", err)
	}

	query := `
	INSERT INTO transactions (
		id, amount_minor, currency, date, category, description,
		revision, remote_revision, status, deleted, last_error, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		amount_minor = excluded.amount_minor,
		currency = excluded.currency,
		date = excluded.date,
		category = excluded.category,
		description = excluded.description,
		revision = excluded.revision,
		remote_revision = excluded.remote_revision,
		status = excluded.status,
		deleted = excluded.deleted,
		last_error = excluded.last_error,
		updated_at = excluded.updated_at
	WHERE excluded.revision >= transactions.revision
	`

	res, err := q.ExecContext(ctx, query,
		t.ID,
		t.AmountMinor,
		t.Currency,
		schema.NormalizeDate(t.Date).Format(schema.DateLayout),
		t.Category,
		t.Description,
		t.Revision,
		t.RemoteRevision,
		string(t.Status),
		boolToInt(t.Deleted),
		t.LastError,
		formatTime(t.CreatedAt),
		formatTime(t.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to put transaction %s: %w", t.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("transaction %s revision %d: %w", t.ID, t.Revision, ErrStaleRevision)
	}
	return nil
}

func setStatus(ctx context.Context, q querier, id string, status schema.Status, lastError string) error {
	res, err := q.ExecContext(ctx,
		`UPDATE transactions SET status = ?, last_error = ? WHERE id = ?`,
		string(status), lastError, id)
	if err != nil {
		return fmt.Errorf("failed to set status of %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("transaction %s: %w", id, ErrNotFound)
	}
	return nil
}

func setBasePayload(ctx context.Context, q querier, id string, p schema.Payload) error {
	data, err := p.Marshal()
	if err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx, `UPDATE transactions SET base_payload = ? WHERE id = ?`, string(data), id); err != nil {
		return fmt.Errorf("failed to store base payload of %s: %w", id, err)
	}
	return nil
}

func deleteTransaction(ctx context.Context, q querier, id string) error {
	for _, stmt := range []string{
		`DELETE FROM sync_queue WHERE transaction_id = ?`,
		`DELETE FROM conflicts WHERE transaction_id = ?`,
		`DELETE FROM transactions WHERE id = ?`,
	} {
		if _, err := q.ExecContext(ctx, stmt, id); err != nil {
			return fmt.Errorf("failed to delete transaction %s: %w", id, err)
		}
	}
	return nil
}

// Put inserts or replaces a transaction row. Revisions never move backwards.
func (db *DB) Put(ctx context.Context, t *schema.Transaction) error {
	return storageErr("put transaction", putTransaction(ctx, db.conn, t))
}

// Get returns the transaction with the given id, or ErrNotFound.
func (db *DB) Get(ctx context.Context, id string) (*schema.Transaction, error) {
	return getTransaction(ctx, db.conn, id)
}

// GetBase returns the last payload both sides agreed on (set on ack and
// pull). ok is false when the transaction has never been synchronized.
func (db *DB) GetBase(ctx context.Context, id string) (p schema.Payload, ok bool, err error) {
	var data sql.NullString
	err = db.conn.QueryRowContext(ctx, `SELECT base_payload FROM transactions WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return schema.Payload{}, false, fmt.Errorf("transaction %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return schema.Payload{}, false, fmt.Errorf("failed to get base payload of %s: %w", id, err)
	}
	if !data.Valid || data.String == "" {
		return schema.Payload{}, false, nil
	}
	p, err = schema.UnmarshalPayload([]byte(data.String))
	if err != nil {
		return schema.Payload{}, false, err
	}
	return p, true, nil
}

// CommitEdit stores t and, when op is non-nil, enqueues op in the same
// SQLite transaction. This is the durable checkpoint of every local edit.
func (db *DB) CommitEdit(ctx context.Context, t *schema.Transaction, op *schema.SyncOperation) error {
	return db.withTx(ctx, "commit edit", func(tx *sql.Tx) error {
		if err := putTransaction(ctx, tx, t); err != nil {
			return err
		}
		if op == nil {
			return nil
		}
		return enqueue(ctx, tx, op)
	})
}

// UpdateStatus sets the status of a transaction and records revision as its
// current local revision. revision must not be lower than the stored one.
func (db *DB) UpdateStatus(ctx context.Context, id string, status schema.Status, revision int64) error {
	if !status.Valid() {
		return fmt.Errorf("invalid status %q", status)
	}
	return db.withTx(ctx, "update status", func(tx *sql.Tx) error {
		cur, err := getTransaction(ctx, tx, id)
		if err != nil {
			return err
		}
		if revision < cur.Revision {
			return fmt.Errorf("transaction %s: revision %d < %d: %w", id, revision, cur.Revision, ErrStaleRevision)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE transactions SET status = ?, revision = ? WHERE id = ?`,
			string(status), revision, id)
		return err
	})
}

// SoftDelete marks a transaction deleted, bumps its revision and enqueues
// op (a DELETE) atomically. The row stays until the remote confirms.
// A row in CONFLICT is marked but nothing is enqueued.
func (db *DB) SoftDelete(ctx context.Context, id string, op *schema.SyncOperation) (*schema.Transaction, error) {
	var out *schema.Transaction
	err := db.withTx(ctx, "soft delete", func(tx *sql.Tx) error {
		t, err := getTransaction(ctx, tx, id)
		if err != nil {
			return err
		}
		t.Deleted = true
		t.Revision++
		if op != nil {
			if op.EnqueuedAt.IsZero() {
				op.EnqueuedAt = time.Now().UTC()
			}
			t.UpdatedAt = op.EnqueuedAt
		}
		if t.Status != schema.StatusConflict {
			t.Status = schema.StatusPending
		}
		if err := putTransaction(ctx, tx, t); err != nil {
			return err
		}
		if op != nil && t.Status != schema.StatusConflict {
			op.TransactionID = t.ID
			op.Kind = schema.OpDelete
			op.Revision = t.Revision
			op.BaseRevision = t.RemoteRevision
			op.Payload = t.Payload()
			if err := enqueue(ctx, tx, op); err != nil {
				return err
			}
		}
		out = t
		return nil
	})
	return out, err
}

// HardDelete removes a transaction with its queued operations and conflict.
func (db *DB) HardDelete(ctx context.Context, id string) error {
	return db.withTx(ctx, "hard delete", func(tx *sql.Tx) error {
		return deleteTransaction(ctx, tx, id)
	})
}

// Purge removes a transaction that never reached the remote and records
// the removed payload in the audit trail.
func (db *DB) Purge(ctx context.Context, id, reason string) error {
	return db.withTx(ctx, "purge transaction", func(tx *sql.Tx) error {
		t, err := getTransaction(ctx, tx, id)
		if err != nil {
			return err
		}
		p := t.Payload()
		if err := appendAudit(ctx, tx, AuditEntry{
			TransactionID: id,
			Action:        AuditPurged,
			Detail:        reason,
			Payload:       &p,
		}); err != nil {
			return err
		}
		return deleteTransaction(ctx, tx, id)
	})
}

// ApplyRemote stores rec as the confirmed state of its transaction: a
// deleted record removes the local row, anything else becomes SYNCED at the
// remote revision. The local revision never moves backwards.
func (db *DB) ApplyRemote(ctx context.Context, rec schema.RemoteRecord) (*schema.Transaction, error) {
	var out *schema.Transaction
	err := db.withTx(ctx, "apply remote record", func(tx *sql.Tx) error {
		t, err := getTransaction(ctx, tx, rec.ID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if rec.Deleted {
			if t == nil {
				return nil
			}
			return deleteTransaction(ctx, tx, rec.ID)
		}
		if t == nil {
			t = &schema.Transaction{ID: rec.ID, CreatedAt: rec.Payload.UpdatedAt}
		}
		t.ApplyPayload(rec.Payload)
		t.Deleted = false
		t.Revision = max(t.Revision, rec.Revision)
		t.RemoteRevision = rec.Revision
		t.Status = schema.StatusSynced
		t.LastError = ""
		if t.CreatedAt.IsZero() {
			t.CreatedAt = t.UpdatedAt
		}
		if err := putTransaction(ctx, tx, t); err != nil {
			return err
		}
		if err := setBasePayload(ctx, tx, t.ID, rec.Payload); err != nil {
			return err
		}
		out = t
		return nil
	})
	return out, err
}

// ListPending returns PENDING and SYNCING transactions ordered by their
// oldest queued operation. The sequence reads in pages and is restartable:
// each range over it starts a fresh query.
func (db *DB) ListPending(ctx context.Context) iter.Seq2[*schema.Transaction, error] {
	return func(yield func(*schema.Transaction, error) bool) {
		var after int64
		for {
			query := `
			SELECT ` + prefixed("t.", transactionColumns) + `, q.first_seq
			FROM transactions t
			JOIN (
				SELECT transaction_id, MIN(seq) AS first_seq
				FROM sync_queue GROUP BY transaction_id
			) q ON q.transaction_id = t.id
			WHERE t.status IN ('PENDING', 'SYNCING') AND q.first_seq > ?
			ORDER BY q.first_seq
			LIMIT ?`

			rows, err := db.conn.QueryContext(ctx, query, after, pendingPageSize)
			if err != nil {
				yield(nil, storageErr("list pending transactions", err))
				return
			}

			var page []*schema.Transaction
			for rows.Next() {
				var seq int64
				t, err := scanTransaction(scannerFunc(func(dest ...any) error {
					return rows.Scan(append(dest, &seq)...)
				}))
				if err != nil {
					rows.Close()
					yield(nil, storageErr("scan pending transaction", err))
					return
				}
				page = append(page, t)
				after = seq
			}
			err = rows.Err()
			rows.Close()
			if err != nil {
				yield(nil, storageErr("list pending transactions", err))
				return
			}

			for _, t := range page {
				if !yield(t, nil) {
					return
				}
			}
			if len(page) < pendingPageSize {
				return
			}
		}
	}
}

// ListByStatus returns transactions with the given status, oldest edit first.
func (db *DB) ListByStatus(ctx context.Context, status schema.Status) ([]*schema.Transaction, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE status = ? ORDER BY updated_at, id`,
		string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s transactions: %w", status, err)
	}
	defer rows.Close()
	return scanTransactions(rows)
}

// ListFilter selects transactions for List.
type ListFilter struct {
	Status         schema.Status // empty = any
	Category       string        // empty = any
	IncludeDeleted bool
	Limit          int // 0 = no limit
}

// List returns transactions matching filter, newest date first.
func (db *DB) List(ctx context.Context, filter ListFilter) ([]*schema.Transaction, error) {
	var conditions []string
	var args []any

	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Category != "" {
		conditions = append(conditions, "category = ?")
		args = append(args, filter.Category)
	}
	if !filter.IncludeDeleted {
		conditions = append(conditions, "deleted = 0")
	}

	query := `SELECT ` + transactionColumns + ` FROM transactions`
	if len(conditions) > 0 {
		query += ` WHERE ` + strings.Join(conditions, " AND ")
	}
	query += ` ORDER BY date DESC, created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()
	return scanTransactions(rows)
}

// CountByStatus returns the number of transactions per status. Every status
// is present in the result, zero when unused.
func (db *DB) CountByStatus(ctx context.Context) (map[schema.Status]int, error) {
	counts := make(map[schema.Status]int, len(schema.AllStatuses))
	for _, s := range schema.AllStatuses {
		counts[s] = 0
	}

	rows, err := db.conn.QueryContext(ctx, `SELECT status, COUNT(*) FROM transactions GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count transactions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		counts[schema.Status(status)] = n
	}
	return counts, rows.Err()
}

type scannerFunc func(dest ...any) error

func (f scannerFunc) Scan(dest ...any) error { return f(dest...) }

func prefixed(prefix, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = prefix + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
