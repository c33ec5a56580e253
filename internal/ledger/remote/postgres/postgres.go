// Package postgres implements remote.Gateway on a PostgreSQL database.
//
// Each mutation runs in one database transaction that checks the op id
// against applied_operations, applies the conditional write, and records the
// op id with the revision it produced. Writers take a transaction-scoped
// advisory lock so that change sequence numbers commit in order and
// FetchSince never skips a change.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bookkeeper/ledgersync/internal/ledger/remote"
	"github.com/bookkeeper/ledgersync/internal/ledger/schema"
)

// writeLockKey is the advisory lock serializing remote writers.
const writeLockKey = 0x6c656467 // "ledg"

// Config configures the gateway connection.
type Config struct {
	URL      string
	MaxConns int32
}

// BuildURL assembles a connection URL from discrete settings.
func BuildURL(host string, port int, database, user, password, sslmode string) string {
	if port == 0 {
		port = 5432
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(host, strconv.Itoa(port)),
		Path:   "/" + database,
	}
	if user != "" {
		if password != "" {
			u.User = url.UserPassword(user, password)
		} else {
			u.User = url.User(user)
		}
	}
	if sslmode != "" {
		u.RawQuery = url.Values{"sslmode": {sslmode}}.Encode()
	}
	return u.String()
}

// Gateway is a pgx-backed remote.Gateway.
type Gateway struct {
	pool *pgxpool.Pool
}

// Open connects to the database. The schema must already be migrated.
func Open(ctx context.Context, cfg Config) (*Gateway, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse remote url: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	pcfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, classify("connect", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, classify("connect", err)
	}
	return &Gateway{pool: pool}, nil
}

// ApplyIfRevisionMatches implements remote.Gateway.
func (g *Gateway) ApplyIfRevisionMatches(ctx context.Context, m remote.Mutation, expected int64) (remote.Result, error) {
	const op = "apply"

	payload, err := m.Payload.Marshal()
	if err != nil {
		return remote.Result{}, remote.Fatal(op, err)
	}
	deleted := m.Kind == schema.OpDelete || m.Payload.Deleted

	tx, err := g.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return remote.Result{}, classify(op, err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(writeLockKey)); err != nil {
		return remote.Result{}, classify(op, err)
	}

	if rev, ok, err := appliedRevision(ctx, tx, m.OpID); err != nil {
		return remote.Result{}, classify(op, err)
	} else if ok {
		return remote.Result{Outcome: remote.Acked, NewRevision: rev}, nil
	}

	newRev := remote.NextRevision(expected, m.Revision)
	var tag pgconn.CommandTag
	if expected == 0 {
		tag, err = tx.Exec(ctx, `
			INSERT INTO ledger_transactions (id, revision, payload, deleted, seq)
			VALUES ($1, $2, $3, $4, nextval('ledger_change_seq'))
			ON CONFLICT (id) DO NOTHING`,
			m.TransactionID, newRev, payload, deleted)
	} else {
		tag, err = tx.Exec(ctx, `
			UPDATE ledger_transactions
			SET revision = $2, payload = $3, deleted = $4,
			    seq = nextval('ledger_change_seq'), updated_at = now()
			WHERE id = $1 AND revision = $5`,
			m.TransactionID, newRev, payload, deleted, expected)
	}
	if err != nil {
		return remote.Result{}, classify(op, err)
	}

	if tag.RowsAffected() == 0 {
		rec, err := fetchOne(ctx, tx, m.TransactionID)
		if err != nil {
			return remote.Result{}, classify(op, err)
		}
		return remote.Result{Outcome: remote.Conflict, Remote: rec}, nil
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO applied_operations (op_id, transaction_id, new_revision) VALUES ($1, $2, $3)`,
		m.OpID, m.TransactionID, newRev); err != nil {
		return remote.Result{}, classify(op, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return remote.Result{}, classify(op, err)
	}
	return remote.Result{Outcome: remote.Acked, NewRevision: newRev}, nil
}

func appliedRevision(ctx context.Context, tx pgx.Tx, opID string) (int64, bool, error) {
	var rev int64
	err := tx.QueryRow(ctx, `SELECT new_revision FROM applied_operations WHERE op_id = $1`, opID).Scan(&rev)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return rev, true, nil
}

func fetchOne(ctx context.Context, tx pgx.Tx, id string) (*schema.RemoteRecord, error) {
	row := tx.QueryRow(ctx,
		`SELECT id, revision, payload, deleted, seq FROM ledger_transactions WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func scanRecord(row pgx.Row) (schema.RemoteRecord, error) {
	var rec schema.RemoteRecord
	var payload []byte
	if err := row.Scan(&rec.ID, &rec.Revision, &payload, &rec.Deleted, &rec.Seq); err != nil {
		return schema.RemoteRecord{}, err
	}
	p, err := schema.UnmarshalPayload(payload)
	if err != nil {
		return schema.RemoteRecord{}, err
	}
	rec.Payload = p
	return rec, nil
}

// FetchSince implements remote.Gateway.
func (g *Gateway) FetchSince(ctx context.Context, cursor int64, limit int) ([]schema.RemoteRecord, error) {
	const op = "fetch"
	if limit <= 0 {
		limit = 500
	}
	rows, err := g.pool.Query(ctx, `
		SELECT id, revision, payload, deleted, seq
		FROM ledger_transactions
		WHERE seq > $1
		ORDER BY seq
		LIMIT $2`, cursor, limit)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	var out []schema.RemoteRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, classify(op, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(op, err)
	}
	return out, nil
}

// Close implements remote.Gateway.
func (g *Gateway) Close() error {
	g.pool.Close()
	return nil
}

// classify maps a driver error to a remote.Error. Authentication,
// authorization, integrity and data errors are permanent; anything else
// (network, timeouts, server restarts, serialization failures) is retried.
func classify(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "42501",
			len(pgErr.Code) >= 2 && (pgErr.Code[:2] == "28" || pgErr.Code[:2] == "23" || pgErr.Code[:2] == "22"):
			return remote.Fatal(op, err)
		}
	}
	return remote.Transient(op, err)
}

var _ remote.Gateway = (*Gateway)(nil)
