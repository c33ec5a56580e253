// Package ledger is the command and query surface of the sync engine.
//
// Foreground calls (Create, Edit, Delete, Retry) validate, commit to the
// local store and enqueue in one step and never touch the network. The
// reconciler, driven by SyncNow, the daemon schedule or Sync, does the rest.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bookkeeper/ledgersync/internal/ledger/db"
	"github.com/bookkeeper/ledgersync/internal/ledger/events"
	"github.com/bookkeeper/ledgersync/internal/ledger/keylock"
	"github.com/bookkeeper/ledgersync/internal/ledger/remote"
	"github.com/bookkeeper/ledgersync/internal/ledger/schema"
	"github.com/bookkeeper/ledgersync/internal/ledger/sync"
	"github.com/bookkeeper/ledgersync/internal/ledger/validate"
)

var (
	// ErrDeleted is returned when editing or deleting a transaction that is
	// already deleted.
	ErrDeleted = errors.New("transaction is deleted")
	// ErrNotInConflict is returned when resolving a transaction without a
	// stored conflict.
	ErrNotInConflict = errors.New("transaction is not in conflict")
	// ErrNotFailed is returned when retrying a transaction that is not FAILED.
	ErrNotFailed = errors.New("transaction is not failed")
	// ErrExists is returned when creating a transaction with a taken id.
	ErrExists = errors.New("transaction already exists")
	// ErrNoRemote is returned by sync commands when no gateway is configured.
	ErrNoRemote = errors.New("no remote configured")
)

// Options configures a Ledger.
type Options struct {
	Validator *validate.Validator
	// Gateway is optional; without it the ledger works offline only.
	Gateway remote.Gateway
	Sync    sync.Options
	Sink    events.Sink
	Logger  zerolog.Logger
	Now     func() time.Time
}

// Ledger is the local transaction ledger.
type Ledger struct {
	db        *db.DB
	validator *validate.Validator
	rec       sync.Reconciler
	gateway   remote.Gateway
	locks     *keylock.Locker
	sink      events.Sink
	logger    zerolog.Logger
	now       func() time.Time
	trigger   chan struct{}
}

// New wraps an open store. The store's in-flight state should already be
// recovered (see Open).
func New(store *db.DB, opts Options) *Ledger {
	if opts.Validator == nil {
		opts.Validator = validate.New(validate.Options{Now: opts.Now})
	}
	if opts.Sink == nil {
		opts.Sink = events.Nop{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	locks := opts.Sync.Locker
	if locks == nil {
		locks = keylock.New()
	}

	l := &Ledger{
		db:        store,
		validator: opts.Validator,
		gateway:   opts.Gateway,
		locks:     locks,
		sink:      opts.Sink,
		logger:    opts.Logger,
		now:       opts.Now,
		trigger:   make(chan struct{}, 1),
	}

	if opts.Gateway != nil {
		so := opts.Sync
		so.Locker = locks
		if so.Sink == nil {
			so.Sink = opts.Sink
		}
		if so.Now == nil {
			so.Now = opts.Now
		}
		so.Logger = opts.Logger
		l.rec = sync.New(store, opts.Gateway, so)
	}
	return l
}

// Open opens the store at path, repairs state left by a crash and returns
// the ledger.
func Open(ctx context.Context, path string, opts Options) (*Ledger, error) {
	store, err := db.OpenContext(ctx, path)
	if err != nil {
		return nil, err
	}
	res, err := store.Recover(ctx)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	if res.RequeuedOps > 0 || res.ResetSyncing > 0 {
		opts.Logger.Info().
			Int("requeued_ops", res.RequeuedOps).
			Int("reset_syncing", res.ResetSyncing).
			Msg("recovered interrupted sync")
	}
	return New(store, opts), nil
}

// Close closes the gateway (if any) and the store.
func (l *Ledger) Close() error {
	var errs []error
	if l.gateway != nil {
		errs = append(errs, l.gateway.Close())
	}
	errs = append(errs, l.db.Close())
	return errors.Join(errs...)
}

// DB returns the underlying store.
func (l *Ledger) DB() *db.DB { return l.db }

// Reconciler returns the reconciler, or nil when no gateway is configured.
func (l *Ledger) Reconciler() sync.Reconciler { return l.rec }

// Validator returns the validator used for edits.
func (l *Ledger) Validator() *validate.Validator { return l.validator }

// Create validates c and stores it as a new PENDING transaction at
// revision 0 with a queued CREATE.
func (l *Ledger) Create(ctx context.Context, c validate.Candidate) (*schema.Transaction, error) {
	v, err := l.validator.Validate(c)
	if err != nil {
		return nil, err
	}

	unlock := l.locks.Lock(v.ID)
	defer unlock()

	if _, err := l.db.Get(ctx, v.ID); err == nil {
		return nil, fmt.Errorf("%s: %w", v.ID, ErrExists)
	} else if !errors.Is(err, db.ErrNotFound) {
		return nil, err
	}

	now := l.now().UTC()
	t := v
	t.Status = schema.StatusPending
	t.CreatedAt = now
	t.UpdatedAt = now

	op := newOp(&t, schema.OpCreate, now)
	if err := l.db.CommitEdit(ctx, &t, op); err != nil {
		return nil, err
	}
	l.emit(t.ID, "", schema.StatusPending, t.Revision, op.OpID, "created")
	l.SyncNow()
	return &t, nil
}

// Edit is a partial update; nil fields are left unchanged.
type Edit struct {
	AmountMinor *int64
	Currency    *string
	Date        *time.Time
	Category    *string
	Description *string
}

func (e Edit) apply(c *validate.Candidate) {
	if e.AmountMinor != nil {
		c.AmountMinor = *e.AmountMinor
	}
	if e.Currency != nil {
		c.Currency = *e.Currency
	}
	if e.Date != nil {
		c.Date = *e.Date
	}
	if e.Category != nil {
		c.Category = *e.Category
	}
	if e.Description != nil {
		c.Description = *e.Description
	}
}

// Edit validates and applies e. Every effective edit bumps the revision.
// A SYNCED row goes back to PENDING; a row in CONFLICT keeps its status
// and nothing is queued until the conflict is resolved; a FAILED row is
// queued again.
func (l *Ledger) Edit(ctx context.Context, id string, e Edit) (*schema.Transaction, error) {
	unlock := l.locks.Lock(id)
	defer unlock()

	t, err := l.db.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Deleted {
		return nil, fmt.Errorf("%s: %w", id, ErrDeleted)
	}

	c := validate.FromTransaction(t)
	e.apply(&c)
	v, err := l.validator.Validate(c)
	if err != nil {
		return nil, err
	}

	next := t.Clone()
	next.AmountMinor = v.AmountMinor
	next.Currency = v.Currency
	next.Date = v.Date
	next.Category = v.Category
	next.Description = v.Description
	if next.Payload().Equal(t.Payload()) {
		return t, nil
	}

	now := l.now().UTC()
	next.Revision = t.Revision + 1
	next.UpdatedAt = now

	var op *schema.SyncOperation
	if t.Status != schema.StatusConflict {
		next.Status = schema.StatusPending
		next.LastError = ""
		kind := schema.OpUpdate
		if t.Status == schema.StatusFailed && t.RemoteRevision == 0 {
			kind = schema.OpCreate
		}
		op = newOp(next, kind, now)
	}

	if err := l.db.CommitEdit(ctx, next, op); err != nil {
		return nil, err
	}
	opID := ""
	if op != nil {
		opID = op.OpID
	}
	l.emit(id, t.Status, next.Status, next.Revision, opID, "edited")
	if op != nil {
		l.SyncNow()
	}
	return next, nil
}

// Delete removes a transaction. A transaction whose operations never left
// the device is purged at once (the payload is kept in the audit trail);
// anything the remote may know about is soft-deleted and removed once the
// remote confirms.
func (l *Ledger) Delete(ctx context.Context, id string) error {
	unlock := l.locks.Lock(id)
	defer unlock()

	t, err := l.db.Get(ctx, id)
	if err != nil {
		return err
	}
	if t.Deleted {
		return fmt.Errorf("%s: %w", id, ErrDeleted)
	}

	local, err := l.neverSent(ctx, t)
	if err != nil {
		return err
	}
	if local {
		if err := l.db.Purge(ctx, id, "deleted before reaching the remote"); err != nil {
			return err
		}
		l.emit(id, t.Status, "", t.Revision, "", "purged")
		return nil
	}

	op := &schema.SyncOperation{OpID: uuid.NewString(), EnqueuedAt: l.now().UTC()}
	deleted, err := l.db.SoftDelete(ctx, id, op)
	if err != nil {
		return err
	}
	opID := op.OpID
	if deleted.Status == schema.StatusConflict {
		opID = ""
	}
	l.emit(id, t.Status, deleted.Status, deleted.Revision, opID, "deleted")
	if opID != "" {
		l.SyncNow()
	}
	return nil
}

// neverSent reports whether no operation of t was ever handed to the remote.
func (l *Ledger) neverSent(ctx context.Context, t *schema.Transaction) (bool, error) {
	if t.RemoteRevision != 0 || t.Status != schema.StatusPending {
		return false, nil
	}
	ops, err := l.db.ListOperations(ctx, t.ID)
	if err != nil {
		return false, err
	}
	for _, op := range ops {
		if op.Attempts > 0 || op.State != schema.OpQueued {
			return false, nil
		}
	}
	return true, nil
}

// Get returns one transaction.
func (l *Ledger) Get(ctx context.Context, id string) (*schema.Transaction, error) {
	return l.db.Get(ctx, id)
}

// ListPending yields PENDING and SYNCING transactions in queue order.
func (l *Ledger) ListPending(ctx context.Context) iter.Seq2[*schema.Transaction, error] {
	return l.db.ListPending(ctx)
}

// ListConflicts returns stored conflicts with both payloads.
func (l *Ledger) ListConflicts(ctx context.Context) ([]*db.Conflict, error) {
	return l.db.ListConflicts(ctx)
}

// Conflict returns the stored conflict of one transaction.
func (l *Ledger) Conflict(ctx context.Context, id string) (*db.Conflict, error) {
	c, err := l.db.GetConflict(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", id, ErrNotInConflict)
	}
	return c, err
}

// ListFailed returns transactions whose sync gave up.
func (l *Ledger) ListFailed(ctx context.Context) ([]*schema.Transaction, error) {
	return l.db.ListByStatus(ctx, schema.StatusFailed)
}

// List returns transactions matching filter.
func (l *Ledger) List(ctx context.Context, filter db.ListFilter) ([]*schema.Transaction, error) {
	return l.db.List(ctx, filter)
}

// Counts returns the number of transactions per status.
func (l *Ledger) Counts(ctx context.Context) (map[schema.Status]int, error) {
	return l.db.CountByStatus(ctx)
}

// Audit returns the audit trail of a transaction, or of all of them when
// id is empty.
func (l *Ledger) Audit(ctx context.Context, id string) ([]db.AuditEntry, error) {
	return l.db.ListAudit(ctx, id)
}

// ResolveConflict settles a conflict with the chosen variant and wakes the
// reconciler to deliver the result.
func (l *Ledger) ResolveConflict(ctx context.Context, id string, v sync.Variant) error {
	if l.rec == nil {
		return ErrNoRemote
	}
	if err := l.rec.Resolve(ctx, id, v); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			if _, gerr := l.db.Get(ctx, id); gerr != nil {
				return gerr
			}
			return fmt.Errorf("%s: %w", id, ErrNotInConflict)
		}
		return err
	}
	l.SyncNow()
	return nil
}

// Retry re-queues a FAILED transaction with a fresh attempt budget.
func (l *Ledger) Retry(ctx context.Context, id string) (*schema.Transaction, error) {
	unlock := l.locks.Lock(id)
	defer unlock()

	t, err := l.db.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status != schema.StatusFailed {
		return nil, fmt.Errorf("%s is %s: %w", id, t.Status, ErrNotFailed)
	}

	kind := schema.OpUpdate
	switch {
	case t.Deleted:
		kind = schema.OpDelete
	case t.RemoteRevision == 0:
		kind = schema.OpCreate
	}

	now := l.now().UTC()
	next := t.Clone()
	next.Status = schema.StatusPending
	next.LastError = ""
	op := newOp(next, kind, now)

	if err := l.db.CommitEdit(ctx, next, op); err != nil {
		return nil, err
	}
	if err := l.db.AppendAudit(ctx, db.AuditEntry{
		TransactionID: id,
		Action:        db.AuditRetried,
		Detail:        fmt.Sprintf("%s re-queued after: %s", kind, t.LastError),
	}); err != nil {
		l.logger.Warn().Err(err).Str("transaction_id", id).Msg("failed to audit retry")
	}

	l.emit(id, schema.StatusFailed, schema.StatusPending, next.Revision, op.OpID, "retry")
	l.SyncNow()
	return next, nil
}

// SyncNow asks the background reconciler for a cycle. It never blocks.
func (l *Ledger) SyncNow() {
	select {
	case l.trigger <- struct{}{}:
	default:
	}
}

// Triggers delivers SyncNow requests to the daemon.
func (l *Ledger) Triggers() <-chan struct{} { return l.trigger }

// Sync runs one reconciliation cycle in the caller's goroutine.
func (l *Ledger) Sync(ctx context.Context) (sync.Report, error) {
	if l.rec == nil {
		return sync.Report{}, ErrNoRemote
	}
	return l.rec.RunOnce(ctx)
}

// ImportResult reports a bulk import.
type ImportResult struct {
	Created  []*schema.Transaction
	Rejected []ImportError
}

// ImportError is one candidate refused by validation.
type ImportError struct {
	Index int
	ID    string
	Err   error
}

func (e ImportError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("record %d (%s): %v", e.Index+1, e.ID, e.Err)
	}
	return fmt.Sprintf("record %d: %v", e.Index+1, e.Err)
}

// Import creates every valid candidate. Invalid candidates and ids that
// already exist are reported and skipped; a storage failure stops the
// import.
func (l *Ledger) Import(ctx context.Context, candidates []validate.Candidate) (ImportResult, error) {
	var res ImportResult
	for i, c := range candidates {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		t, err := l.Create(ctx, c)
		switch {
		case err == nil:
			res.Created = append(res.Created, t)
		case validate.IsValidationError(err), errors.Is(err, ErrExists):
			res.Rejected = append(res.Rejected, ImportError{Index: i, ID: c.ID, Err: err})
		default:
			return res, err
		}
	}
	return res, nil
}

func newOp(t *schema.Transaction, kind schema.OpKind, now time.Time) *schema.SyncOperation {
	return &schema.SyncOperation{
		OpID:          uuid.NewString(),
		TransactionID: t.ID,
		Kind:          kind,
		Revision:      t.Revision,
		BaseRevision:  t.RemoteRevision,
		Payload:       t.Payload(),
		EnqueuedAt:    now,
	}
}

func (l *Ledger) emit(id string, from, to schema.Status, revision int64, opID, reason string) {
	l.sink.OnTransition(events.Transition{
		TransactionID: id,
		From:          from,
		To:            to,
		Revision:      revision,
		OpID:          opID,
		Reason:        reason,
		At:            l.now().UTC(),
	})
}
