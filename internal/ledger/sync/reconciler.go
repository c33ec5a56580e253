package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/bookkeeper/ledgersync/internal/ledger/db"
	"github.com/bookkeeper/ledgersync/internal/ledger/events"
	"github.com/bookkeeper/ledgersync/internal/ledger/keylock"
	"github.com/bookkeeper/ledgersync/internal/ledger/remote"
	"github.com/bookkeeper/ledgersync/internal/ledger/schema"
)

// Defaults for Options fields left zero.
const (
	DefaultBatchSize     = 50
	DefaultRemoteTimeout = 10 * time.Second
	DefaultPullLimit     = 200
)

// DefaultProtectedFields are never merged automatically.
var DefaultProtectedFields = []string{schema.FieldAmount, schema.FieldCurrency}

// Options configures a Reconciler.
type Options struct {
	BatchSize     int
	RemoteTimeout time.Duration
	PullLimit     int

	// AutoResolve runs a merge as soon as a conflict is detected.
	AutoResolve bool
	// ProtectedFields overlap only by manual resolution. nil means
	// DefaultProtectedFields; an empty non-nil slice protects nothing.
	ProtectedFields []string

	// Locker serializes work per transaction id. Share it with the
	// foreground path.
	Locker *keylock.Locker
	Sink   events.Sink
	Logger zerolog.Logger
	Now    func() time.Time
}

// reconciler implements the Reconciler interface.
type reconciler struct {
	db      *db.DB
	gateway remote.Gateway
	locks   *keylock.Locker
	sink    events.Sink
	logger  zerolog.Logger
	now     func() time.Time

	autoResolve bool
	protected   map[string]bool
	pullLimit   int

	run gosync.Mutex // one push/pull at a time

	mu            gosync.RWMutex
	batchSize     int
	remoteTimeout time.Duration
}

// New creates a Reconciler over an open ledger and gateway.
//
// Example:
//
//	store, err := db.Open(path)
//	if err != nil {
//	    return err
//	}
//	rec := sync.New(store, gateway, sync.Options{BatchSize: 20})
//	report, err := rec.RunOnce(ctx)
func New(store *db.DB, gateway remote.Gateway, opts Options) Reconciler {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.RemoteTimeout <= 0 {
		opts.RemoteTimeout = DefaultRemoteTimeout
	}
	if opts.PullLimit <= 0 {
		opts.PullLimit = DefaultPullLimit
	}
	if opts.Locker == nil {
		opts.Locker = keylock.New()
	}
	if opts.Sink == nil {
		opts.Sink = events.Nop{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.ProtectedFields == nil {
		opts.ProtectedFields = DefaultProtectedFields
	}

	protected := make(map[string]bool, len(opts.ProtectedFields))
	for _, f := range opts.ProtectedFields {
		protected[f] = true
	}

	return &reconciler{
		db:            store,
		gateway:       gateway,
		locks:         opts.Locker,
		sink:          opts.Sink,
		logger:        opts.Logger,
		now:           opts.Now,
		autoResolve:   opts.AutoResolve,
		protected:     protected,
		pullLimit:     opts.PullLimit,
		batchSize:     opts.BatchSize,
		remoteTimeout: opts.RemoteTimeout,
	}
}

// Tune implements Reconciler.Tune.
func (r *reconciler) Tune(batchSize int, remoteTimeout time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if batchSize > 0 {
		r.batchSize = batchSize
	}
	if remoteTimeout > 0 {
		r.remoteTimeout = remoteTimeout
	}
}

func (r *reconciler) tunables() (int, time.Duration) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.batchSize, r.remoteTimeout
}

// RunOnce implements Reconciler.RunOnce.
func (r *reconciler) RunOnce(ctx context.Context) (Report, error) {
	r.run.Lock()
	defer r.run.Unlock()

	start := time.Now()
	report, err := r.push(ctx)
	if err != nil {
		report.Duration = time.Since(start)
		return report, err
	}
	if ctx.Err() != nil {
		report.Duration = time.Since(start)
		return report, nil
	}

	pulled, err := r.pull(ctx)
	report.Add(pulled)
	report.Duration = time.Since(start)
	return report, err
}

// Push implements Reconciler.Push.
func (r *reconciler) Push(ctx context.Context) (Report, error) {
	r.run.Lock()
	defer r.run.Unlock()

	start := time.Now()
	report, err := r.push(ctx)
	report.Duration = time.Since(start)
	return report, err
}

func (r *reconciler) push(ctx context.Context) (Report, error) {
	var report Report
	for {
		if ctx.Err() != nil {
			report.Interrupted = true
			return report, nil
		}

		batchSize, _ := r.tunables()
		batch, err := r.db.PeekBatch(ctx, batchSize, r.now())
		if err != nil {
			return report, fmt.Errorf("failed to read sync queue: %w", err)
		}
		if len(batch) == 0 {
			return report, nil
		}

		progressed := false
		for _, op := range batch {
			if ctx.Err() != nil {
				report.Interrupted = true
				return report, nil
			}
			sent, err := r.deliver(ctx, op, &report)
			if err != nil {
				return report, err
			}
			progressed = progressed || sent
		}
		if !progressed {
			return report, nil
		}
	}
}

// deliver sends one operation and settles its outcome. It reports whether
// the operation was sent.
func (r *reconciler) deliver(ctx context.Context, queued *schema.SyncOperation, report *Report) (bool, error) {
	// Once sent, an operation is settled even if ctx ends.
	settleCtx := context.WithoutCancel(ctx)

	unlock := r.locks.Lock(queued.TransactionID)
	op, from, err := r.db.MarkSending(settleCtx, queued.OpID)
	unlock()
	if errors.Is(err, db.ErrNotFound) || errors.Is(err, db.ErrNotQueued) {
		// Dropped, purged or already in flight since the batch was read.
		r.logger.Debug().Err(err).Str("op_id", queued.OpID).Msg("skipping operation")
		return false, nil
	}
	if err != nil {
		return false, err
	}
	r.emit(op.TransactionID, from, schema.StatusSyncing, op.Revision, op.OpID, "")
	report.Sent++

	_, timeout := r.tunables()
	callCtx, cancel := context.WithTimeout(settleCtx, timeout)
	res, callErr := r.gateway.ApplyIfRevisionMatches(callCtx, remote.MutationFromOp(op), op.BaseRevision)
	cancel()

	unlock = r.locks.Lock(op.TransactionID)
	defer unlock()

	switch {
	case callErr != nil:
		return true, r.settleError(settleCtx, op, callErr, report)
	case res.Outcome == remote.Acked:
		return true, r.settleAck(settleCtx, op, res.NewRevision, report)
	case res.Outcome == remote.Conflict:
		return true, r.settleConflict(settleCtx, op, res.Remote, report)
	}
	return true, r.settleError(settleCtx, op,
		remote.Fatal("apply", fmt.Errorf("unexpected outcome %v", res.Outcome)), report)
}

func (r *reconciler) settleAck(ctx context.Context, op *schema.SyncOperation, newRevision int64, report *Report) error {
	ack, err := r.db.AckApplied(ctx, op.OpID, newRevision)
	if err != nil {
		return fmt.Errorf("failed to record ack of %s: %w", op.OpID, err)
	}
	if ack.Duplicate {
		return nil
	}
	report.Acked++

	switch {
	case ack.Removed:
		r.emit(op.TransactionID, ack.From, "", newRevision, op.OpID, "deleted remotely")
	case ack.Transaction != nil:
		r.emit(op.TransactionID, ack.From, ack.Transaction.Status, ack.Transaction.Revision, op.OpID, "")
	}
	return nil
}

func (r *reconciler) settleError(ctx context.Context, op *schema.SyncOperation, callErr error, report *Report) error {
	reason := callErr.Error()

	if remote.IsFatal(callErr) {
		if _, err := r.db.Fail(ctx, op.OpID, reason); err != nil {
			return fmt.Errorf("failed to record rejection of %s: %w", op.OpID, err)
		}
		report.Failed++
		r.emit(op.TransactionID, schema.StatusSyncing, schema.StatusFailed, op.Revision, op.OpID, reason)
		return nil
	}

	results, err := r.db.Nack(ctx, []string{op.OpID}, reason, r.now())
	if err != nil {
		return fmt.Errorf("failed to record retry of %s: %w", op.OpID, err)
	}
	for _, res := range results {
		if res.Failed {
			report.Failed++
			r.emit(res.TransactionID, schema.StatusSyncing, schema.StatusFailed, op.Revision, op.OpID, reason)
			continue
		}
		report.Retrying++
		r.logger.Debug().
			Str("op_id", op.OpID).
			Int("attempts", res.Attempts).
			Time("next_attempt_at", res.NextAttemptAt).
			Msg("operation will be retried")
		r.emit(res.TransactionID, schema.StatusSyncing, schema.StatusPending, op.Revision, op.OpID, reason)
	}
	return nil
}

func (r *reconciler) settleConflict(ctx context.Context, op *schema.SyncOperation, rec *schema.RemoteRecord, report *Report) error {
	// Both sides already agree: the remote lost the record we are deleting,
	// or holds exactly the content we are sending.
	switch {
	case op.Kind == schema.OpDelete && (rec == nil || rec.Deleted):
		var rev int64
		if rec != nil {
			rev = rec.Revision
		}
		return r.settleAck(ctx, op, rev, report)
	case rec != nil && !rec.Deleted && !op.Payload.Deleted && rec.Payload.Equal(op.Payload):
		if rec.Revision >= op.Revision {
			return r.settleAck(ctx, op, rec.Revision, report)
		}
		// Same content at a lower revision: resend on top of it so the
		// remote catches up with the local revision.
		if err := r.db.Rebase(ctx, op.OpID, rec.Revision); err != nil {
			return fmt.Errorf("failed to rebase %s: %w", op.OpID, err)
		}
		r.emit(op.TransactionID, schema.StatusSyncing, schema.StatusPending, op.Revision, op.OpID, "remote holds the same content")
		return nil
	}

	t, err := r.db.Get(ctx, op.TransactionID)
	if errors.Is(err, db.ErrNotFound) {
		_, err = r.db.Ack(ctx, op.OpID)
		return err
	}
	if err != nil {
		return err
	}

	c := db.Conflict{
		TransactionID: t.ID,
		Local:         t.Payload(),
		LocalRevision: t.Revision,
		Reason:        fmt.Sprintf("%s rejected: expected remote revision %d", op.Kind, op.BaseRevision),
		DetectedAt:    r.now().UTC(),
	}
	if rec == nil {
		c.Remote = schema.Payload{ID: t.ID, Deleted: true}
		c.RemoteDeleted = true
		c.Reason = fmt.Sprintf("%s rejected: remote record does not exist", op.Kind)
	} else {
		c.Remote = rec.Payload
		c.Remote.ID = t.ID
		c.RemoteRevision = rec.Revision
		c.RemoteDeleted = rec.Deleted
	}
	return r.recordConflict(ctx, c, op.OpID, report)
}

// recordConflict stores c and, with auto-resolve on, tries to merge it
// right away. The caller holds the transaction's lock.
func (r *reconciler) recordConflict(ctx context.Context, c db.Conflict, opID string, report *Report) error {
	from, err := r.db.SaveConflict(ctx, c)
	if err != nil {
		return fmt.Errorf("failed to store conflict for %s: %w", c.TransactionID, err)
	}
	report.Conflicts++
	r.emit(c.TransactionID, from, schema.StatusConflict, c.LocalRevision, opID, c.Reason)

	if !r.autoResolve {
		return nil
	}
	err = r.resolveLocked(ctx, c.TransactionID, Merge)
	switch {
	case err == nil:
		report.Resolved++
	case errors.Is(err, ErrManualResolutionRequired):
		r.logger.Info().Str("transaction_id", c.TransactionID).Err(err).Msg("conflict left for manual resolution")
	default:
		return err
	}
	return nil
}

func (r *reconciler) emit(id string, from, to schema.Status, revision int64, opID, reason string) {
	r.sink.OnTransition(events.Transition{
		TransactionID: id,
		From:          from,
		To:            to,
		Revision:      revision,
		OpID:          opID,
		Reason:        reason,
		At:            r.now().UTC(),
	})
}
